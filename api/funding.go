package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

func (s *Server) deposit(c *gin.Context) {
	var req models.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	fund, err := s.transfers.Deposit(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, fund)
}

func (s *Server) withdraw(c *gin.Context) {
	var req models.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	fund, err := s.transfers.Withdraw(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, fund)
}

func (s *Server) getTransfer(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	fund, err := s.transfers.Get(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, fund)
}

func (s *Server) listTransfers(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	limit, offset := pagination(c)
	out, err := s.transfers.ListByAccount(c.Request.Context(), id, limit, offset)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": out})
}

type settlementWebhookRequest struct {
	ExternalRef string `json:"external_ref" binding:"required"`
	Status      string `json:"status" binding:"required,oneof=completed failed"`
	Reason      string `json:"reason"`
}

func (s *Server) settlementWebhook(c *gin.Context) {
	var req settlementWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid webhook body: %v", err))
		return
	}
	fund, err := s.transfers.OnSettlementResult(c.Request.Context(), req.ExternalRef,
		req.Status == "completed", req.Reason)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, fund)
}

func (s *Server) addDestination(c *gin.Context) {
	var req models.DestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	dest, err := s.transfers.AddDestination(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dest)
}

func (s *Server) approveDestination(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	dest, err := s.transfers.ApproveDestination(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, dest)
}

func (s *Server) disableDestination(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	if err := s.transfers.DisableDestination(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listDestinations(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	out, err := s.transfers.ListDestinations(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"destinations": out})
}
