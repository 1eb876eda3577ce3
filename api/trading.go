package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

type createAccountRequest struct {
	UserID   uuid.UUID `json:"user_id" binding:"required"`
	Currency string    `json:"currency" binding:"required,len=3"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	account, err := s.ledger.CreateAccount(c.Request.Context(), req.UserID, req.Currency)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) getAccount(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	account, err := s.ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) listPositions(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	positions, err := s.ledger.ListPositions(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) submitOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid order: %v", err))
		return
	}
	req.ParentAlgoID = nil
	req.OCOGroupID = nil

	order, err := s.orders.Submit(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}

	// Marketable orders execute on the spot; resting orders wait for the
	// evaluator.
	if trade, execErr := s.engine.TryExecute(c.Request.Context(), order.ID); execErr == nil && trade != nil {
		order, err = s.orders.Get(c.Request.Context(), order.ID)
		if err != nil {
			s.renderError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) submitOCO(c *gin.Context) {
	var req models.OCORequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	legs, err := s.orders.SubmitOCO(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"orders": legs})
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	order, err := s.orders.Get(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	order, err := s.orders.Cancel(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listOrders(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	limit, offset := pagination(c)
	out, err := s.orders.ListByAccount(c.Request.Context(), id, limit, offset)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
