package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

func (s *Server) submitTwap(c *gin.Context) {
	var req models.TwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	parent, err := s.algo.Submit(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}

	// The schedule outlives this request.
	go func() {
		if err := s.algo.Run(s.bg, parent.ID); err != nil {
			s.logger.Error("twap schedule stopped",
				zap.String("algo_id", parent.ID.String()), zap.Error(err))
		}
	}()

	c.JSON(http.StatusCreated, parent)
}

func (s *Server) getAlgoOrder(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	parent, err := s.algo.Get(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, parent)
}

func (s *Server) cancelAlgoOrder(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	parent, err := s.algo.Cancel(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, parent)
}

func (s *Server) listAlgoOrders(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	out, err := s.algo.ListByAccount(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"algos": out})
}

type subscriptionRequest struct {
	SubscriberAccountID uuid.UUID       `json:"subscriber_account_id" binding:"required"`
	TraderAccountID     uuid.UUID       `json:"trader_account_id" binding:"required"`
	CopyAmount          decimal.Decimal `json:"copy_amount" binding:"required"`
}

func (s *Server) createSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	sub, err := s.copytrade.Subscribe(c.Request.Context(), req.SubscriberAccountID, req.TraderAccountID, req.CopyAmount)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) deleteSubscription(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	if err := s.copytrade.Unsubscribe(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createSchedule(c *gin.Context) {
	var req models.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.New(apperrors.KindValidation, "invalid request body: %v", err))
		return
	}
	schedule, err := s.recurring.Create(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (s *Server) pauseSchedule(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	if err := s.recurring.Pause(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeSchedule(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	if err := s.recurring.Resume(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSchedules(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		s.renderError(c, err)
		return
	}
	out, err := s.recurring.ListByAccount(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}
