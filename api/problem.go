package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
)

// renderError writes an RFC 7807 problem document for err.
func (s *Server) renderError(c *gin.Context, err error) {
	problem := apperrors.ToProblemDetails(err, c.Request.URL.Path)
	if problem.Status >= 500 {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.Header("Content-Type", "application/problem+json")
	c.JSON(problem.Status, problem)
}

// pathUUID parses the named path parameter as a UUID.
func pathUUID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.New(apperrors.KindValidation, "invalid %s: must be a UUID", name)
	}
	return id, nil
}
