package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"risk-engine/internal/scorer"
	"risk-engine/internal/state"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/logger"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps a classified error to an HTTP status.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
	case errors.Is(err, state.ErrStopped):
		respondError(c, http.StatusServiceUnavailable, "ENGINE_STOPPED", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusServiceUnavailable, "TIMEOUT", "engine did not answer in time")
	case errors.Is(err, scorer.ErrStaleVersion):
		respondError(c, http.StatusConflict, "STALE_VERSION", err.Error())
	case errs.KindOf(err) == errs.KindPersistence:
		respondError(c, http.StatusInternalServerError, "PERSISTENCE", err.Error())
	default:
		logger.Error("api request failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func queryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	return n
}

func (s *Server) source(c *gin.Context) string {
	if op := CurrentOperator(c); op != "" {
		return "api:" + op
	}
	return "api"
}

func (s *Server) getStatus(c *gin.Context) {
	st, err := s.Engine.Status(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) pause(c *gin.Context) {
	st, err := s.Engine.Pause(c.Request.Context(), s.source(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// resume answers 409 with the current status while the daily budget still gates
// entries, so the caller sees why nothing changed.
func (s *Server) resume(c *gin.Context) {
	st, err := s.Engine.Resume(c.Request.Context(), s.source(c))
	if errors.Is(err, errs.ErrStillGated) {
		c.JSON(http.StatusConflict, gin.H{
			"code":   "STILL_GATED",
			"error":  err.Error(),
			"status": st,
		})
		return
	}
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.Positions(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getPositionHistory(c *gin.Context) {
	positions, err := s.Engine.History(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getTransitions(c *gin.Context) {
	rows, err := s.Engine.Transitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if len(rows) == 0 {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no transitions for position")
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getFills(c *gin.Context) {
	rows, err := s.Engine.Fills(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getWeights(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Weights())
}

func (s *Server) putWeights(c *gin.Context) {
	var w scorer.Weights
	if err := c.ShouldBindJSON(&w); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if err := w.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_WEIGHTS", err.Error())
		return
	}
	if err := s.Engine.ReplaceWeights(c.Request.Context(), w); err != nil {
		respondEngineError(c, err)
		return
	}
	logger.Info("weights replaced via api", zap.Int64("version", w.Version), zap.String("by", s.source(c)))
	c.JSON(http.StatusOK, s.Engine.Weights())
}

func (s *Server) getReports(c *gin.Context) {
	reports, err := s.Engine.Reports(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) reconcile(c *gin.Context) {
	report, err := s.Engine.Reconcile(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getBalance(c *gin.Context) {
	b, err := s.Engine.Balance(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.SystemStatus(c.Request.Context()))
}
