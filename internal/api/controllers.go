package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"options-engine/internal/engine"
	"options-engine/internal/order"
	"options-engine/internal/strategy"
)

type executionRequest struct {
	PresetID string `json:"preset_id" binding:"required,min=1"`
	APIID    string `json:"api_id" binding:"required,min=1"`
}

type listTradesQuery struct {
	Limit int `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondExecutionError maps engine and executor failures onto HTTP statuses.
// Executor failures carry the step (and leg) they stopped at.
func respondExecutionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrPresetNotFound):
		respondError(c, http.StatusNotFound, "PRESET_NOT_FOUND", err.Error())
		return
	case errors.Is(err, engine.ErrCredentialNotFound):
		respondError(c, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", err.Error())
		return
	case errors.Is(err, order.ErrInflight), errors.Is(err, order.ErrAlreadyMonitored), errors.Is(err, order.ErrOpenTrade):
		respondError(c, http.StatusConflict, "EXECUTION_CONFLICT", err.Error())
		return
	case errors.Is(err, strategy.ErrInvalidPreset):
		respondError(c, http.StatusBadRequest, "INVALID_PRESET", err.Error())
		return
	}

	var stepErr *order.StepError
	if !errors.As(err, &stepErr) {
		log.Error().Str("component", "api").Err(err).Msg("execution failed")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	body := gin.H{
		"code":  "EXECUTION_FAILED",
		"error": stepErr.Error(),
		"step":  stepErr.Step,
	}
	if stepErr.Leg > 0 {
		body["leg"] = stepErr.Leg
	}
	if n := len(stepErr.RollbackErrors); n > 0 {
		failures := make([]string, 0, n)
		for _, rerr := range stepErr.RollbackErrors {
			failures = append(failures, rerr.Error())
		}
		body["rollback_errors"] = failures
		body["manual_review"] = true
	}
	c.JSON(http.StatusBadGateway, body)
}

func (s *Server) executeNow(c *gin.Context) {
	var req executionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "preset_id and api_id are required")
		return
	}
	log.Info().Str("component", "api").Str("user", CurrentUser(c)).Str("preset", req.PresetID).Str("api", req.APIID).Msg("manual execution")

	res, err := s.Engine.ExecuteNow(c.Request.Context(), req.PresetID, req.APIID)
	if err != nil {
		respondExecutionError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) previewNow(c *gin.Context) {
	var req executionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "preset_id and api_id are required")
		return
	}
	res, err := s.Engine.PreviewNow(c.Request.Context(), req.PresetID, req.APIID)
	if err != nil {
		respondExecutionError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listMonitors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"monitors": s.Engine.ListMonitors()})
}

func (s *Server) monitorDetails(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"monitors": s.Engine.MonitorDetails()})
}

func (s *Server) monitorStatus(c *gin.Context) {
	id := c.Param("id")
	state, ok := s.Engine.MonitorStatus(id)
	if !ok {
		respondError(c, http.StatusNotFound, "MONITOR_NOT_FOUND", "no monitor for "+id)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) stopMonitor(c *gin.Context) {
	id := c.Param("id")
	if !s.Engine.StopMonitor(id) {
		respondError(c, http.StatusNotFound, "MONITOR_NOT_FOUND", "no active monitor for "+id)
		return
	}
	log.Info().Str("component", "api").Str("user", CurrentUser(c)).Str("strategy", id).Msg("monitor stop requested")
	c.JSON(http.StatusOK, gin.H{"strategy_id": id, "stopped": true})
}

func (s *Server) listPresets(c *gin.Context) {
	presets, err := s.Engine.ListPresets(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": presets})
}

func (s *Server) listSchedules(c *gin.Context) {
	schedules, err := s.Engine.ListSchedules(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "limit must be an integer")
		return
	}
	q.normalize()

	trades, err := s.Engine.ListTrades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "limit": q.Limit})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Metrics())
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}
