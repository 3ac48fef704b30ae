package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// vcmStatus handles GET /v1/virtuous-cycle/status.
func (s *Server) vcmStatus(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorEnvelope{Error: ErrorBody{Message: "virtuous cycle manager not running", Kind: "internal"}})
		return
	}
	c.JSON(http.StatusOK, s.manager.Status())
}

// vcmTrigger handles POST /v1/virtuous-cycle/trigger: manually requests an
// optimization-cycle evaluation for every currently tracked (model,
// spectrum) pair.
func (s *Server) vcmTrigger(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorEnvelope{Error: ErrorBody{Message: "virtuous cycle manager not running", Kind: "internal"}})
		return
	}

	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorEnvelope{Error: ErrorBody{Message: err.Error(), Kind: "user_error"}})
		return
	}

	accepted, detail := s.manager.Trigger(req.Reason)
	c.JSON(http.StatusOK, TriggerResponse{Accepted: accepted, Detail: detail})
}

// vcmChanges handles GET /v1/virtuous-cycle/changes: the deployed/archived
// prompt-variant history C5 owns.
func (s *Server) vcmChanges(c *gin.Context) {
	if s.variants == nil {
		c.JSON(http.StatusOK, ChangesResponse{Changes: nil})
		return
	}
	c.JSON(http.StatusOK, ChangesResponse{Changes: s.variants.History()})
}
