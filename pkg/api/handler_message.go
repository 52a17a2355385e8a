package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencouncil/councild/pkg/council"
	"github.com/opencouncil/councild/pkg/models"
	"github.com/opencouncil/councild/pkg/registry"
	"github.com/opencouncil/councild/pkg/store"
)

// SendMessage validates the request, starts a council job, and streams its
// events. Outcome codes: 400 validation, 404 unknown session, 409 already
// processing, 429 at capacity, 503 upstream unconfigured.
func (s *Server) SendMessage(c *gin.Context) {
	userID := currentUser(c)
	sessionID, err := sessionIDParam(c.Param("sessionID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(s.cfg.DefaultMode); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if !s.cfg.Upstream() {
		respondError(c, http.StatusServiceUnavailable, "upstream gateway is not configured")
		return
	}

	if _, err := s.store.GetSession(c.Request.Context(), userID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "session not found")
			return
		}
		respondInternal(c, "failed to load session", err, "user_id", userID, "session_id", sessionID)
		return
	}

	if s.registry.IsProcessing(userID, sessionID) {
		respondError(c, http.StatusConflict, "session is already processing a message")
		return
	}
	if s.registry.AtCapacity() {
		respondError(c, http.StatusTooManyRequests, "processing capacity reached, try again later")
		return
	}

	sub, err := s.registry.StartJob(userID, sessionID, req.Content, req.Mode,
		func(ctx context.Context) <-chan models.Event {
			return s.orch.Process(ctx, council.Input{
				UserID:    userID,
				SessionID: sessionID,
				Content:   req.Content,
				Mode:      req.Mode,
			})
		})
	if errors.Is(err, registry.ErrAtCapacity) {
		respondError(c, http.StatusTooManyRequests, "processing capacity reached, try again later")
		return
	}
	if err != nil {
		respondInternal(c, "failed to start job", err, "user_id", userID, "session_id", sessionID)
		return
	}

	writeSSEHeaders(c)
	s.streamEvents(c, userID, sessionID, sub)
}
