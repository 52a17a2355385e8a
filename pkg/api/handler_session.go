package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opencouncil/councild/pkg/models"
	"github.com/opencouncil/councild/pkg/store"
)

// CreateSession creates an empty session, refusing once the per-user limit
// is reached.
func (s *Server) CreateSession(c *gin.Context) {
	userID := currentUser(c)

	count, err := s.store.CountSessions(c.Request.Context(), userID)
	if err != nil {
		respondInternal(c, "failed to count sessions", err, "user_id", userID)
		return
	}
	if count >= s.cfg.MaxSessionsPerUser {
		respondError(c, http.StatusForbidden, "session limit reached")
		return
	}

	now := time.Now().UTC()
	sess := &models.CouncilSession{
		UserID:    userID,
		SessionID: uuid.NewString(),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(c.Request.Context(), sess); err != nil {
		respondInternal(c, "failed to create session", err, "user_id", userID)
		return
	}

	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID: sess.SessionID,
		Title:     sess.Title,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) ListSessions(c *gin.Context) {
	userID := currentUser(c)

	summaries, err := s.store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		respondInternal(c, "failed to list sessions", err, "user_id", userID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

func (s *Server) GetSession(c *gin.Context) {
	userID := currentUser(c)
	sessionID, err := sessionIDParam(c.Param("sessionID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.store.GetSession(c.Request.Context(), userID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		respondInternal(c, "failed to load session", err, "user_id", userID, "session_id", sessionID)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) DeleteSession(c *gin.Context) {
	userID := currentUser(c)
	sessionID, err := sessionIDParam(c.Param("sessionID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	// An in-flight job for the session dies with it.
	s.registry.Abort(userID, sessionID)

	err = s.store.DeleteSession(c.Request.Context(), userID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		respondInternal(c, "failed to delete session", err, "user_id", userID, "session_id", sessionID)
		return
	}
	c.Status(http.StatusNoContent)
}
