package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ProcessingStatus reports whether a job is active and how far it has got.
func (s *Server) ProcessingStatus(c *gin.Context) {
	userID := currentUser(c)
	sessionID, err := sessionIDParam(c.Param("sessionID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	c.JSON(http.StatusOK, s.registry.Status(userID, sessionID))
}

// Reconnect replays the accumulated job state and then streams live events.
func (s *Server) Reconnect(c *gin.Context) {
	userID := currentUser(c)
	sessionID, err := sessionIDParam(c.Param("sessionID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	sub, ok := s.registry.Reattach(userID, sessionID)
	if !ok {
		respondError(c, http.StatusNotFound, "no active processing for session")
		return
	}

	writeSSEHeaders(c)
	s.streamEvents(c, userID, sessionID, sub)
}

// AbortProcessing cancels the session's active job.
func (s *Server) AbortProcessing(c *gin.Context) {
	userID := currentUser(c)
	sessionID, err := sessionIDParam(c.Param("sessionID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if !s.registry.Abort(userID, sessionID) {
		respondError(c, http.StatusNotFound, "no active processing for session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}
