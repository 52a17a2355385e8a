package api

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/opencouncil/councild/pkg/models"
	"github.com/opencouncil/councild/pkg/registry"
)

// writeSSEHeaders flushes the event-stream headers, including the hint that
// disables buffering in fronting proxies.
func writeSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

// writeSSEEvent writes one event frame: `data: <json>` plus a blank line.
func writeSSEEvent(c *gin.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// streamEvents pumps subscriber events to the client until the job ends or
// the client disconnects. Disconnection hands the subscriber back to the
// registry, which applies the grace-period policy.
func (s *Server) streamEvents(c *gin.Context, userID, sessionID string, sub *registry.Subscriber) {
	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(c, ev); err != nil {
				s.registry.RemoveClient(userID, sessionID, sub)
				return
			}
		case <-clientGone:
			s.registry.RemoveClient(userID, sessionID, sub)
			return
		}
	}
}
