package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/events"
	"github.com/gin-gonic/gin"
)

const changeRefPrefix = "refs/changes/"

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// handleEventStream streams ref updates of one project, or of all projects, as server-sent
// events. Updates of change refs are only delivered when the caller can see the change.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	caller := callerOf(c)
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, strings.TrimSpace(c.Query("project")))
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			if h.visible(c, caller, event) {
				c.SSEvent(events.EventRefUpdated, event)
			}
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(events.EventHeartbeat, heartbeatPayload{Timestamp: tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) visible(c *gin.Context, caller string, event events.RefUpdated) bool {
	number, ok := changeOfRef(event.RefName)
	if !ok {
		return true
	}
	_, err := h.changes.Get(c.Request.Context(), caller, number)
	return err == nil
}

// changeOfRef extracts the change number of refs/changes/NN/<number>/<suffix>.
func changeOfRef(ref string) (int64, bool) {
	if !strings.HasPrefix(ref, changeRefPrefix) {
		return 0, false
	}
	parts := strings.Split(strings.TrimPrefix(ref, changeRefPrefix), "/")
	if len(parts) != 3 {
		return 0, false
	}
	number, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || number <= 0 {
		return 0, false
	}
	return number, true
}
