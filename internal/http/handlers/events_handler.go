// Change-notification stream handler. Exposes the in-process bus over
// Server-Sent Events so a UI can re-query when data changes instead of
// polling.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfish/sellerbot/internal/bus"
)

var streamTopics = map[string]struct{}{
	bus.TopicOrders:        {},
	bus.TopicAccounts:      {},
	bus.TopicConversations: {},
}

// StreamEvents handles GET /events/:topic. Each bus signal becomes one
// SSE event whose data is the topic name; signals are already debounced
// by the bus.
func (h *Handlers) StreamEvents(c *gin.Context) {
	topic := c.Param("topic")
	if _, known := streamTopics[topic]; !known {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown topic")
		return
	}

	id, ch := h.events.Subscribe(topic)
	defer h.events.Unsubscribe(topic, id)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ch:
			c.SSEvent("change", topic)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
