package web

import (
	"net/http"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// inbox hands a POST to the federation pipeline. param names the route
// parameter holding the recipient; the shared inbox has none.
func (h *handler) inbox(kind domain.ActorKind, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			h.logger.Info("Inbox: Failed to read body", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
			return
		}

		in := activitypub.InboundRequest{HTTP: c.Request, Body: body}
		if param != "" {
			in.TargetKind = kind
			in.TargetName = c.Param(param)
		}

		result, err := h.receiver.Receive(c.Request.Context(), in)
		status := activitypub.StatusFor(err)
		if err != nil {
			if status >= http.StatusInternalServerError {
				h.logger.Error("Inbox: Failed to process activity", zap.String("path", c.Request.URL.Path), zap.Error(err))
				c.JSON(status, gin.H{"error": "internal error"})
				return
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if result != nil && result.Replay {
			c.Header("X-Activity-Replay", "true")
		}
		c.Status(status)
	}
}
