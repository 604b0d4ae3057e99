package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// webfinger answers acct:name@domain lookups for local people and
// communities. People win when both share a name.
func (h *handler) webfinger(c *gin.Context) {
	name, host, err := activitypub.ParseAcct(c.Query("resource"))
	if err != nil || !strings.EqualFold(host, h.conf.Domain()) {
		h.webfingerNotFound(c)
		return
	}

	for _, kind := range []domain.ActorKind{domain.ActorPerson, domain.ActorCommunity} {
		actor, err := h.store.ReadLocalActor(c.Request.Context(), kind, name)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && actor.Deleted) {
			continue
		}
		if err != nil {
			h.logger.Error("Webfinger: Failed to read actor", zap.String("name", name), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Header("Content-Type", activitypub.JRDContentType+"; charset=utf-8")
		c.JSON(http.StatusOK, activitypub.WebfingerFor(actor))
		return
	}
	h.webfingerNotFound(c)
}

func (h *handler) webfingerNotFound(c *gin.Context) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	h.notFound(c)
}
