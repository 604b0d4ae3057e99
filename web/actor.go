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

// actor serves the ActivityPub document of a local person, community,
// feed or the site actor.
func (h *handler) actor(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := h.localActor(c, kind, c.Param("name"))
		if !ok {
			return
		}
		if actor.Deleted {
			h.renderActivityJSON(c, http.StatusGone, activitypub.TombstoneDoc{
				Context:    activitypub.ActivityStreamsContext,
				Id:         actor.Ref.String(),
				Type:       "Tombstone",
				FormerType: string(actor.Kind),
			})
			return
		}
		h.renderActivityJSON(c, http.StatusOK, activitypub.ActorDocFor(actor))
	}
}

// object serves a local post or comment. Deleted and removed content is
// replaced by a Tombstone.
func (h *handler) object(kind domain.ObjectKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" || strings.ContainsAny(id, "/?#") {
			h.notFound(c)
			return
		}
		ref := domain.LocalObjectRef(h.conf.Conf.Protocol, h.conf.Domain(), kind, id)
		obj, err := h.store.ReadObjectByRef(c.Request.Context(), ref)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && (!obj.Local || obj.Kind != kind)) {
			h.notFound(c)
			return
		}
		if err != nil {
			h.logger.Error("Failed to read object", zap.String("ref", ref.String()), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		if obj.Deleted || obj.Removed {
			h.renderActivityJSON(c, http.StatusGone, activitypub.Tombstone(obj))
			return
		}
		h.renderActivityJSON(c, http.StatusOK, activitypub.ObjectDocFor(obj))
	}
}

// localActor loads a local actor, writing 404 or 500 when it cannot.
func (h *handler) localActor(c *gin.Context, kind domain.ActorKind, name string) (*domain.CachedActor, bool) {
	actor, err := h.store.ReadLocalActor(c.Request.Context(), kind, name)
	if errors.Is(err, domain.ErrNotFound) {
		h.notFound(c)
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to read local actor", zap.String("kind", string(kind)), zap.String("name", name), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return actor, true
}
