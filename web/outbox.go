package web

import (
	"encoding/json"
	"net/http"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// outboxPageSize is how many recent posts a community outbox lists.
const outboxPageSize = 20

func orderedCollection(id string, items []json.RawMessage, total int) activitypub.CollectionDoc {
	if items == nil {
		items = []json.RawMessage{}
	}
	return activitypub.CollectionDoc{
		Context:      activitypub.ActivityStreamsContext,
		Id:           id,
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: items,
	}
}

// communityOutbox lists the newest posts as Announce{Create{Page}}, the
// form peers prefetch when they first see the community.
func (h *handler) communityOutbox(c *gin.Context) {
	community, ok := h.localActor(c, domain.ActorCommunity, c.Param("name"))
	if !ok {
		return
	}
	posts, err := h.store.ReadObjectsByCommunity(c.Request.Context(), community.Ref, outboxPageSize)
	if err != nil {
		h.logger.Error("Outbox: Failed to read posts", zap.String("community", community.Ref.String()), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	items := make([]json.RawMessage, 0, len(posts))
	for i := range posts {
		item, err := announcedCreate(community.Ref, &posts[i])
		if err != nil {
			h.logger.Warn("Outbox: Skipping post", zap.String("post", posts[i].Ref.String()), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	h.renderActivityJSON(c, http.StatusOK, orderedCollection(community.OutboxURI, items, len(items)))
}

func announcedCreate(community domain.RemoteRef, post *domain.CachedObject) (json.RawMessage, error) {
	page, err := json.Marshal(activitypub.ObjectDocFor(post))
	if err != nil {
		return nil, err
	}
	create, err := json.Marshal(activitypub.ActivityDoc{
		Id:     post.Ref.String() + "#create",
		Type:   "Create",
		Actor:  post.AttributedTo.String(),
		Object: page,
		To:     activitypub.StringList{community.String(), domain.PublicAddress},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(activitypub.ActivityDoc{
		Id:     post.Ref.String() + "#announce",
		Type:   "Announce",
		Actor:  community.String(),
		Object: create,
		To:     activitypub.StringList{domain.PublicAddress},
		Cc:     activitypub.StringList{community.String() + "/followers"},
	})
}

// emptyOutbox serves an empty collection for actors whose activities are
// not listed.
func (h *handler) emptyOutbox(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := h.localActor(c, kind, c.Param("name"))
		if !ok {
			return
		}
		h.renderActivityJSON(c, http.StatusOK, orderedCollection(actor.OutboxURI, nil, 0))
	}
}

// communityFollowers only exposes the follower count.
func (h *handler) communityFollowers(c *gin.Context) {
	community, ok := h.localActor(c, domain.ActorCommunity, c.Param("name"))
	if !ok {
		return
	}
	inboxes, err := h.store.ReadFollowerInboxes(c.Request.Context(), community.Ref)
	if err != nil {
		h.logger.Error("Failed to read followers", zap.String("community", community.Ref.String()), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	h.renderActivityJSON(c, http.StatusOK, orderedCollection(community.FollowersURI, nil, len(inboxes)))
}

func (h *handler) communityModerators(c *gin.Context) {
	community, ok := h.localActor(c, domain.ActorCommunity, c.Param("name"))
	if !ok {
		return
	}
	mods, err := h.store.ReadModerators(c.Request.Context(), community.Ref)
	if err != nil {
		h.logger.Error("Failed to read moderators", zap.String("community", community.Ref.String()), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	items := make([]json.RawMessage, 0, len(mods))
	for _, mod := range mods {
		raw, _ := json.Marshal(mod.String())
		items = append(items, raw)
	}
	h.renderActivityJSON(c, http.StatusOK, orderedCollection(community.Ref.String()+"/moderators", items, len(items)))
}
