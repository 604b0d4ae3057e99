package web

import (
	"net/http"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"
)

const feedPageSize = 50

// BuildCommunityFeed renders the newest visible posts of a community as RSS.
func BuildCommunityFeed(community *domain.CachedActor, posts []domain.CachedObject, now time.Time) (string, error) {
	title := community.DisplayName
	if title == "" {
		title = community.Name
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: community.Ref.String()},
		Description: community.Summary,
		Author:      &feeds.Author{Name: community.Handle()},
		Created:     now,
	}

	var feedItems []*feeds.Item
	for _, post := range posts {
		link := post.URL
		if link == "" {
			link = post.Ref.String()
		}
		item := &feeds.Item{
			Id:      post.Ref.String(),
			Title:   post.Name,
			Link:    &feeds.Link{Href: link},
			Content: post.Content,
			Author:  &feeds.Author{Name: post.AttributedTo.String()},
			Created: post.Published,
		}
		if post.Updated != nil {
			item.Updated = *post.Updated
		}
		feedItems = append(feedItems, item)
	}

	feed.Items = feedItems
	return feed.ToRss()
}

func (h *handler) communityFeed(c *gin.Context) {
	community, ok := h.localActor(c, domain.ActorCommunity, c.Param("name"))
	if !ok {
		return
	}
	if community.Deleted || community.Private {
		h.notFound(c)
		return
	}

	posts, err := h.store.ReadObjectsByCommunity(c.Request.Context(), community.Ref, feedPageSize)
	if err != nil {
		h.logger.Error("RSS: Failed to read posts", zap.String("community", community.Ref.String()), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	rss, err := BuildCommunityFeed(community, posts, time.Now())
	if err != nil {
		h.logger.Error("RSS: Failed to render feed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}
