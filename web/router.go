package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Max 1MB request body size for ActivityPub activities
const maxInboxBody = 1 * 1024 * 1024

// Store is the read side of the database the HTTP surface needs.
type Store interface {
	ReadLocalActor(ctx context.Context, kind domain.ActorKind, name string) (*domain.CachedActor, error)
	ReadObjectByRef(ctx context.Context, ref domain.RemoteRef) (*domain.CachedObject, error)
	ReadObjectsByCommunity(ctx context.Context, community domain.RemoteRef, limit int) ([]domain.CachedObject, error)
	ReadFollowerInboxes(ctx context.Context, target domain.RemoteRef) ([]domain.InboxPair, error)
	ReadModerators(ctx context.Context, community domain.RemoteRef) ([]domain.RemoteRef, error)
}

// Receiver takes a raw inbox POST through the federation pipeline.
type Receiver interface {
	Receive(ctx context.Context, in activitypub.InboundRequest) (*activitypub.Result, error)
}

type handler struct {
	conf     *util.AppConfig
	store    Store
	receiver Receiver
	logger   *zap.Logger
}

// NewRouter builds the gin engine serving the federation endpoints.
func NewRouter(conf *util.AppConfig, store Store, receiver Receiver, logger *zap.Logger) *gin.Engine {
	h := &handler{conf: conf, store: store, receiver: receiver, logger: logger}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/.well-known/webfinger", h.webfinger)
	g.GET("/c/:name/feed.rss", h.communityFeed)

	if !conf.Conf.WithAp {
		return g
	}

	// Stricter rate limit for inboxes: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxInboxBody)

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, h.inbox("", ""))
	g.POST("/u/:name/inbox", RateLimitMiddleware(apLimiter), maxBodySize, h.inbox(domain.ActorPerson, "name"))
	g.POST("/c/:name/inbox", RateLimitMiddleware(apLimiter), maxBodySize, h.inbox(domain.ActorCommunity, "name"))

	g.GET("/site", h.actor(domain.ActorSite))
	g.GET("/u/:name", h.actor(domain.ActorPerson))
	g.GET("/c/:name", h.actor(domain.ActorCommunity))
	g.GET("/f/:name", h.actor(domain.ActorFeed))
	g.GET("/u/:name/outbox", h.emptyOutbox(domain.ActorPerson))
	g.GET("/c/:name/outbox", h.communityOutbox)
	g.GET("/c/:name/followers", h.communityFollowers)
	g.GET("/c/:name/moderators", h.communityModerators)
	g.GET("/post/:id", h.object(domain.ObjectPost))
	g.GET("/comment/:id", h.object(domain.ObjectComment))

	return g
}

// Serve runs the router until ctx is cancelled, then shuts the listener
// down gracefully.
func Serve(ctx context.Context, conf *util.AppConfig, router http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr), zap.String("domain", conf.Domain()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (h *handler) renderActivityJSON(c *gin.Context, status int, doc any) {
	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(status, doc)
}

func (h *handler) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}
