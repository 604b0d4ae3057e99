package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

// limitedRouter serves GET /ping behind a limiter whose clock the test owns.
func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func pingFrom(router http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":40000"
	router.ServeHTTP(w, req)
	return w
}

func TestVisitorTracksLastSeen(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	first := rl.getLimiter("203.0.113.1")
	now = now.Add(time.Minute)
	assert.Same(t, first, rl.getLimiter("203.0.113.1"))
	assert.NotSame(t, first, rl.getLimiter("203.0.113.2"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.Len(t, rl.visitors, 2)
	assert.Equal(t, now, rl.visitors["203.0.113.1"].lastSeen)
}

func TestEvictIdleLimiters(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("203.0.113.1")
	now = now.Add(limiterIdleTimeout / 2)
	rl.getLimiter("203.0.113.2")
	now = now.Add(limiterIdleTimeout/2 + time.Second)

	assert.Equal(t, 1, rl.evictIdle())
	assert.Zero(t, rl.evictIdle())

	rl.mu.Lock()
	_, idle := rl.visitors["203.0.113.1"]
	_, recent := rl.visitors["203.0.113.2"]
	rl.mu.Unlock()
	assert.False(t, idle)
	assert.True(t, recent)
}

func TestEvictedVisitorStartsWithFullBucket(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(0.001), 2)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	router := limitedRouter(rl)

	assert.Equal(t, http.StatusOK, pingFrom(router, "203.0.113.1").Code)
	assert.Equal(t, http.StatusOK, pingFrom(router, "203.0.113.1").Code)
	limited := pingFrom(router, "203.0.113.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "Rate limit exceeded")

	// another client is unaffected
	assert.Equal(t, http.StatusOK, pingFrom(router, "203.0.113.9").Code)

	now = now.Add(limiterIdleTimeout + time.Second)
	require.Equal(t, 2, rl.evictIdle())
	assert.Equal(t, http.StatusOK, pingFrom(router, "203.0.113.1").Code)
}

func TestInboxLimiterIsStricterThanGlobal(t *testing.T) {
	f := newRouterFixture(t)
	f.actor(t, domain.ActorPerson, "alice")

	limited := 0
	for i := 0; i < 12; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{}`))
		req.RemoteAddr = "198.51.100.7:40000"
		f.router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited, "inbox burst is ten per client")

	// reads from the same client still pass the global limiter
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/u/alice", nil)
	req.RemoteAddr = "198.51.100.7:40000"
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(MaxBytesMiddleware(100))
	router.POST("/inbox", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusAccepted)
	})

	post := func(body io.Reader) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/inbox", body))
		return w
	}

	assert.Equal(t, http.StatusAccepted, post(strings.NewReader(strings.Repeat("x", 100))).Code)

	declared := post(strings.NewReader(strings.Repeat("x", 101)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, declared.Code)
	assert.Contains(t, declared.Body.String(), "Request body too large")

	// without a Content-Length the reader itself stops at the limit
	chunked := post(io.MultiReader(strings.NewReader(strings.Repeat("x", 80)), strings.NewReader(strings.Repeat("x", 80))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, chunked.Code)
}

func TestRequestLoggerLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	router.GET("/status/:code", func(c *gin.Context) {
		switch c.Param("code") {
		case "500":
			c.Status(http.StatusInternalServerError)
		case "404":
			c.Status(http.StatusNotFound)
		default:
			c.Status(http.StatusOK)
		}
	})

	for _, code := range []string{"200", "404", "500"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status/"+code, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "/status/500", entries[2].ContextMap()["path"])
	assert.EqualValues(t, 500, entries[2].ContextMap()["status"])
}
