package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeReceiver struct {
	err error
	got []activitypub.InboundRequest
}

func (r *fakeReceiver) Receive(_ context.Context, in activitypub.InboundRequest) (*activitypub.Result, error) {
	r.got = append(r.got, in)
	return &activitypub.Result{}, r.err
}

type routerFixture struct {
	conf   *util.AppConfig
	store  *db.DB
	fed    *activitypub.Federation
	router *gin.Engine
}

func testConfig() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 9999
	conf.Conf.SslDomain = "forum.test"
	conf.Conf.Protocol = "https"
	conf.Conf.WithAp = true
	conf.Federation.Enabled = true
	conf.Federation.RefreshInterval = 24 * time.Hour
	conf.Federation.RecursionBudget = 10
	conf.Federation.QueueSize = 16
	conf.Federation.Lanes = 2
	conf.Federation.MaxConcurrentDeliveries = 2
	conf.Federation.RetryInterval = time.Hour
	conf.Federation.MaxAttempts = 3
	conf.Federation.FetchTimeout = time.Second
	conf.Federation.DeliveryTimeout = time.Second
	return conf
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conf := testConfig()
	store, err := db.Open(filepath.Join(t.TempDir(), "web.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fed, err := activitypub.New(conf, store, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	return &routerFixture{
		conf:   conf,
		store:  store,
		fed:    fed,
		router: NewRouter(conf, store, fed, zaptest.NewLogger(t)),
	}
}

func (f *routerFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(w, req)
	return w
}

func (f *routerFixture) actor(t *testing.T, kind domain.ActorKind, name string) *domain.CachedActor {
	t.Helper()
	actor, err := f.fed.EnsureLocalActor(context.Background(), kind, name, strings.ToUpper(name))
	require.NoError(t, err)
	return actor
}

func (f *routerFixture) post(t *testing.T, id string, author, community *domain.CachedActor) *domain.CachedObject {
	t.Helper()
	obj, err := f.store.UpsertObject(context.Background(), &domain.CachedObject{
		Kind:         domain.ObjectPost,
		Ref:          domain.LocalObjectRef("https", "forum.test", domain.ObjectPost, id),
		AttributedTo: author.Ref,
		Community:    community.Ref,
		Name:         "Post " + id,
		Content:      "<p>body of " + id + "</p>",
		Local:        true,
		Published:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	return obj
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc), w.Body.String())
	return doc
}

func TestActorEndpoints(t *testing.T) {
	f := newRouterFixture(t)
	f.actor(t, domain.ActorPerson, "alice")
	f.actor(t, domain.ActorCommunity, "main")
	f.actor(t, domain.ActorSite, "")

	tests := []struct {
		path     string
		wantType string
		wantId   string
	}{
		{"/u/alice", "Person", "https://forum.test/u/alice"},
		{"/c/main", "Group", "https://forum.test/c/main"},
		{"/site", "Application", "https://forum.test/site"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := f.get(t, tt.path)
			require.Equal(t, http.StatusOK, w.Code)
			assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.ContentType))

			doc := decodeJSON(t, w)
			assert.Equal(t, tt.wantType, doc["type"])
			assert.Equal(t, tt.wantId, doc["id"])
			key := doc["publicKey"].(map[string]any)
			assert.Equal(t, tt.wantId+"#main-key", key["id"])
			assert.Contains(t, key["publicKeyPem"], "PUBLIC KEY")
		})
	}

	assert.Equal(t, http.StatusNotFound, f.get(t, "/u/nobody").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/c/alice").Code)
}

func TestDeletedActorIsTombstone(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.actor(t, domain.ActorPerson, "alice")
	require.NoError(t, f.store.SetActorDeleted(context.Background(), alice.Ref, true))

	w := f.get(t, "/u/alice")
	require.Equal(t, http.StatusGone, w.Code)
	doc := decodeJSON(t, w)
	assert.Equal(t, "Tombstone", doc["type"])
	assert.Equal(t, "Person", doc["formerType"])
}

func TestObjectEndpoints(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.actor(t, domain.ActorPerson, "alice")
	community := f.actor(t, domain.ActorCommunity, "main")
	post := f.post(t, "1", alice, community)

	w := f.get(t, "/post/1")
	require.Equal(t, http.StatusOK, w.Code)
	doc := decodeJSON(t, w)
	assert.Equal(t, "Page", doc["type"])
	assert.Equal(t, post.Ref.String(), doc["id"])
	assert.Equal(t, alice.Ref.String(), doc["attributedTo"])

	// a post is not served under the comment path
	assert.Equal(t, http.StatusNotFound, f.get(t, "/comment/1").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/post/2").Code)

	require.NoError(t, f.store.SetObjectRemoved(context.Background(), post.Ref, true))
	w = f.get(t, "/post/1")
	require.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "Tombstone", decodeJSON(t, w)["type"])
}

func TestRemoteObjectsAreNotServed(t *testing.T) {
	f := newRouterFixture(t)
	_, err := f.store.UpsertObject(context.Background(), &domain.CachedObject{
		Kind:         domain.ObjectPost,
		Ref:          "https://forum.test/post/9",
		AttributedTo: "https://remote.example/u/bob",
		Community:    "https://remote.example/c/news",
		Name:         "not ours",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/post/9").Code)
}

func TestInboxStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"applied", nil, http.StatusAccepted},
		{"malformed", activitypub.ErrMalformed, http.StatusBadRequest},
		{"signature", activitypub.ErrInvalidSignature, http.StatusUnauthorized},
		{"forbidden", &activitypub.Rejection{Reason: activitypub.ReasonBlockedInstance}, http.StatusForbidden},
		{"domain mismatch", activitypub.ErrDomainMismatch, http.StatusForbidden},
		{"unknown recipient", activitypub.ErrUnknownRecipient, http.StatusNotFound},
		{"storage", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receiver := &fakeReceiver{err: tt.err}
			router := NewRouter(testConfig(), nil, receiver, zap.NewNop())

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/c/main/inbox", strings.NewReader(`{"id":"x"}`))
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			require.Len(t, receiver.got, 1)
			assert.Equal(t, domain.ActorCommunity, receiver.got[0].TargetKind)
			assert.Equal(t, "main", receiver.got[0].TargetName)
			assert.Equal(t, `{"id":"x"}`, string(receiver.got[0].Body))
		})
	}
}

func TestSharedInboxHasNoTarget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	receiver := &fakeReceiver{}
	router := NewRouter(testConfig(), nil, receiver, zap.NewNop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, receiver.got, 1)
	assert.Empty(t, receiver.got[0].TargetName)
}

func TestInboxRejectsOversizedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	receiver := &fakeReceiver{}
	router := NewRouter(testConfig(), nil, receiver, zap.NewNop())

	w := httptest.NewRecorder()
	body := strings.Repeat("x", maxInboxBody+1)
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, receiver.got)
}

func TestInboxThroughPipeline(t *testing.T) {
	f := newRouterFixture(t)
	f.actor(t, domain.ActorCommunity, "main")

	activity := `{"id":"https://remote.example/activities/1","type":"Follow","actor":"https://remote.example/u/bob","object":"https://forum.test/c/main"}`
	post := func(path, body string) int {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return w.Code
	}

	assert.Equal(t, http.StatusBadRequest, post("/inbox", "not json"))
	assert.Equal(t, http.StatusNotFound, post("/c/nothing/inbox", activity))
	assert.Equal(t, http.StatusUnauthorized, post("/c/main/inbox", activity))
}

func TestActivityPubRoutesNeedWithAp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conf := testConfig()
	conf.Conf.WithAp = false
	router := NewRouter(conf, nil, &fakeReceiver{}, zap.NewNop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
