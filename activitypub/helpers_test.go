package activitypub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const localDomain = "forum.test"

var (
	keyOnce       sync.Once
	testKey       *rsa.PrivateKey
	testPublicPem string
	testPrivPem   string
)

// loadTestKey generates the one RSA key shared by every test actor.
func loadTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			panic(err)
		}
		testKey = key
		testPublicPem = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))
		testPrivPem = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	})
	return testKey
}

func testConfig() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 9999
	conf.Conf.SslDomain = localDomain
	conf.Conf.Protocol = "http"
	conf.Conf.WithAp = true
	conf.Federation = util.FederationConfig{
		Enabled:                 true,
		AllowPrivateHosts:       true,
		RefreshInterval:         24 * time.Hour,
		RecursionBudget:         10,
		QueueSize:               64,
		Lanes:                   4,
		MaxConcurrentDeliveries: 4,
		RetryInterval:           time.Hour,
		MaxAttempts:             7,
		FetchTimeout:            5 * time.Second,
		DeliveryTimeout:         5 * time.Second,
	}
	return conf
}

func setupStore(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

type recordingNotifier struct {
	mu      sync.Mutex
	applied []Applied
}

func (n *recordingNotifier) OnApplied(_ context.Context, a Applied) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, a)
}

func (n *recordingNotifier) all() []Applied {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Applied(nil), n.applied...)
}

type testEnv struct {
	conf     *util.AppConfig
	store    *db.DB
	fed      *Federation
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, mutate func(conf *util.AppConfig)) *testEnv {
	t.Helper()
	loadTestKey(t)
	conf := testConfig()
	if mutate != nil {
		mutate(conf)
	}
	store := setupStore(t)
	notifier := &recordingNotifier{}
	fed, err := New(conf, store, notifier, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &testEnv{conf: conf, store: store, fed: fed, notifier: notifier}
}

// localActor stores a local actor signed with the shared test key.
func (e *testEnv) localActor(t *testing.T, kind domain.ActorKind, name string, private bool) *domain.CachedActor {
	t.Helper()
	ref := domain.LocalActorRef("http", localDomain, kind, name)
	actor, err := e.store.UpsertActor(context.Background(), &domain.CachedActor{
		Kind:           kind,
		Ref:            ref,
		Name:           name,
		Domain:         localDomain,
		PublicKeyPem:   testPublicPem,
		PrivateKeyPem:  testPrivPem,
		InboxURI:       ref.String() + "/inbox",
		SharedInboxURI: "http://" + localDomain + "/inbox",
		FollowersURI:   ref.String() + "/followers",
		Local:          true,
		Private:        private,
	})
	require.NoError(t, err)
	return actor
}

// queued drains every message submitted to the (unstarted) queue so far.
func (e *testEnv) queued() []domain.OutgoingMessage {
	var msgs []domain.OutgoingMessage
	for {
		select {
		case msg := <-e.fed.Queue.in:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

type served struct {
	status      int
	contentType string
	body        []byte
}

// fakeInstance is a remote server holding ActivityPub documents and
// recording what is posted to its inboxes.
type fakeInstance struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	docs        map[string]served
	gets        map[string]int
	posts       []*http.Request
	postBodies  [][]byte
	inboxStatus int
}

func newFakeInstance(t *testing.T) *fakeInstance {
	t.Helper()
	loadTestKey(t)
	f := &fakeInstance{
		t:           t,
		docs:        make(map[string]served),
		gets:        make(map[string]int),
		inboxStatus: http.StatusAccepted,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeInstance) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		f.posts = append(f.posts, r)
		f.postBodies = append(f.postBodies, body)
		w.WriteHeader(f.inboxStatus)
		return
	}
	f.gets[r.URL.Path]++
	doc, ok := f.docs[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", doc.contentType)
	w.WriteHeader(doc.status)
	w.Write(doc.body)
}

func (f *fakeInstance) url(path string) string {
	return f.srv.URL + path
}

func (f *fakeInstance) ref(path string) domain.RemoteRef {
	return domain.RemoteRef(f.url(path))
}

func (f *fakeInstance) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeInstance) serve(path string, doc any) {
	body, err := json.Marshal(doc)
	require.NoError(f.t, err)
	f.serveRaw(path, http.StatusOK, ContentType, body)
}

func (f *fakeInstance) serveRaw(path string, status int, contentType string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[path] = served{status: status, contentType: contentType, body: body}
}

func (f *fakeInstance) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, path)
}

// fetches counts GET requests, for all paths or the given ones.
func (f *fakeInstance) fetches(paths ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if len(paths) == 0 {
		for _, c := range f.gets {
			n += c
		}
		return n
	}
	for _, p := range paths {
		n += f.gets[p]
	}
	return n
}

func (f *fakeInstance) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.postBodies...)
}

func (f *fakeInstance) actorDoc(kind, path, name string) ActorDoc {
	id := f.url(path)
	return ActorDoc{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		Id:                id,
		Type:              kind,
		PreferredUsername: name,
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
		Followers:         id + "/followers",
		Endpoints:         &EndpointsDoc{SharedInbox: f.url("/inbox")},
		PublicKey: PublicKeyDoc{
			Id:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: testPublicPem,
		},
	}
}

func (f *fakeInstance) addPerson(name string) domain.RemoteRef {
	path := "/u/" + name
	f.serve(path, f.actorDoc("Person", path, name))
	f.serve("/.well-known/webfinger", WebfingerDoc{
		Subject: "acct:" + name + "@" + f.host(),
		Links:   []WebfingerLink{{Rel: "self", Type: ContentType, Href: f.url(path)}},
	})
	return f.ref(path)
}

func (f *fakeInstance) addCommunity(name string, moderators ...domain.RemoteRef) domain.RemoteRef {
	path := "/c/" + name
	doc := f.actorDoc("Group", path, name)
	doc.Moderators = f.url(path + "/moderators")
	f.serve(path, doc)

	items := make([]json.RawMessage, 0, len(moderators))
	for _, m := range moderators {
		raw, _ := json.Marshal(m.String())
		items = append(items, raw)
	}
	f.serve(path+"/moderators", CollectionDoc{
		Id:           doc.Moderators,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
	return f.ref(path)
}

func (f *fakeInstance) addPost(id string, author, community domain.RemoteRef) domain.RemoteRef {
	path := "/post/" + id
	f.serve(path, ObjectDoc{
		Id:           f.url(path),
		Type:         "Page",
		AttributedTo: author.String(),
		To:           StringList{community.String(), domain.PublicAddress},
		Audience:     community.String(),
		Name:         "post " + id,
		Content:      "content of " + id,
	})
	return f.ref(path)
}

func (f *fakeInstance) addComment(id string, author, inReplyTo domain.RemoteRef) domain.RemoteRef {
	path := "/comment/" + id
	f.serve(path, ObjectDoc{
		Id:           f.url(path),
		Type:         "Note",
		AttributedTo: author.String(),
		To:           StringList{domain.PublicAddress},
		InReplyTo:    inReplyTo.String(),
		Content:      "comment " + id,
	})
	return f.ref(path)
}

// activityJSON marshals an activity with an embedded or referenced object.
func activityJSON(t *testing.T, id, kind string, actor domain.RemoteRef, object any) []byte {
	t.Helper()
	raw, ok := object.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(object)
		require.NoError(t, err)
	}
	body, err := json.Marshal(ActivityDoc{
		Context: ActivityStreamsContext,
		Id:      id,
		Type:    kind,
		Actor:   actor.String(),
		Object:  raw,
		To:      StringList{domain.PublicAddress},
	})
	require.NoError(t, err)
	return body
}

// signedInboxRequest builds a POST to a local inbox signed by keyOwner.
func signedInboxRequest(t *testing.T, path string, body []byte, keyOwner domain.RemoteRef) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://"+localDomain+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", ContentType)
	require.NoError(t, SignRequest(req, loadTestKey(t), KeyId(keyOwner), body))
	return req
}

func inbound(t *testing.T, path string, body []byte, keyOwner domain.RemoteRef) InboundRequest {
	t.Helper()
	in := InboundRequest{HTTP: signedInboxRequest(t, path, body, keyOwner), Body: body}
	switch {
	case strings.HasPrefix(path, "/u/"):
		in.TargetKind = domain.ActorPerson
		in.TargetName = strings.TrimSuffix(strings.TrimPrefix(path, "/u/"), "/inbox")
	case strings.HasPrefix(path, "/c/"):
		in.TargetKind = domain.ActorCommunity
		in.TargetName = strings.TrimSuffix(strings.TrimPrefix(path, "/c/"), "/inbox")
	}
	return in
}
