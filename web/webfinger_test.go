package web

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebfinger(t *testing.T) {
	f := newRouterFixture(t)
	f.actor(t, domain.ActorPerson, "alice")
	f.actor(t, domain.ActorCommunity, "main")
	bob := f.actor(t, domain.ActorPerson, "bob")
	require.NoError(t, f.store.SetActorDeleted(context.Background(), bob.Ref, true))

	tests := []struct {
		name     string
		resource string
		wantCode int
		wantHref string
	}{
		{"person", "acct:alice@forum.test", http.StatusOK, "https://forum.test/u/alice"},
		{"community", "acct:main@forum.test", http.StatusOK, "https://forum.test/c/main"},
		{"no acct prefix", "alice@forum.test", http.StatusOK, "https://forum.test/u/alice"},
		{"host is case insensitive", "acct:alice@FORUM.test", http.StatusOK, "https://forum.test/u/alice"},
		{"other host", "acct:alice@remote.example", http.StatusNotFound, ""},
		{"unknown", "acct:nobody@forum.test", http.StatusNotFound, ""},
		{"deleted", "acct:bob@forum.test", http.StatusNotFound, ""},
		{"missing", "", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, "/.well-known/webfinger?resource="+url.QueryEscape(tt.resource))
			require.Equal(t, tt.wantCode, w.Code)

			doc := decodeJSON(t, w)
			if tt.wantCode != http.StatusOK {
				assert.Equal(t, "Not Found", doc["detail"])
				return
			}
			assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.JRDContentType))
			links := doc["links"].([]any)
			require.Len(t, links, 1)
			link := links[0].(map[string]any)
			assert.Equal(t, "self", link["rel"])
			assert.Equal(t, activitypub.ContentType, link["type"])
			assert.Equal(t, tt.wantHref, link["href"])
		})
	}
}
