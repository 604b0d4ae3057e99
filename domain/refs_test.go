package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteRefHost(t *testing.T) {
	tests := []struct {
		name string
		ref  RemoteRef
		want string
	}{
		{name: "plain host", ref: "https://remote.example/u/alice", want: "remote.example"},
		{name: "host with port", ref: "http://127.0.0.1:8541/c/main", want: "127.0.0.1:8541"},
		{name: "mixed case", ref: "https://Remote.Example/u/bob", want: "remote.example"},
		{name: "not a url", ref: "alice@remote.example", want: ""},
		{name: "wrong scheme", ref: "ftp://remote.example/u/alice", want: ""},
		{name: "empty", ref: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ref.Host())
		})
	}
}

func TestRemoteRefWithoutFragment(t *testing.T) {
	ref := RemoteRef("https://remote.example/u/alice#main-key")
	assert.Equal(t, RemoteRef("https://remote.example/u/alice"), ref.WithoutFragment())

	plain := RemoteRef("https://remote.example/u/alice")
	assert.Equal(t, plain, plain.WithoutFragment())
}

func TestLocalRefsAreDeterministic(t *testing.T) {
	assert.Equal(t, RemoteRef("https://forum.example/u/alice"), LocalActorRef("https", "forum.example", ActorPerson, "alice"))
	assert.Equal(t, RemoteRef("https://forum.example/c/main"), LocalActorRef("https", "forum.example", ActorCommunity, "main"))
	assert.Equal(t, RemoteRef("https://forum.example/f/all"), LocalActorRef("https", "forum.example", ActorFeed, "all"))
	assert.Equal(t, RemoteRef("https://forum.example/site"), LocalActorRef("https", "forum.example", ActorSite, "ignored"))

	assert.Equal(t, RemoteRef("https://forum.example/post/1"), LocalObjectRef("https", "forum.example", ObjectPost, "1"))
	assert.Equal(t, RemoteRef("https://forum.example/comment/2"), LocalObjectRef("https", "forum.example", ObjectComment, "2"))
	assert.Equal(t, RemoteRef("https://forum.example/private_message/3"), LocalObjectRef("https", "forum.example", ObjectPrivateMessage, "3"))
}

func TestSharedInboxFor(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8541/inbox", SharedInboxFor("http://127.0.0.1:8541/u/alice"))
	assert.Equal(t, "", SharedInboxFor("not a url"))
}

func TestDeliveryInboxPrefersSharedInbox(t *testing.T) {
	actor := &CachedActor{
		Name:     "bob",
		Domain:   "other.tld",
		InboxURI: "https://other.tld/u/bob/inbox",
	}
	assert.Equal(t, "https://other.tld/u/bob/inbox", actor.DeliveryInbox())

	actor.SharedInboxURI = "https://other.tld/inbox"
	assert.Equal(t, "https://other.tld/inbox", actor.DeliveryInbox())
	assert.Equal(t, "bob@other.tld", actor.Handle())
}

func TestAudienceIsEmpty(t *testing.T) {
	require.True(t, Audience{}.IsEmpty())
	require.True(t, Audience{Exclude: []string{"https://a.example/inbox"}}.IsEmpty())
	require.False(t, Audience{AllInstances: true}.IsEmpty())
	require.False(t, Audience{CommunityFollowers: "https://a.example/c/main"}.IsEmpty())
	require.False(t, Audience{Inboxes: []string{"https://a.example/inbox"}}.IsEmpty())
}

func TestCommentInReplyTo(t *testing.T) {
	comment := CachedObject{Post: "https://a.example/post/1"}
	assert.Equal(t, RemoteRef("https://a.example/post/1"), comment.InReplyTo())

	comment.Parent = "https://a.example/comment/7"
	assert.Equal(t, RemoteRef("https://a.example/comment/7"), comment.InReplyTo())
}

func TestDomainEventNames(t *testing.T) {
	events := []DomainEvent{
		PostCreated{}, CommentCreated{}, VoteCast{}, UserBannedFromCommunity{},
		FollowRequested{}, PrivateMessageCreated{},
	}
	seen := map[string]bool{}
	for _, ev := range events {
		name := ev.EventName()
		assert.NotEmpty(t, name)
		assert.False(t, seen[name], "duplicate event name %s", name)
		seen[name] = true
	}
}
