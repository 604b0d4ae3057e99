package activitypub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrapeMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Mention
	}{
		{"none", "no mentions here", nil},
		{"single", "hello @alice@forum.test!", []Mention{{Name: "alice", Domain: "forum.test"}}},
		{"with port", "cc @bob@127.0.0.1:8080, thanks", []Mention{{Name: "bob", Domain: "127.0.0.1:8080"}}},
		{"trailing dot", "ask @bob@Remote.Example.", []Mention{{Name: "bob", Domain: "remote.example"}}},
		{"duplicates", "@bob@b.example and again @bob@B.example", []Mention{{Name: "bob", Domain: "b.example"}}},
		{"several", "@a@x.example @b@y.example", []Mention{{Name: "a", Domain: "x.example"}, {Name: "b", Domain: "y.example"}}},
		{"plain handle", "just @carol here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScrapeMentions(tt.text))
		})
	}
}

func TestMentionIsLocal(t *testing.T) {
	assert.True(t, Mention{Name: "alice", Domain: "Forum.Test"}.IsLocal("forum.test"))
	assert.False(t, Mention{Name: "bob", Domain: "remote.example"}.IsLocal("forum.test"))
}
