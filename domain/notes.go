package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ObjectKind distinguishes the federated content types.
type ObjectKind string

const (
	ObjectPost           ObjectKind = "Page"
	ObjectComment        ObjectKind = "Note"
	ObjectPrivateMessage ObjectKind = "ChatMessage"
)

// CachedObject is a post, comment or private message, local or remote.
type CachedObject struct {
	Id           uuid.UUID
	Kind         ObjectKind
	Ref          RemoteRef
	AttributedTo RemoteRef
	Community    RemoteRef // posts, and comments through their post
	Post         RemoteRef // comments
	Parent       RemoteRef // comments replying to a comment
	Recipient    RemoteRef // private messages
	Name         string
	Content      string
	URL          string
	Sensitive    bool
	Locked       bool // posts closed to new comments
	Stickied     bool
	Local        bool
	Deleted      bool
	Removed      bool
	Published    time.Time
	Updated      *time.Time
}

// InReplyTo is the parent comment if set, otherwise the post.
func (o *CachedObject) InReplyTo() RemoteRef {
	if !o.Parent.IsEmpty() {
		return o.Parent
	}
	return o.Post
}

func (o *CachedObject) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tKind: %s \n\tRef: %s \n\tAttributedTo: %s \n\tLocked: %t \n\tDeleted: %t \n\tRemoved: %t", o.Id, o.Kind, o.Ref, o.AttributedTo, o.Locked, o.Deleted, o.Removed)
}

// Vote is a like (+1) or dislike (-1) of a post or comment.
type Vote struct {
	Id        uuid.UUID
	Actor     RemoteRef
	Object    RemoteRef
	Score     int
	URI       string
	CreatedAt time.Time
}
