package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Activity is the durable log entry for a sent or received activity.
// Outgoing records are written once, before delivery, and never mutated.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Create, Update, Delete, Remove, Undo, Like, Dislike, Follow, Accept, Announce, Block
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	AudienceJSON string // resolved inbox list for outgoing activities
	Processed    bool
	Sensitive    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem is one pending delivery of an activity to one inbox.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	ActivityURI  string
	ObjectURI    string // ordering key: deliveries for the same object keep submission order
	ActorURI     string // local actor whose key signs the request
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// Audience describes who an outgoing message is for. All rules may be set at
// once; resolution merges them into one deduplicated inbox list.
type Audience struct {
	Inboxes            []string
	AllInstances       bool
	CommunityFollowers RemoteRef
	PersonFollowers    RemoteRef
	FeedFollowers      RemoteRef
	Exclude            []string
}

// IsEmpty reports whether no delivery rule is set.
func (a Audience) IsEmpty() bool {
	return len(a.Inboxes) == 0 && !a.AllInstances && a.CommunityFollowers.IsEmpty() &&
		a.PersonFollowers.IsEmpty() && a.FeedFollowers.IsEmpty()
}

// OutgoingMessage is a built activity waiting for delivery. It is immutable
// once submitted to the queue.
type OutgoingMessage struct {
	ID        string
	Kind      string
	Actor     RemoteRef
	ObjectRef RemoteRef
	Payload   json.RawMessage
	To        []string
	Cc        []string
	Audience  Audience
	Sensitive bool
}
