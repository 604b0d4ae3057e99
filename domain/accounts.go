package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActorKind distinguishes the federated actor types.
type ActorKind string

const (
	ActorPerson    ActorKind = "Person"
	ActorCommunity ActorKind = "Group"
	ActorSite      ActorKind = "Application"
	ActorFeed      ActorKind = "Feed"
)

// CachedActor is the local row for a person, community, site or feed actor.
// PrivateKeyPem is only set for actors owned by this instance.
type CachedActor struct {
	Id              uuid.UUID
	Kind            ActorKind
	Ref             RemoteRef
	Name            string
	Domain          string
	DisplayName     string
	Summary         string
	PublicKeyPem    string
	PrivateKeyPem   string
	InboxURI        string
	SharedInboxURI  string
	FollowersURI    string
	OutboxURI       string
	Local           bool
	Private         bool // community only: posts need an accepted follow
	Banned          bool // banned from this instance
	Deleted         bool
	LastRefreshedAt time.Time
	CreatedAt       time.Time
}

// DeliveryInbox is where messages for this actor should be sent, preferring
// the shared inbox so one request reaches the whole instance.
func (a *CachedActor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// Handle returns the fediverse handle, e.g. "alice@forum.example".
func (a *CachedActor) Handle() string {
	return fmt.Sprintf("%s@%s", a.Name, a.Domain)
}

func (a *CachedActor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tKind: %s \n\tRef: %s \n\tLocal: %t \n\tLastRefreshedAt: %s", a.Id, a.Kind, a.Ref, a.Local, a.LastRefreshedAt)
}

// Follow represents a follow relationship between two refs, local or remote.
type Follow struct {
	Id        uuid.UUID
	Follower  RemoteRef
	Target    RemoteRef
	URI       string // Follow activity URI
	Accepted  bool
	CreatedAt time.Time
}

// InboxPair is an actor's inbox together with its optional shared inbox.
type InboxPair struct {
	Inbox       string
	SharedInbox string
}
