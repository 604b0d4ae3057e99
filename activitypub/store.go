package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

// The federation engine talks to storage only through these interfaces.
// *db.DB implements all of them.

type ActorStore interface {
	UpsertActor(ctx context.Context, actor *domain.CachedActor) (*domain.CachedActor, error)
	ReadActorByRef(ctx context.Context, ref domain.RemoteRef) (*domain.CachedActor, error)
	ReadLocalActor(ctx context.Context, kind domain.ActorKind, name string) (*domain.CachedActor, error)
	SetActorBanned(ctx context.Context, ref domain.RemoteRef, banned bool) error
	SetActorDeleted(ctx context.Context, ref domain.RemoteRef, deleted bool) error
}

type ObjectStore interface {
	UpsertObject(ctx context.Context, obj *domain.CachedObject) (*domain.CachedObject, error)
	ReadObjectByRef(ctx context.Context, ref domain.RemoteRef) (*domain.CachedObject, error)
	ReadObjectsByCommunity(ctx context.Context, community domain.RemoteRef, limit int) ([]domain.CachedObject, error)
	SetObjectDeleted(ctx context.Context, ref domain.RemoteRef, deleted bool) error
	SetObjectRemoved(ctx context.Context, ref domain.RemoteRef, removed bool) error
}

type ModerationStore interface {
	ReplaceModerators(ctx context.Context, community domain.RemoteRef, moderators []domain.RemoteRef) error
	AddModerator(ctx context.Context, community, moderator domain.RemoteRef) error
	RemoveModerator(ctx context.Context, community, moderator domain.RemoteRef) error
	ReadModerators(ctx context.Context, community domain.RemoteRef) ([]domain.RemoteRef, error)
	IsModerator(ctx context.Context, community, actor domain.RemoteRef) (bool, error)
	SetCommunityBan(ctx context.Context, community, actor domain.RemoteRef, banned bool) error
	IsBannedFromCommunity(ctx context.Context, community, actor domain.RemoteRef) (bool, error)
}

type FollowStore interface {
	UpsertFollow(ctx context.Context, f *domain.Follow) error
	ReadFollow(ctx context.Context, follower, target domain.RemoteRef) (*domain.Follow, error)
	ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	AcceptFollow(ctx context.Context, follower, target domain.RemoteRef) error
	DeleteFollow(ctx context.Context, follower, target domain.RemoteRef) error
	IsFollowing(ctx context.Context, follower, target domain.RemoteRef) (bool, error)
	ReadFollowerInboxes(ctx context.Context, target domain.RemoteRef) ([]domain.InboxPair, error)
	ReadInstanceInboxes(ctx context.Context) ([]domain.InboxPair, error)
}

type VoteStore interface {
	UpsertVote(ctx context.Context, v *domain.Vote) error
	ReadVote(ctx context.Context, actor, object domain.RemoteRef) (*domain.Vote, error)
	DeleteVote(ctx context.Context, actor, object domain.RemoteRef) error
}

type ActivityStore interface {
	CreateActivity(ctx context.Context, a *domain.Activity) (bool, error)
	ActivityExists(ctx context.Context, uri string) (bool, error)
}

type DeliveryStore interface {
	EnqueueOutgoing(ctx context.Context, a *domain.Activity, items []domain.DeliveryQueueItem) error
	HasEarlierPendingDelivery(ctx context.Context, item *domain.DeliveryQueueItem) (bool, error)
	ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
}

// Store is everything the engine needs.
type Store interface {
	ActorStore
	ObjectStore
	ModerationStore
	FollowStore
	VoteStore
	ActivityStore
	DeliveryStore
}
