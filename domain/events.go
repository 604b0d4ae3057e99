package domain

// DomainEvent is something that happened locally and may need federating.
// The set of events is closed: only types in this package implement it.
type DomainEvent interface {
	EventName() string
	isDomainEvent()
}

type PostCreated struct{ Post CachedObject }
type PostUpdated struct{ Post CachedObject }
type PostDeleted struct{ Post CachedObject }
type PostRestored struct{ Post CachedObject }

type PostRemoved struct {
	Post      CachedObject
	Moderator RemoteRef
}

type PostUnremoved struct {
	Post      CachedObject
	Moderator RemoteRef
}

// CommentCreated carries the community and the author of the post or
// comment being replied to, so no extra lookups are needed for addressing.
type CommentCreated struct {
	Comment      CachedObject
	Community    RemoteRef
	ParentAuthor RemoteRef
}

type CommentUpdated struct {
	Comment      CachedObject
	Community    RemoteRef
	ParentAuthor RemoteRef
}

type CommentDeleted struct {
	Comment   CachedObject
	Community RemoteRef
}

type CommentRestored struct {
	Comment   CachedObject
	Community RemoteRef
}

type CommentRemoved struct {
	Comment   CachedObject
	Community RemoteRef
	Moderator RemoteRef
}

type CommentUnremoved struct {
	Comment   CachedObject
	Community RemoteRef
	Moderator RemoteRef
}

// VoteCast is a like (Score 1) or dislike (Score -1).
type VoteCast struct {
	Voter     RemoteRef
	Object    RemoteRef
	Community RemoteRef
	Score     int
}

type VoteUndone struct {
	Voter     RemoteRef
	Object    RemoteRef
	Community RemoteRef
	Score     int
}

type UserBannedFromCommunity struct {
	Moderator RemoteRef
	Community RemoteRef
	Target    RemoteRef
}

type UserUnbannedFromCommunity struct {
	Moderator RemoteRef
	Community RemoteRef
	Target    RemoteRef
}

type UserBannedFromSite struct {
	Admin  RemoteRef
	Target RemoteRef
}

type CommunityTransferred struct {
	Community RemoteRef
	Moderator RemoteRef
	NewOwner  RemoteRef
}

type CommunityUpdated struct{ Community RemoteRef }
type CommunityDeleted struct{ Community RemoteRef }
type PersonUpdated struct{ Person RemoteRef }
type FeedUpdated struct{ Feed RemoteRef }

type FollowRequested struct {
	Follower RemoteRef
	Target   RemoteRef
}

// FollowAccepted is sent by the local Target back to a remote Follower.
type FollowAccepted struct {
	Target    RemoteRef
	Follower  RemoteRef
	FollowURI string
}

type Unfollowed struct {
	Follower  RemoteRef
	Target    RemoteRef
	FollowURI string
}

type PrivateMessageCreated struct{ Message CachedObject }
type PrivateMessageUpdated struct{ Message CachedObject }
type PrivateMessageDeleted struct{ Message CachedObject }

func (PostCreated) EventName() string               { return "PostCreated" }
func (PostUpdated) EventName() string               { return "PostUpdated" }
func (PostDeleted) EventName() string               { return "PostDeleted" }
func (PostRestored) EventName() string              { return "PostRestored" }
func (PostRemoved) EventName() string               { return "PostRemoved" }
func (PostUnremoved) EventName() string             { return "PostUnremoved" }
func (CommentCreated) EventName() string            { return "CommentCreated" }
func (CommentUpdated) EventName() string            { return "CommentUpdated" }
func (CommentDeleted) EventName() string            { return "CommentDeleted" }
func (CommentRestored) EventName() string           { return "CommentRestored" }
func (CommentRemoved) EventName() string            { return "CommentRemoved" }
func (CommentUnremoved) EventName() string          { return "CommentUnremoved" }
func (VoteCast) EventName() string                  { return "VoteCast" }
func (VoteUndone) EventName() string                { return "VoteUndone" }
func (UserBannedFromCommunity) EventName() string   { return "UserBannedFromCommunity" }
func (UserUnbannedFromCommunity) EventName() string { return "UserUnbannedFromCommunity" }
func (UserBannedFromSite) EventName() string        { return "UserBannedFromSite" }
func (CommunityTransferred) EventName() string      { return "CommunityTransferred" }
func (CommunityUpdated) EventName() string          { return "CommunityUpdated" }
func (CommunityDeleted) EventName() string          { return "CommunityDeleted" }
func (PersonUpdated) EventName() string             { return "PersonUpdated" }
func (FeedUpdated) EventName() string               { return "FeedUpdated" }
func (FollowRequested) EventName() string           { return "FollowRequested" }
func (FollowAccepted) EventName() string            { return "FollowAccepted" }
func (Unfollowed) EventName() string                { return "Unfollowed" }
func (PrivateMessageCreated) EventName() string     { return "PrivateMessageCreated" }
func (PrivateMessageUpdated) EventName() string     { return "PrivateMessageUpdated" }
func (PrivateMessageDeleted) EventName() string     { return "PrivateMessageDeleted" }

func (PostCreated) isDomainEvent()               {}
func (PostUpdated) isDomainEvent()               {}
func (PostDeleted) isDomainEvent()               {}
func (PostRestored) isDomainEvent()              {}
func (PostRemoved) isDomainEvent()               {}
func (PostUnremoved) isDomainEvent()             {}
func (CommentCreated) isDomainEvent()            {}
func (CommentUpdated) isDomainEvent()            {}
func (CommentDeleted) isDomainEvent()            {}
func (CommentRestored) isDomainEvent()           {}
func (CommentRemoved) isDomainEvent()            {}
func (CommentUnremoved) isDomainEvent()          {}
func (VoteCast) isDomainEvent()                  {}
func (VoteUndone) isDomainEvent()                {}
func (UserBannedFromCommunity) isDomainEvent()   {}
func (UserUnbannedFromCommunity) isDomainEvent() {}
func (UserBannedFromSite) isDomainEvent()        {}
func (CommunityTransferred) isDomainEvent()      {}
func (CommunityUpdated) isDomainEvent()          {}
func (CommunityDeleted) isDomainEvent()          {}
func (PersonUpdated) isDomainEvent()             {}
func (FeedUpdated) isDomainEvent()               {}
func (FollowRequested) isDomainEvent()           {}
func (FollowAccepted) isDomainEvent()            {}
func (Unfollowed) isDomainEvent()                {}
func (PrivateMessageCreated) isDomainEvent()     {}
func (PrivateMessageUpdated) isDomainEvent()     {}
func (PrivateMessageDeleted) isDomainEvent()     {}
