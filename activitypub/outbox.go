package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Builder turns local domain events into outgoing activities. It only reads
// from storage; persisting and sending is the queue's job.
type Builder struct {
	store       ActorStore
	resolver    *Resolver
	policy      *DomainPolicy
	budgetLimit int
	logger      *zap.Logger
}

func NewBuilder(store ActorStore, resolver *Resolver, policy *DomainPolicy, budgetLimit int, logger *zap.Logger) *Builder {
	return &Builder{store: store, resolver: resolver, policy: policy, budgetLimit: budgetLimit, logger: logger}
}

// Build returns the messages that federate ev. Every event kind has its own
// handler; unknown kinds fail with ErrBuild.
func (b *Builder) Build(ctx context.Context, ev domain.DomainEvent) ([]domain.OutgoingMessage, error) {
	budget := NewRecursionBudget(b.budgetLimit)

	var msgs []domain.OutgoingMessage
	var err error
	switch e := ev.(type) {
	case domain.PostCreated:
		msgs, err = b.postContent(ctx, "Create", e.Post, budget)
	case domain.PostUpdated:
		msgs, err = b.postContent(ctx, "Update", e.Post, budget)
	case domain.PostDeleted:
		msgs, err = b.deletion(ctx, e.Post, e.Post.Community, false, budget)
	case domain.PostRestored:
		msgs, err = b.deletion(ctx, e.Post, e.Post.Community, true, budget)
	case domain.PostRemoved:
		msgs, err = b.removal(e.Moderator, e.Post, e.Post.Community, false)
	case domain.PostUnremoved:
		msgs, err = b.removal(e.Moderator, e.Post, e.Post.Community, true)
	case domain.CommentCreated:
		msgs, err = b.comment(ctx, "Create", e.Comment, e.Community, e.ParentAuthor, budget)
	case domain.CommentUpdated:
		msgs, err = b.comment(ctx, "Update", e.Comment, e.Community, e.ParentAuthor, budget)
	case domain.CommentDeleted:
		msgs, err = b.deletion(ctx, e.Comment, e.Community, false, budget)
	case domain.CommentRestored:
		msgs, err = b.deletion(ctx, e.Comment, e.Community, true, budget)
	case domain.CommentRemoved:
		msgs, err = b.removal(e.Moderator, e.Comment, e.Community, false)
	case domain.CommentUnremoved:
		msgs, err = b.removal(e.Moderator, e.Comment, e.Community, true)
	case domain.VoteCast:
		msgs, err = b.vote(ctx, e.Voter, e.Object, e.Community, e.Score, false, budget)
	case domain.VoteUndone:
		msgs, err = b.vote(ctx, e.Voter, e.Object, e.Community, e.Score, true, budget)
	case domain.UserBannedFromCommunity:
		msgs, err = b.communityBan(e.Moderator, e.Community, e.Target, false)
	case domain.UserUnbannedFromCommunity:
		msgs, err = b.communityBan(e.Moderator, e.Community, e.Target, true)
	case domain.UserBannedFromSite:
		msgs, err = b.siteBan(e.Admin, e.Target)
	case domain.CommunityTransferred:
		msgs, err = b.transfer(e)
	case domain.CommunityUpdated:
		msgs, err = b.actorUpdate(ctx, e.Community, domain.Audience{CommunityFollowers: e.Community})
	case domain.CommunityDeleted:
		msgs, err = b.communityDeleted(e.Community)
	case domain.PersonUpdated:
		msgs, err = b.actorUpdate(ctx, e.Person, domain.Audience{PersonFollowers: e.Person})
	case domain.FeedUpdated:
		msgs, err = b.actorUpdate(ctx, e.Feed, domain.Audience{FeedFollowers: e.Feed})
	case domain.FollowRequested:
		msgs, err = b.follow(ctx, e, budget)
	case domain.FollowAccepted:
		msgs, err = b.accept(ctx, e, budget)
	case domain.Unfollowed:
		msgs, err = b.unfollow(ctx, e, budget)
	case domain.PrivateMessageCreated:
		msgs, err = b.privateMessage(ctx, "Create", e.Message, budget)
	case domain.PrivateMessageUpdated:
		msgs, err = b.privateMessage(ctx, "Update", e.Message, budget)
	case domain.PrivateMessageDeleted:
		msgs, err = b.privateMessage(ctx, "Delete", e.Message, budget)
	default:
		return nil, fmt.Errorf("%w: no handler for %T", ErrBuild, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBuild, ev.EventName(), err)
	}

	for _, msg := range msgs {
		if !b.policy.IsLocal(msg.Actor) {
			return nil, fmt.Errorf("%w: %s: actor %s is not local", ErrBuild, ev.EventName(), msg.Actor)
		}
	}
	b.logger.Debug("Outbox: Built messages", zap.String("event", ev.EventName()), zap.Int("count", len(msgs)))
	return msgs, nil
}

// BuildAnnounce wraps an activity received for a local community so that
// the community can forward it to its followers. exclude holds inboxes that
// already have it.
func (b *Builder) BuildAnnounce(ctx context.Context, community domain.RemoteRef, raw json.RawMessage, objectRef domain.RemoteRef, exclude []string) (domain.OutgoingMessage, error) {
	to := []string{domain.PublicAddress}
	cc := []string{community.String() + "/followers"}
	doc := b.activity("Announce", community, raw, to, cc)
	doc.Audience = community.String()
	return b.message(doc, objectRef, domain.Audience{CommunityFollowers: community, Exclude: exclude}, false)
}

func (b *Builder) newActivityId(kind string) string {
	return fmt.Sprintf("%s://%s/activities/%s/%s", b.policy.Protocol, b.policy.LocalDomain, strings.ToLower(kind), uuid.New())
}

func (b *Builder) activity(kind string, actor domain.RemoteRef, object any, to, cc []string) ActivityDoc {
	raw, ok := object.(json.RawMessage)
	if !ok {
		raw, _ = json.Marshal(object)
	}
	return ActivityDoc{
		Context: ActivityStreamsContext,
		Id:      b.newActivityId(kind),
		Type:    kind,
		Actor:   actor.String(),
		Object:  raw,
		To:      to,
		Cc:      cc,
	}
}

// undo wraps inner in an Undo by the same actor.
func (b *Builder) undo(inner ActivityDoc) ActivityDoc {
	inner.Context = nil
	return b.activity("Undo", domain.RemoteRef(inner.Actor), inner, inner.To, inner.Cc)
}

func (b *Builder) message(doc ActivityDoc, objectRef domain.RemoteRef, audience domain.Audience, sensitive bool) (domain.OutgoingMessage, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.OutgoingMessage{}, err
	}
	return domain.OutgoingMessage{
		ID:        doc.Id,
		Kind:      doc.Type,
		Actor:     domain.RemoteRef(doc.Actor),
		ObjectRef: objectRef,
		Payload:   payload,
		To:        doc.To,
		Cc:        doc.Cc,
		Audience:  audience,
		Sensitive: sensitive,
	}, nil
}

func single(msg domain.OutgoingMessage, err error) ([]domain.OutgoingMessage, error) {
	if err != nil {
		return nil, err
	}
	return []domain.OutgoingMessage{msg}, nil
}

// communityAudience addresses community content: the community's followers
// and the community's own inbox, which matters when it lives elsewhere.
func (b *Builder) communityAudience(ctx context.Context, community domain.RemoteRef, budget *RecursionBudget) (domain.Audience, error) {
	actor, err := b.resolver.ResolveCommunity(ctx, community, budget)
	if err != nil {
		return domain.Audience{}, err
	}
	return domain.Audience{
		CommunityFollowers: community,
		Inboxes:            []string{actor.DeliveryInbox()},
	}, nil
}

func (b *Builder) postContent(ctx context.Context, kind string, post domain.CachedObject, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	audience, err := b.communityAudience(ctx, post.Community, budget)
	if err != nil {
		return nil, err
	}
	object := ObjectDocFor(&post)
	object.Context = nil
	doc := b.activity(kind, post.AttributedTo, object, object.To, nil)
	doc.Audience = post.Community.String()
	return single(b.message(doc, post.Ref, audience, post.Sensitive))
}

func (b *Builder) comment(ctx context.Context, kind string, comment domain.CachedObject, community, parentAuthor domain.RemoteRef, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	audience, err := b.communityAudience(ctx, community, budget)
	if err != nil {
		return nil, err
	}

	cc := []string{community.String()}
	addCc := func(ref string) {
		for _, existing := range cc {
			if existing == ref {
				return
			}
		}
		cc = append(cc, ref)
	}

	object := ObjectDocFor(&comment)
	object.Context = nil

	for _, mention := range ScrapeMentions(comment.Content) {
		if mention.IsLocal(b.policy.LocalDomain) {
			continue
		}
		actor, err := b.resolver.ResolveMention(ctx, mention, budget)
		if err != nil {
			b.logger.Info("Outbox: Could not resolve mention", zap.String("mention", mention.Name+"@"+mention.Domain), zap.Error(err))
			continue
		}
		addCc(actor.Ref.String())
		audience.Inboxes = append(audience.Inboxes, actor.DeliveryInbox())
		object.Tag = append(object.Tag, TagDoc{
			Type: "Mention",
			Href: actor.Ref.String(),
			Name: fmt.Sprintf("@%s@%s", mention.Name, mention.Domain),
		})
	}

	if !parentAuthor.IsEmpty() && !b.policy.IsLocal(parentAuthor) {
		addCc(parentAuthor.String())
		if author, err := b.resolver.ResolvePerson(ctx, parentAuthor, budget); err == nil {
			audience.Inboxes = append(audience.Inboxes, author.DeliveryInbox())
		} else {
			b.logger.Info("Outbox: Could not resolve parent author", zap.String("author", parentAuthor.String()), zap.Error(err))
		}
	}

	object.Cc = cc
	object.Audience = community.String()
	doc := b.activity(kind, comment.AttributedTo, object, object.To, cc)
	doc.Audience = community.String()
	return single(b.message(doc, comment.Ref, audience, comment.Sensitive))
}

// deletion covers author deletes of posts and comments, and their restores.
func (b *Builder) deletion(ctx context.Context, obj domain.CachedObject, community domain.RemoteRef, restore bool, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	audience, err := b.communityAudience(ctx, community, budget)
	if err != nil {
		return nil, err
	}
	to := []string{domain.PublicAddress}
	cc := []string{community.String()}
	doc := b.activity("Delete", obj.AttributedTo, obj.Ref.String(), to, cc)
	doc.Audience = community.String()
	if restore {
		doc = b.undo(doc)
	}
	return single(b.message(doc, obj.Ref, audience, false))
}

// removal covers moderator removals and their reversal.
func (b *Builder) removal(moderator domain.RemoteRef, obj domain.CachedObject, community domain.RemoteRef, unremove bool) ([]domain.OutgoingMessage, error) {
	to := []string{domain.PublicAddress}
	cc := []string{community.String()}
	doc := b.activity("Remove", moderator, obj.Ref.String(), to, cc)
	doc.Target = community.String()
	doc.Audience = community.String()
	if unremove {
		doc = b.undo(doc)
	}
	return single(b.message(doc, obj.Ref, domain.Audience{CommunityFollowers: community}, false))
}

func (b *Builder) vote(ctx context.Context, voter, object, community domain.RemoteRef, score int, undone bool, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	kind := "Like"
	switch {
	case score < 0:
		kind = "Dislike"
	case score == 0:
		return nil, fmt.Errorf("vote on %s has no score", object)
	}
	audience, err := b.communityAudience(ctx, community, budget)
	if err != nil {
		return nil, err
	}
	doc := b.activity(kind, voter, object.String(), []string{community.String()}, nil)
	doc.Audience = community.String()
	if undone {
		doc = b.undo(doc)
	}
	return single(b.message(doc, object, audience, false))
}

func (b *Builder) communityBan(moderator, community, target domain.RemoteRef, unban bool) ([]domain.OutgoingMessage, error) {
	to := []string{domain.PublicAddress}
	cc := []string{community.String()}
	doc := b.activity("Block", moderator, target.String(), to, cc)
	doc.Target = community.String()
	doc.Audience = community.String()
	if unban {
		doc = b.undo(doc)
	}
	return single(b.message(doc, target, domain.Audience{CommunityFollowers: community}, false))
}

func (b *Builder) siteBan(admin, target domain.RemoteRef) ([]domain.OutgoingMessage, error) {
	site := domain.LocalActorRef(b.policy.Protocol, b.policy.LocalDomain, domain.ActorSite, "")
	doc := b.activity("Block", admin, target.String(), []string{domain.PublicAddress}, nil)
	doc.Target = site.String()
	return single(b.message(doc, target, domain.Audience{AllInstances: true}, false))
}

func (b *Builder) transfer(e domain.CommunityTransferred) ([]domain.OutgoingMessage, error) {
	to := []string{domain.PublicAddress}
	cc := []string{e.Community.String()}
	doc := b.activity("Add", e.Moderator, e.NewOwner.String(), to, cc)
	doc.Target = e.Community.String() + "/moderators"
	doc.Audience = e.Community.String()
	return single(b.message(doc, e.Community, domain.Audience{CommunityFollowers: e.Community}, false))
}

func (b *Builder) actorUpdate(ctx context.Context, ref domain.RemoteRef, audience domain.Audience) ([]domain.OutgoingMessage, error) {
	actor, err := b.store.ReadActorByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	object := ActorDocFor(actor)
	object.Context = nil
	doc := b.activity("Update", ref, object, []string{domain.PublicAddress}, nil)
	return single(b.message(doc, ref, audience, false))
}

func (b *Builder) communityDeleted(community domain.RemoteRef) ([]domain.OutgoingMessage, error) {
	doc := b.activity("Delete", community, community.String(), []string{domain.PublicAddress}, []string{community.String() + "/followers"})
	return single(b.message(doc, community, domain.Audience{CommunityFollowers: community}, false))
}

func followDoc(id string, follower, target domain.RemoteRef) ActivityDoc {
	object, _ := json.Marshal(target.String())
	return ActivityDoc{
		Id:     id,
		Type:   "Follow",
		Actor:  follower.String(),
		Object: object,
		To:     []string{target.String()},
	}
}

func (b *Builder) follow(ctx context.Context, e domain.FollowRequested, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	target, err := b.resolver.ResolveActor(ctx, e.Target, budget)
	if err != nil {
		return nil, err
	}
	doc := followDoc(b.newActivityId("Follow"), e.Follower, e.Target)
	doc.Context = ActivityStreamsContext
	return single(b.message(doc, e.Target, domain.Audience{Inboxes: []string{target.InboxURI}}, false))
}

func (b *Builder) accept(ctx context.Context, e domain.FollowAccepted, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	follower, err := b.resolver.ResolveActor(ctx, e.Follower, budget)
	if err != nil {
		return nil, err
	}
	doc := b.activity("Accept", e.Target, followDoc(e.FollowURI, e.Follower, e.Target), []string{e.Follower.String()}, nil)
	return single(b.message(doc, e.Target, domain.Audience{Inboxes: []string{follower.InboxURI}}, false))
}

func (b *Builder) unfollow(ctx context.Context, e domain.Unfollowed, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	target, err := b.resolver.ResolveActor(ctx, e.Target, budget)
	if err != nil {
		return nil, err
	}
	followId := e.FollowURI
	if followId == "" {
		followId = b.newActivityId("Follow")
	}
	doc := b.activity("Undo", e.Follower, followDoc(followId, e.Follower, e.Target), []string{e.Target.String()}, nil)
	return single(b.message(doc, e.Target, domain.Audience{Inboxes: []string{target.InboxURI}}, false))
}

// privateMessage goes to the recipient only and is never broadcast.
func (b *Builder) privateMessage(ctx context.Context, kind string, msg domain.CachedObject, budget *RecursionBudget) ([]domain.OutgoingMessage, error) {
	recipient, err := b.resolver.ResolvePerson(ctx, msg.Recipient, budget)
	if err != nil {
		return nil, err
	}
	to := []string{msg.Recipient.String()}
	var object any = msg.Ref.String()
	if kind != "Delete" {
		doc := ObjectDocFor(&msg)
		doc.Context = nil
		object = doc
	}
	doc := b.activity(kind, msg.AttributedTo, object, to, nil)
	return single(b.message(doc, msg.Ref, domain.Audience{Inboxes: []string{recipient.DeliveryInbox()}}, false))
}
