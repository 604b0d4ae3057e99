package activitypub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/agora/domain"
)

type authority int

const (
	authNone authority = iota
	authCreator
	authCreatorOrMod
	authMod
)

// plan is a verified-but-not-yet-applied inbound activity: the context the
// policy checks need and the write to perform once they pass.
type plan struct {
	actor         *domain.CachedActor
	community     *domain.CachedActor
	texts         []string
	authority     authority
	creator       domain.RemoteRef
	exemptPrivate bool
	exemptBan     bool
	allowDeleted  bool
	announce      bool
	apply         func(ctx context.Context) (*Applied, error)
}

func noop(actor *domain.CachedActor) *plan {
	return &plan{
		actor: actor,
		apply: func(context.Context) (*Applied, error) { return nil, nil },
	}
}

func appliedFor(kind string, act *ActivityDoc, actor, ref domain.RemoteRef, obj *domain.CachedObject) *Applied {
	return &Applied{Kind: kind, ActivityID: act.Id, Actor: actor, ObjectRef: ref, Object: obj}
}

// prepareTop builds the plan for a top-level activity, unwrapping an
// announced activity, and runs the policy checks on it.
func (p *Pipeline) prepareTop(ctx context.Context, act, inner *ActivityDoc, signer *domain.CachedActor, budget *RecursionBudget) (*plan, error) {
	if inner == nil {
		pl, err := p.prepare(ctx, act, signer, budget)
		if err != nil {
			return nil, err
		}
		return pl, p.checkPolicy(ctx, pl)
	}

	if err := p.checkActor(signer, false); err != nil {
		return nil, err
	}
	innerActor, err := p.resolver.ResolveActor(ctx, domain.RemoteRef(inner.Actor), budget)
	if err != nil {
		return nil, err
	}
	pl, err := p.prepare(ctx, inner, innerActor, budget)
	if err != nil {
		return nil, err
	}
	if pl.community != nil && pl.community.Ref != signer.Ref {
		return nil, forbidden(ReasonUnsupportedScope, "%s announced activity in %s", signer.Ref, pl.community.Ref)
	}
	// Membership of a remote private community is known to its instance only.
	pl.exemptPrivate = true
	pl.announce = false
	return pl, p.checkPolicy(ctx, pl)
}

func (p *Pipeline) prepare(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, budget *RecursionBudget) (*plan, error) {
	switch act.Type {
	case "Create", "Update":
		return p.prepareCreateOrUpdate(ctx, act, actor, budget)
	case "Delete":
		return p.prepareDeletion(ctx, act, actor, true, budget)
	case "Remove":
		return p.prepareRemoval(ctx, act, actor, true, budget)
	case "Add":
		return p.prepareAdd(ctx, act, actor, budget)
	case "Like", "Dislike":
		return p.prepareVote(ctx, act, actor, false, budget)
	case "Follow":
		return p.prepareFollow(ctx, act, actor)
	case "Accept":
		return p.prepareAccept(ctx, act, actor)
	case "Announce":
		return p.prepareBoost(ctx, act, actor, budget)
	case "Block":
		return p.prepareBlock(ctx, act, actor, true, budget)
	case "Undo":
		return p.prepareUndo(ctx, act, actor, budget)
	}
	return nil, fmt.Errorf("%w: unsupported activity type %s", ErrMalformed, act.Type)
}

func (p *Pipeline) checkActor(actor *domain.CachedActor, allowDeleted bool) error {
	if err := p.policy.Check(actor.Ref); err != nil {
		return forbidden(ReasonBlockedInstance, "%v", err)
	}
	if actor.Banned {
		return forbidden(ReasonBannedActor, "%s", actor.Ref)
	}
	if actor.Deleted && !allowDeleted {
		return forbidden(ReasonDeletedActor, "%s", actor.Ref)
	}
	return nil
}

func (p *Pipeline) checkPolicy(ctx context.Context, pl *plan) error {
	if err := p.checkActor(pl.actor, pl.allowDeleted); err != nil {
		return err
	}

	if c := pl.community; c != nil && c.Ref != pl.actor.Ref {
		if !pl.exemptBan {
			banned, err := p.store.IsBannedFromCommunity(ctx, c.Ref, pl.actor.Ref)
			if err != nil {
				return err
			}
			if banned {
				return forbidden(ReasonCommunityBan, "%s in %s", pl.actor.Ref, c.Ref)
			}
		}
		if c.Private && !pl.exemptPrivate {
			following, err := p.store.IsFollowing(ctx, pl.actor.Ref, c.Ref)
			if err != nil {
				return err
			}
			if !following {
				mod, err := p.store.IsModerator(ctx, c.Ref, pl.actor.Ref)
				if err != nil {
					return err
				}
				if !mod {
					return forbidden(ReasonNotFollower, "%s does not follow %s", pl.actor.Ref, c.Ref)
				}
			}
		}
	}

	if err := p.filter.Check(pl.texts...); err != nil {
		return err
	}
	return p.authorize(ctx, pl)
}

func (p *Pipeline) authorize(ctx context.Context, pl *plan) error {
	switch pl.authority {
	case authCreator:
		if pl.creator != pl.actor.Ref {
			return forbidden(ReasonNotCreator, "%s acting on content of %s", pl.actor.Ref, pl.creator)
		}
	case authCreatorOrMod:
		if pl.creator == pl.actor.Ref {
			return nil
		}
		return p.requireModerator(ctx, pl)
	case authMod:
		return p.requireModerator(ctx, pl)
	}
	return nil
}

func (p *Pipeline) requireModerator(ctx context.Context, pl *plan) error {
	if pl.community == nil {
		return forbidden(ReasonNotModerator, "%s outside of any community", pl.actor.Ref)
	}
	if pl.community.Ref == pl.actor.Ref {
		return nil
	}
	mod, err := p.store.IsModerator(ctx, pl.community.Ref, pl.actor.Ref)
	if err != nil {
		return err
	}
	if !mod {
		return forbidden(ReasonNotModerator, "%s in %s", pl.actor.Ref, pl.community.Ref)
	}
	return nil
}

func (p *Pipeline) communityFor(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*domain.CachedActor, error) {
	if ref.IsEmpty() {
		return nil, nil
	}
	return p.resolver.ResolveCommunity(ctx, ref, budget)
}

// storedObject returns nil without error for objects this instance never saw.
func (p *Pipeline) storedObject(ctx context.Context, ref domain.RemoteRef) (*domain.CachedObject, error) {
	obj, err := p.store.ReadObjectByRef(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return obj, err
}

// AdmitObject checks an object fetched from a remote server before it is
// stored: its author against the instance and community rules, its text
// against the content filter. Membership of a remote private community is
// known to that community's instance only.
func (p *Pipeline) AdmitObject(ctx context.Context, obj *domain.CachedObject) error {
	author, err := p.store.ReadActorByRef(ctx, obj.AttributedTo)
	if err != nil {
		return err
	}
	pl := &plan{actor: author, texts: []string{obj.Name, obj.Content}}
	if !obj.Community.IsEmpty() {
		community, err := p.store.ReadActorByRef(ctx, obj.Community)
		if err != nil {
			return err
		}
		pl.community = community
		pl.exemptPrivate = !community.Local
	}
	return p.checkPolicy(ctx, pl)
}

// lookupObject finds ref among stored objects or fetches it. A fetched
// object is admitted but not stored; keepObject stores it once the activity
// that named it is accepted.
func (p *Pipeline) lookupObject(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*domain.CachedObject, bool, error) {
	obj, stored, err := p.resolver.LookupObject(ctx, ref, budget)
	if err != nil || stored {
		return obj, stored, err
	}
	if err := p.AdmitObject(ctx, obj); err != nil {
		return nil, false, err
	}
	return obj, false, nil
}

func (p *Pipeline) keepObject(ctx context.Context, obj *domain.CachedObject, stored bool) (*domain.CachedObject, error) {
	if stored {
		return obj, nil
	}
	return p.store.UpsertObject(ctx, obj)
}

func objectRef(act *ActivityDoc) (domain.RemoteRef, error) {
	ref := domain.RemoteRef(act.ObjectId())
	if ref.IsEmpty() {
		return "", fmt.Errorf("%w: %s without object", ErrMalformed, act.Type)
	}
	return ref, nil
}

func (p *Pipeline) prepareCreateOrUpdate(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, budget *RecursionBudget) (*plan, error) {
	if !act.EmbeddedObject() {
		return nil, fmt.Errorf("%w: %s needs an embedded object", ErrMalformed, act.Type)
	}
	if isActorType(act.ObjectType()) {
		if act.Type != "Update" {
			return nil, fmt.Errorf("%w: cannot create an actor", ErrMalformed)
		}
		return p.prepareActorUpdate(ctx, act, actor, budget)
	}

	var doc ObjectDoc
	if err := decodeValid(act.Object, &doc); err != nil {
		return nil, fmt.Errorf("%w: object: %v", ErrMalformed, err)
	}
	obj, err := p.resolver.BuildObject(ctx, &doc, budget)
	if err != nil {
		return nil, err
	}
	if obj.Kind == domain.ObjectPrivateMessage && !p.policy.IsLocal(obj.Recipient) {
		return nil, forbidden(ReasonUnsupportedScope, "private message for %s", obj.Recipient)
	}

	community, err := p.communityFor(ctx, obj.Community, budget)
	if err != nil {
		return nil, err
	}
	pl := &plan{
		actor:     actor,
		community: community,
		texts:     []string{obj.Name, obj.Content},
		authority: authCreator,
		creator:   obj.AttributedTo,
		announce:  obj.Kind != domain.ObjectPrivateMessage,
	}

	if obj.Kind == domain.ObjectComment {
		post, err := p.storedObject(ctx, obj.Post)
		if err != nil {
			return nil, err
		}
		if post != nil && post.Locked {
			return nil, forbidden(ReasonLockedPost, "%s", post.Ref)
		}
	}

	existing, err := p.storedObject(ctx, obj.Ref)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// The stored row keeps its author whatever the new document claims.
		pl.creator = existing.AttributedTo
		if act.Type == "Update" {
			pl.authority = authCreatorOrMod
		}
	}

	pl.apply = func(ctx context.Context) (*Applied, error) {
		stored, err := p.store.UpsertObject(ctx, obj)
		if err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, stored.Ref, stored), nil
	}
	return pl, nil
}

func (p *Pipeline) prepareActorUpdate(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, budget *RecursionBudget) (*plan, error) {
	var doc ActorDoc
	if err := decodeValid(act.Object, &doc); err != nil {
		return nil, fmt.Errorf("%w: actor: %v", ErrMalformed, err)
	}
	ref := domain.RemoteRef(doc.Id)
	pl := &plan{actor: actor, texts: []string{doc.Name, doc.Summary}}

	if ref != actor.Ref {
		// Moderators may update the community they moderate.
		community, err := p.resolver.ResolveCommunity(ctx, ref, budget)
		if err != nil {
			return nil, err
		}
		pl.community = community
		pl.authority = authMod
		pl.announce = true
	}

	pl.apply = func(ctx context.Context) (*Applied, error) {
		stored, err := p.resolver.StoreActorDoc(ctx, &doc, budget, false)
		if err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, stored.Ref, nil), nil
	}
	return pl, nil
}

// prepareDeletion handles Delete and, with deleted false, its Undo.
func (p *Pipeline) prepareDeletion(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, deleted bool, budget *RecursionBudget) (*plan, error) {
	ref, err := objectRef(act)
	if err != nil {
		return nil, err
	}

	if ref == actor.Ref {
		pl := &plan{actor: actor, exemptBan: true, exemptPrivate: true}
		pl.apply = func(ctx context.Context) (*Applied, error) {
			if err := p.store.SetActorDeleted(ctx, ref, deleted); err != nil {
				return nil, err
			}
			return appliedFor(act.Type, act, actor.Ref, ref, nil), nil
		}
		// A deleted actor may still restore itself.
		pl.allowDeleted = !deleted
		return pl, nil
	}

	obj, err := p.storedObject(ctx, ref)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return noop(actor), nil
	}
	community, err := p.communityFor(ctx, obj.Community, budget)
	if err != nil {
		return nil, err
	}
	pl := &plan{
		actor:     actor,
		community: community,
		authority: authCreatorOrMod,
		creator:   obj.AttributedTo,
		announce:  obj.Kind != domain.ObjectPrivateMessage,
	}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		if err := p.store.SetObjectDeleted(ctx, ref, deleted); err != nil {
			return nil, err
		}
		stored, err := p.store.ReadObjectByRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, ref, stored), nil
	}
	return pl, nil
}

// prepareRemoval handles moderator removals of content or moderators and,
// with removed false, their Undo.
func (p *Pipeline) prepareRemoval(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, removed bool, budget *RecursionBudget) (*plan, error) {
	ref, err := objectRef(act)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(act.Target, "/moderators") {
		community, err := p.resolver.ResolveCommunity(ctx, domain.RemoteRef(strings.TrimSuffix(act.Target, "/moderators")), budget)
		if err != nil {
			return nil, err
		}
		pl := &plan{actor: actor, community: community, authority: authMod, announce: true}
		pl.apply = func(ctx context.Context) (*Applied, error) {
			var err error
			if removed {
				err = p.store.RemoveModerator(ctx, community.Ref, ref)
			} else {
				err = p.store.AddModerator(ctx, community.Ref, ref)
			}
			if err != nil {
				return nil, err
			}
			return appliedFor(act.Type, act, actor.Ref, ref, nil), nil
		}
		return pl, nil
	}

	obj, err := p.storedObject(ctx, ref)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return noop(actor), nil
	}
	community, err := p.communityFor(ctx, obj.Community, budget)
	if err != nil {
		return nil, err
	}
	pl := &plan{actor: actor, community: community, authority: authMod, announce: true}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		if err := p.store.SetObjectRemoved(ctx, ref, removed); err != nil {
			return nil, err
		}
		stored, err := p.store.ReadObjectByRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, ref, stored), nil
	}
	return pl, nil
}

func (p *Pipeline) prepareAdd(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, budget *RecursionBudget) (*plan, error) {
	ref, err := objectRef(act)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(act.Target, "/moderators") {
		return nil, fmt.Errorf("%w: unsupported Add target %q", ErrMalformed, act.Target)
	}
	community, err := p.resolver.ResolveCommunity(ctx, domain.RemoteRef(strings.TrimSuffix(act.Target, "/moderators")), budget)
	if err != nil {
		return nil, err
	}
	moderator, err := p.resolver.ResolvePerson(ctx, ref, budget)
	if err != nil {
		return nil, err
	}
	pl := &plan{actor: actor, community: community, authority: authMod, announce: true}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		if err := p.store.AddModerator(ctx, community.Ref, moderator.Ref); err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, moderator.Ref, nil), nil
	}
	return pl, nil
}

// prepareVote handles Like and Dislike and, with undo set, their Undo.
func (p *Pipeline) prepareVote(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, undo bool, budget *RecursionBudget) (*plan, error) {
	ref, err := objectRef(act)
	if err != nil {
		return nil, err
	}
	score := 1
	if act.Type == "Dislike" {
		score = -1
	}

	var obj *domain.CachedObject
	stored := true
	if undo {
		obj, err = p.storedObject(ctx, ref)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return noop(actor), nil
		}
	} else {
		obj, stored, err = p.lookupObject(ctx, ref, budget)
		if err != nil {
			return nil, err
		}
	}

	community, err := p.communityFor(ctx, obj.Community, budget)
	if err != nil {
		return nil, err
	}
	pl := &plan{actor: actor, community: community, announce: true}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		target, err := p.keepObject(ctx, obj, stored)
		if err != nil {
			return nil, err
		}
		if undo {
			err = p.store.DeleteVote(ctx, actor.Ref, target.Ref)
		} else {
			err = p.store.UpsertVote(ctx, &domain.Vote{Actor: actor.Ref, Object: target.Ref, Score: score, URI: act.Id})
		}
		if err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, target.Ref, target), nil
	}
	return pl, nil
}

// prepareFollow records a follow of a local actor. Public communities and
// people accept at once; private communities leave the follow pending.
func (p *Pipeline) prepareFollow(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor) (*plan, error) {
	targetRef, err := objectRef(act)
	if err != nil {
		return nil, err
	}
	if !p.policy.IsLocal(targetRef) {
		return nil, forbidden(ReasonUnsupportedScope, "follow of remote actor %s", targetRef)
	}
	target, err := p.store.ReadActorByRef(ctx, targetRef)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, targetRef)
	}
	if err != nil {
		return nil, err
	}

	pl := &plan{actor: actor, exemptPrivate: true}
	if target.Kind == domain.ActorCommunity {
		pl.community = target
	}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		accepted := !target.Private
		err := p.store.UpsertFollow(ctx, &domain.Follow{Follower: actor.Ref, Target: target.Ref, URI: act.Id, Accepted: accepted})
		if err != nil {
			return nil, err
		}
		if accepted {
			if err := p.sendAccept(ctx, target.Ref, actor.Ref, act.Id); err != nil {
				return nil, err
			}
		}
		return appliedFor(act.Type, act, actor.Ref, target.Ref, nil), nil
	}
	return pl, nil
}

func (p *Pipeline) sendAccept(ctx context.Context, target, follower domain.RemoteRef, followURI string) error {
	if p.builder == nil || p.outbox == nil {
		return nil
	}
	msgs, err := p.builder.Build(ctx, domain.FollowAccepted{Target: target, Follower: follower, FollowURI: followURI})
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := p.outbox.Submit(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) prepareUnfollow(act *ActivityDoc, actor *domain.CachedActor) (*plan, error) {
	targetRef, err := objectRef(act)
	if err != nil {
		return nil, err
	}
	pl := &plan{actor: actor, exemptPrivate: true, exemptBan: true}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		if err := p.store.DeleteFollow(ctx, actor.Ref, targetRef); err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, targetRef, nil), nil
	}
	return pl, nil
}

// prepareAccept marks a follow sent by a local actor as accepted.
func (p *Pipeline) prepareAccept(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor) (*plan, error) {
	var follower, target domain.RemoteRef
	if act.EmbeddedObject() {
		var follow ActivityDoc
		if err := decodeValid(act.Object, &follow); err != nil {
			return nil, fmt.Errorf("%w: accepted follow: %v", ErrMalformed, err)
		}
		follower, target = domain.RemoteRef(follow.Actor), domain.RemoteRef(follow.ObjectId())
	} else {
		ref, err := objectRef(act)
		if err != nil {
			return nil, err
		}
		f, err := p.store.ReadFollowByURI(ctx, ref.String())
		if errors.Is(err, domain.ErrNotFound) {
			return noop(actor), nil
		}
		if err != nil {
			return nil, err
		}
		follower, target = f.Follower, f.Target
	}

	if target != actor.Ref || !p.policy.IsLocal(follower) {
		return nil, forbidden(ReasonUnsupportedScope, "%s accepting follow of %s by %s", actor.Ref, target, follower)
	}
	pl := &plan{actor: actor, exemptPrivate: true, exemptBan: true}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		if err := p.store.AcceptFollow(ctx, follower, target); err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, target, nil), nil
	}
	return pl, nil
}

// prepareBoost handles an Announce of a plain object, which is fetched from
// its origin rather than trusted from the announcer. A newly fetched object
// is stored only once the announce is accepted.
func (p *Pipeline) prepareBoost(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, budget *RecursionBudget) (*plan, error) {
	ref, err := objectRef(act)
	if err != nil {
		return nil, err
	}
	obj, stored, err := p.lookupObject(ctx, ref, budget)
	if err != nil {
		return nil, err
	}
	if obj.Kind == domain.ObjectPrivateMessage {
		return nil, forbidden(ReasonUnsupportedScope, "announce of private message %s", obj.Ref)
	}
	community, err := p.communityFor(ctx, obj.Community, budget)
	if err != nil {
		return nil, err
	}

	pl := &plan{actor: actor, community: community, texts: []string{obj.Name, obj.Content}}
	pl.exemptPrivate = community != nil && !community.Local
	pl.apply = func(ctx context.Context) (*Applied, error) {
		kept, err := p.keepObject(ctx, obj, stored)
		if err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, kept.Ref, kept), nil
	}
	return pl, nil
}

// prepareBlock handles community and instance bans and, with banned false,
// their Undo. An instance ban is only honoured for users of the banning
// actor's own instance.
func (p *Pipeline) prepareBlock(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, banned bool, budget *RecursionBudget) (*plan, error) {
	ref, err := objectRef(act)
	if err != nil {
		return nil, err
	}
	person, err := p.resolver.ResolvePerson(ctx, ref, budget)
	if err != nil {
		return nil, err
	}

	var target *domain.CachedActor
	if act.Target != "" {
		target, err = p.resolver.ResolveActor(ctx, domain.RemoteRef(act.Target), budget)
		if err != nil {
			return nil, err
		}
	}

	if target != nil && target.Kind == domain.ActorCommunity {
		pl := &plan{actor: actor, community: target, authority: authMod, announce: true}
		pl.apply = func(ctx context.Context) (*Applied, error) {
			if err := p.store.SetCommunityBan(ctx, target.Ref, person.Ref, banned); err != nil {
				return nil, err
			}
			return appliedFor(act.Type, act, actor.Ref, person.Ref, nil), nil
		}
		return pl, nil
	}

	if person.Ref.Host() != actor.Ref.Host() || (target != nil && target.Ref.Host() != actor.Ref.Host()) {
		return nil, forbidden(ReasonUnsupportedScope, "%s cannot ban %s from another instance", actor.Ref, person.Ref)
	}
	pl := &plan{actor: actor}
	pl.apply = func(ctx context.Context) (*Applied, error) {
		if err := p.store.SetActorBanned(ctx, person.Ref, banned); err != nil {
			return nil, err
		}
		return appliedFor(act.Type, act, actor.Ref, person.Ref, nil), nil
	}
	return pl, nil
}

func (p *Pipeline) prepareUndo(ctx context.Context, act *ActivityDoc, actor *domain.CachedActor, budget *RecursionBudget) (*plan, error) {
	if !act.EmbeddedObject() {
		return nil, fmt.Errorf("%w: Undo needs the embedded activity", ErrMalformed)
	}
	var inner ActivityDoc
	if err := decodeValid(act.Object, &inner); err != nil {
		return nil, fmt.Errorf("%w: undone activity: %v", ErrMalformed, err)
	}

	var pl *plan
	var err error
	switch inner.Type {
	case "Like", "Dislike":
		pl, err = p.prepareVote(ctx, &inner, actor, true, budget)
	case "Delete":
		pl, err = p.prepareDeletion(ctx, &inner, actor, false, budget)
	case "Remove":
		pl, err = p.prepareRemoval(ctx, &inner, actor, false, budget)
	case "Follow":
		pl, err = p.prepareUnfollow(&inner, actor)
	case "Block":
		pl, err = p.prepareBlock(ctx, &inner, actor, false, budget)
	case "Announce":
		pl = noop(actor)
	default:
		return nil, fmt.Errorf("%w: cannot undo %s", ErrMalformed, inner.Type)
	}
	if err != nil {
		return nil, err
	}

	apply := pl.apply
	pl.apply = func(ctx context.Context) (*Applied, error) {
		applied, err := apply(ctx)
		if applied != nil {
			applied.Kind = "Undo"
			applied.ActivityID = act.Id
		}
		return applied, err
	}
	return pl, nil
}
