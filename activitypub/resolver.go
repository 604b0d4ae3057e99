package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/agora/domain"
	"go.uber.org/zap"
)

// Resolved holds exactly one of Actor or Object.
type Resolved struct {
	Actor  *domain.CachedActor
	Object *domain.CachedObject
}

type resolverStore interface {
	ActorStore
	ObjectStore
	ModerationStore
}

// Resolver turns refs into cached actors and objects, fetching and storing
// remote documents on demand. Every network fetch spends from the budget
// passed in, so one chain of resolutions is bounded.
type Resolver struct {
	store           resolverStore
	fetcher         *Fetcher
	policy          *DomainPolicy
	refreshInterval time.Duration
	outboxPrefetch  int
	admit           ObjectAdmission
	now             func() time.Time
	logger          *zap.Logger
}

// ObjectAdmission decides whether an object fetched from a remote server
// may be stored.
type ObjectAdmission func(ctx context.Context, obj *domain.CachedObject) error

func NewResolver(store resolverStore, fetcher *Fetcher, policy *DomainPolicy, refreshInterval time.Duration, outboxPrefetch int, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:           store,
		fetcher:         fetcher,
		policy:          policy,
		refreshInterval: refreshInterval,
		outboxPrefetch:  outboxPrefetch,
		now:             time.Now,
		logger:          logger,
	}
}

// AdmitObjectsWith installs the check every fetched object must pass before
// it is stored.
func (r *Resolver) AdmitObjectsWith(admit ObjectAdmission) {
	r.admit = admit
}

// IsStale reports whether a cached remote actor needs refetching.
func IsStale(lastRefreshed, now time.Time, interval time.Duration) bool {
	return now.Sub(lastRefreshed) > interval
}

// Resolve returns the cached actor or object for ref, fetching it if needed.
func (r *Resolver) Resolve(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*Resolved, error) {
	if _, err := ref.URL(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if r.policy.IsLocal(ref) {
		return r.resolveLocal(ctx, ref)
	}

	actor, err := r.store.ReadActorByRef(ctx, ref)
	switch {
	case err == nil:
		if !IsStale(actor.LastRefreshedAt, r.now(), r.refreshInterval) {
			return &Resolved{Actor: actor}, nil
		}
		refreshed, err := r.fetch(ctx, ref, budget, false)
		if err != nil || refreshed.Actor == nil {
			r.logger.Info("Resolver: Refresh failed, using cached actor", zap.String("ref", ref.String()), zap.Error(err))
			return &Resolved{Actor: actor}, nil
		}
		return refreshed, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	obj, err := r.store.ReadObjectByRef(ctx, ref)
	switch {
	case err == nil:
		return &Resolved{Object: obj}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	return r.fetch(ctx, ref, budget, true)
}

func (r *Resolver) resolveLocal(ctx context.Context, ref domain.RemoteRef) (*Resolved, error) {
	actor, err := r.store.ReadActorByRef(ctx, ref)
	if err == nil {
		return &Resolved{Actor: actor}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	obj, err := r.store.ReadObjectByRef(ctx, ref)
	if err == nil {
		return &Resolved{Object: obj}, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: local ref %s does not exist", ErrInvalidReference, ref)
	}
	return nil, err
}

func (r *Resolver) ResolveActor(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*domain.CachedActor, error) {
	res, err := r.Resolve(ctx, ref, budget)
	if err != nil {
		return nil, err
	}
	if res.Actor == nil {
		return nil, fmt.Errorf("%w: %s is not an actor", ErrNotAnExpectedType, ref)
	}
	return res.Actor, nil
}

func (r *Resolver) ResolvePerson(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*domain.CachedActor, error) {
	return r.resolveActorKind(ctx, ref, domain.ActorPerson, budget)
}

func (r *Resolver) ResolveCommunity(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*domain.CachedActor, error) {
	return r.resolveActorKind(ctx, ref, domain.ActorCommunity, budget)
}

func (r *Resolver) resolveActorKind(ctx context.Context, ref domain.RemoteRef, kind domain.ActorKind, budget *RecursionBudget) (*domain.CachedActor, error) {
	actor, err := r.ResolveActor(ctx, ref, budget)
	if err != nil {
		return nil, err
	}
	if actor.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrNotAnExpectedType, ref, actor.Kind, kind)
	}
	return actor, nil
}

func (r *Resolver) ResolveObject(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*domain.CachedObject, error) {
	res, err := r.Resolve(ctx, ref, budget)
	if err != nil {
		return nil, err
	}
	if res.Object == nil {
		return nil, fmt.Errorf("%w: %s is not an object", ErrNotAnExpectedType, ref)
	}
	return res.Object, nil
}

func (r *Resolver) ResolvePost(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (*domain.CachedObject, error) {
	obj, err := r.ResolveObject(ctx, ref, budget)
	if err != nil {
		return nil, err
	}
	if obj.Kind != domain.ObjectPost {
		return nil, fmt.Errorf("%w: %s is a %s, not a post", ErrNotAnExpectedType, ref, obj.Kind)
	}
	return obj, nil
}

// fetch downloads ref and stores whatever it turns out to be. A refetch
// must return the document it asked for.
func (r *Resolver) fetch(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget, firstFetch bool) (*Resolved, error) {
	body, t, err := r.download(ctx, ref, budget)
	if err != nil {
		return nil, err
	}
	if !firstFetch && domain.RemoteRef(t.Id) != ref {
		return nil, fmt.Errorf("%w: refetch of %s returned %s", ErrInvalidReference, ref, t.Id)
	}

	switch {
	case isActorType(t.Type):
		var doc ActorDoc
		if err := decodeValid(body, &doc); err != nil {
			return nil, fmt.Errorf("%w: invalid actor %s: %v", ErrRemoteFetchFailed, ref, err)
		}
		actor, err := r.StoreActorDoc(ctx, &doc, budget, firstFetch)
		if err != nil {
			return nil, err
		}
		return &Resolved{Actor: actor}, nil
	case isObjectType(t.Type):
		obj, err := r.buildFetched(ctx, ref, body, budget)
		if err != nil {
			return nil, err
		}
		if r.admit != nil {
			if err := r.admit(ctx, obj); err != nil {
				r.logger.Info("Resolver: Fetched object refused", zap.String("ref", obj.Ref.String()), zap.Error(err))
				return nil, err
			}
		}
		return r.storeObject(ctx, obj)
	}
	return nil, fmt.Errorf("%w: %s has type %s", ErrNotAnExpectedType, ref, t.Type)
}

func (r *Resolver) download(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) ([]byte, typeOnly, error) {
	body, err := r.fetcher.Fetch(ctx, ref, budget)
	if err != nil {
		return nil, typeOnly{}, err
	}
	t, err := peekType(body)
	if err != nil {
		return nil, t, fmt.Errorf("%w: %s: %v", ErrRemoteFetchFailed, ref, err)
	}
	return body, t, nil
}

func (r *Resolver) buildFetched(ctx context.Context, ref domain.RemoteRef, body []byte, budget *RecursionBudget) (*domain.CachedObject, error) {
	var doc ObjectDoc
	if err := decodeValid(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid object %s: %v", ErrRemoteFetchFailed, ref, err)
	}
	return r.BuildObject(ctx, &doc, budget)
}

// LookupObject returns the stored object for ref, or fetches and builds it
// without storing it. stored reports which of the two happened, so callers
// can check a fetched object before keeping it.
func (r *Resolver) LookupObject(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) (obj *domain.CachedObject, stored bool, err error) {
	if _, err := ref.URL(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if r.policy.IsLocal(ref) {
		obj, err := r.ResolveObject(ctx, ref, budget)
		if err != nil {
			return nil, false, err
		}
		return obj, true, nil
	}

	obj, err = r.store.ReadObjectByRef(ctx, ref)
	if err == nil {
		return obj, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	body, t, err := r.download(ctx, ref, budget)
	if err != nil {
		return nil, false, err
	}
	if !isObjectType(t.Type) {
		return nil, false, fmt.Errorf("%w: %s has type %s", ErrNotAnExpectedType, ref, t.Type)
	}
	obj, err = r.buildFetched(ctx, ref, body, budget)
	if err != nil {
		return nil, false, err
	}
	// The document may name a row already stored under its own id.
	if existing, err := r.store.ReadObjectByRef(ctx, obj.Ref); err == nil {
		return existing, true, nil
	}
	return obj, false, nil
}

// StoreActorDoc upserts a remote actor document. On first sight communities
// also sync their moderator list and prefetch recent posts from the outbox.
// Later moderator changes arrive as Add and Remove activities.
func (r *Resolver) StoreActorDoc(ctx context.Context, doc *ActorDoc, budget *RecursionBudget, firstFetch bool) (*domain.CachedActor, error) {
	kind, err := actorKindFor(doc.Type)
	if err != nil {
		return nil, err
	}
	ref := domain.RemoteRef(doc.Id)
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.Id {
		return nil, fmt.Errorf("%w: key of %s is owned by %s", ErrInvalidReference, ref, doc.PublicKey.Owner)
	}

	now := r.now()
	actor := &domain.CachedActor{
		Kind:            kind,
		Ref:             ref,
		Name:            doc.PreferredUsername,
		Domain:          ref.Host(),
		DisplayName:     doc.Name,
		Summary:         doc.Summary,
		PublicKeyPem:    doc.PublicKey.PublicKeyPem,
		InboxURI:        doc.Inbox,
		FollowersURI:    doc.Followers,
		OutboxURI:       doc.Outbox,
		Private:         doc.ManuallyApprovesFollowers,
		LastRefreshedAt: now,
		CreatedAt:       now,
	}
	if doc.Endpoints != nil {
		actor.SharedInboxURI = doc.Endpoints.SharedInbox
	}
	if doc.Published != nil {
		actor.CreatedAt = *doc.Published
	}

	stored, err := r.store.UpsertActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Resolver: Stored actor", zap.String("ref", ref.String()), zap.String("kind", string(kind)))

	if kind == domain.ActorCommunity && firstFetch {
		if doc.Moderators != "" {
			r.syncModerators(ctx, stored, domain.RemoteRef(doc.Moderators), budget)
		}
		if r.outboxPrefetch > 0 && doc.Outbox != "" {
			r.prefetchOutbox(ctx, stored, domain.RemoteRef(doc.Outbox), budget)
		}
	}
	return stored, nil
}

// syncModerators replaces the stored moderator list with the remote one.
// Moderator profiles are resolved best effort; the list itself is kept even
// when the budget runs out.
func (r *Resolver) syncModerators(ctx context.Context, community *domain.CachedActor, url domain.RemoteRef, budget *RecursionBudget) {
	items, err := r.fetchCollection(ctx, url, budget)
	if err != nil {
		r.logger.Info("Resolver: Could not fetch moderators", zap.String("community", community.Ref.String()), zap.Error(err))
		return
	}

	var moderators []domain.RemoteRef
	for _, item := range items {
		id, _ := refOrEmbeddedId(item)
		if id == "" {
			continue
		}
		moderators = append(moderators, domain.RemoteRef(id))
	}
	if err := r.store.ReplaceModerators(ctx, community.Ref, moderators); err != nil {
		r.logger.Warn("Resolver: Could not store moderators", zap.String("community", community.Ref.String()), zap.Error(err))
		return
	}
	for _, mod := range moderators {
		if _, err := r.ResolvePerson(ctx, mod, budget); err != nil {
			r.logger.Debug("Resolver: Skipping moderator", zap.String("moderator", mod.String()), zap.Error(err))
		}
	}
}

// prefetchOutbox pulls the newest posts of a freshly discovered community.
// Posts are fetched from their origin rather than trusted from the outbox.
func (r *Resolver) prefetchOutbox(ctx context.Context, community *domain.CachedActor, url domain.RemoteRef, budget *RecursionBudget) {
	items, err := r.fetchCollection(ctx, url, budget)
	if err != nil {
		r.logger.Info("Resolver: Could not fetch outbox", zap.String("community", community.Ref.String()), zap.Error(err))
		return
	}

	fetched := 0
	for _, item := range items {
		if fetched >= r.outboxPrefetch || budget.Remaining() == 0 {
			break
		}
		postRef := postRefFromOutboxItem(item)
		if postRef.IsEmpty() {
			continue
		}
		if _, err := r.ResolvePost(ctx, postRef, budget); err != nil {
			r.logger.Debug("Resolver: Skipping outbox item", zap.String("post", postRef.String()), zap.Error(err))
			continue
		}
		fetched++
	}
	r.logger.Info("Resolver: Prefetched community posts", zap.String("community", community.Ref.String()), zap.Int("posts", fetched))
}

// postRefFromOutboxItem digs the post ref out of Create or Announce{Create}.
func postRefFromOutboxItem(item []byte) domain.RemoteRef {
	for depth := 0; depth < 3; depth++ {
		var act ActivityDoc
		if err := json.Unmarshal(item, &act); err != nil {
			return ""
		}
		switch act.Type {
		case "Announce", "Create":
			if !act.EmbeddedObject() {
				return domain.RemoteRef(act.ObjectId())
			}
			item = act.Object
		case "Page", "Article":
			return domain.RemoteRef(act.Id)
		default:
			return ""
		}
	}
	return ""
}

func (r *Resolver) fetchCollection(ctx context.Context, url domain.RemoteRef, budget *RecursionBudget) ([]json.RawMessage, error) {
	body, err := r.fetcher.Fetch(ctx, url, budget)
	if err != nil {
		return nil, err
	}
	var coll CollectionDoc
	if err := json.Unmarshal(body, &coll); err != nil {
		return nil, fmt.Errorf("%w: invalid collection %s: %v", ErrRemoteFetchFailed, url, err)
	}
	return coll.OrderedItems, nil
}

// BuildObject turns an object document into a cached object, resolving its
// author, community, parent and recipient. Nothing is stored for the object
// itself, so callers can run policy checks first.
func (r *Resolver) BuildObject(ctx context.Context, doc *ObjectDoc, budget *RecursionBudget) (*domain.CachedObject, error) {
	kind, err := objectKindFor(doc.Type)
	if err != nil {
		return nil, err
	}
	ref := domain.RemoteRef(doc.Id)
	if domain.RemoteRef(doc.AttributedTo).Host() != ref.Host() {
		return nil, fmt.Errorf("%w: %s attributed to foreign actor %s", ErrInvalidReference, ref, doc.AttributedTo)
	}

	author, err := r.ResolvePerson(ctx, domain.RemoteRef(doc.AttributedTo), budget)
	if err != nil {
		return nil, err
	}

	obj := &domain.CachedObject{
		Kind:         kind,
		Ref:          ref,
		AttributedTo: author.Ref,
		Name:         doc.Name,
		Content:      doc.Content,
		URL:          doc.URL,
		Sensitive:    doc.Sensitive,
		Local:        r.policy.IsLocal(ref),
		Published:    r.now(),
		Updated:      doc.Updated,
	}
	if doc.Published != nil {
		obj.Published = *doc.Published
	}

	switch kind {
	case domain.ObjectPost:
		communityRef := communityOf(doc)
		if communityRef.IsEmpty() {
			return nil, fmt.Errorf("%w: post %s names no community", ErrInvalidReference, ref)
		}
		community, err := r.ResolveCommunity(ctx, communityRef, budget)
		if err != nil {
			return nil, err
		}
		obj.Community = community.Ref
		obj.Locked = doc.CommentsEnabled != nil && !*doc.CommentsEnabled
		obj.Stickied = doc.Stickied
	case domain.ObjectComment:
		if doc.InReplyTo == "" {
			return nil, fmt.Errorf("%w: comment %s replies to nothing", ErrInvalidReference, ref)
		}
		parent, err := r.ResolveObject(ctx, domain.RemoteRef(doc.InReplyTo), budget)
		if err != nil {
			return nil, err
		}
		switch parent.Kind {
		case domain.ObjectPost:
			obj.Post = parent.Ref
		case domain.ObjectComment:
			obj.Post = parent.Post
			obj.Parent = parent.Ref
		default:
			return nil, fmt.Errorf("%w: comment %s replies to a %s", ErrNotAnExpectedType, ref, parent.Kind)
		}
		obj.Community = parent.Community
	case domain.ObjectPrivateMessage:
		if len(doc.To) == 0 {
			return nil, fmt.Errorf("%w: private message %s has no recipient", ErrInvalidReference, ref)
		}
		recipient, err := r.ResolvePerson(ctx, domain.RemoteRef(doc.To[0]), budget)
		if err != nil {
			return nil, err
		}
		obj.Recipient = recipient.Ref
	}
	return obj, nil
}

func (r *Resolver) storeObject(ctx context.Context, obj *domain.CachedObject) (*Resolved, error) {
	stored, err := r.store.UpsertObject(ctx, obj)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Resolver: Stored object", zap.String("ref", stored.Ref.String()), zap.String("kind", string(stored.Kind)))
	return &Resolved{Object: stored}, nil
}

// communityOf prefers audience and falls back to the first non-public
// addressee.
func communityOf(doc *ObjectDoc) domain.RemoteRef {
	if doc.Audience != "" {
		return domain.RemoteRef(doc.Audience)
	}
	for _, list := range []StringList{doc.To, doc.Cc} {
		for _, to := range list {
			if to != domain.PublicAddress {
				return domain.RemoteRef(to)
			}
		}
	}
	return ""
}

func objectKindFor(t string) (domain.ObjectKind, error) {
	switch t {
	case "Page", "Article":
		return domain.ObjectPost, nil
	case "Note":
		return domain.ObjectComment, nil
	case "ChatMessage":
		return domain.ObjectPrivateMessage, nil
	}
	return "", fmt.Errorf("%w: %s is not a post, comment or private message", ErrNotAnExpectedType, t)
}
