package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/agora/domain"
	"go.uber.org/zap"
)

// InboundRequest is one POST to an inbox. TargetName is empty for the
// shared inbox.
type InboundRequest struct {
	HTTP       *http.Request
	Body       []byte
	TargetKind domain.ActorKind
	TargetName string
}

// Applied describes what an inbound activity changed.
type Applied struct {
	Kind       string
	ActivityID string
	Actor      domain.RemoteRef
	ObjectRef  domain.RemoteRef
	Object     *domain.CachedObject
}

type Result struct {
	ActivityID string
	Type       string
	Replay     bool
	Applied    *Applied
}

// Notifier hears about every applied inbound activity.
type Notifier interface {
	OnApplied(ctx context.Context, applied Applied)
}

type submitter interface {
	Submit(ctx context.Context, msg domain.OutgoingMessage) error
}

// Pipeline takes inbound activities through signature, domain and policy
// verification before applying them to storage.
type Pipeline struct {
	store       Store
	resolver    *Resolver
	policy      *DomainPolicy
	filter      *ContentFilter
	builder     *Builder
	outbox      submitter
	notifier    Notifier
	budgetLimit int
	now         func() time.Time
	logger      *zap.Logger
}

func NewPipeline(store Store, resolver *Resolver, policy *DomainPolicy, filter *ContentFilter, builder *Builder, outbox submitter, notifier Notifier, budgetLimit int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		resolver:    resolver,
		policy:      policy,
		filter:      filter,
		builder:     builder,
		outbox:      outbox,
		notifier:    notifier,
		budgetLimit: budgetLimit,
		now:         time.Now,
		logger:      logger,
	}
}

// Receive verifies and applies one inbound activity. A nil error means the
// activity was applied or had already been applied before.
func (p *Pipeline) Receive(ctx context.Context, in InboundRequest) (*Result, error) {
	var act ActivityDoc
	if err := decodeValid(in.Body, &act); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	result := &Result{ActivityID: act.Id, Type: act.Type}
	log := p.logger.With(zap.String("activity", act.Id), zap.String("type", act.Type))

	if in.TargetName != "" {
		if _, err := p.store.ReadLocalActor(ctx, in.TargetKind, in.TargetName); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return result, fmt.Errorf("%w: no local %s named %s", ErrUnknownRecipient, in.TargetKind, in.TargetName)
			}
			return result, err
		}
	}

	budget := NewRecursionBudget(p.budgetLimit)
	signer, err := p.verifySignature(ctx, in, budget)
	if err != nil {
		log.Info("Inbox: Signature rejected", zap.Error(err))
		return result, err
	}

	inner, err := verifyDomains(&act, signer)
	if err != nil {
		log.Warn("Inbox: Domain verification failed", zap.String("signer", signer.Ref.String()), zap.Error(err))
		return result, err
	}

	replay, err := p.isReplay(ctx, &act, inner)
	if err != nil {
		return result, err
	}
	if replay {
		log.Debug("Inbox: Activity already applied")
		result.Replay = true
		return result, nil
	}

	pl, err := p.prepareTop(ctx, &act, inner, signer, budget)
	if err != nil {
		log.Info("Inbox: Activity rejected", zap.Error(err))
		return result, err
	}

	applied, err := pl.apply(ctx)
	if err != nil {
		log.Error("Inbox: Failed to apply activity", zap.Error(err))
		return result, err
	}

	inserted, err := p.record(ctx, &act, in.Body)
	if err != nil {
		return result, err
	}
	if inner != nil {
		if _, err := p.record(ctx, inner, act.Object); err != nil {
			return result, err
		}
	}
	if !inserted {
		// A concurrent delivery of the same activity got there first.
		result.Replay = true
		return result, nil
	}

	result.Applied = applied
	log.Info("Inbox: Applied activity", zap.String("actor", act.Actor))
	if applied != nil && p.notifier != nil {
		p.notifier.OnApplied(ctx, *applied)
	}
	if pl.announce && pl.community != nil && pl.community.Local {
		p.reannounce(ctx, pl.community, in.Body, applied, signer)
	}
	return result, nil
}

// verifySignature resolves the actor named by the signature's keyId and
// checks the request against its key.
func (p *Pipeline) verifySignature(ctx context.Context, in InboundRequest, budget *RecursionBudget) (*domain.CachedActor, error) {
	keyId, err := SignatureKeyId(in.HTTP)
	if err != nil {
		return nil, err
	}
	signerRef := domain.RemoteRef(keyId).WithoutFragment()
	signer, err := p.resolver.ResolveActor(ctx, signerRef, budget)
	if err != nil {
		if errors.Is(err, ErrInvalidReference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot resolve signer %s: %v", ErrInvalidSignature, signerRef, err)
	}
	if err := VerifyRequest(in.HTTP, in.Body, signer.PublicKeyPem); err != nil {
		return nil, err
	}
	return signer, nil
}

// attributed peeks at the id and author of an embedded object.
type attributed struct {
	Id           string          `json:"id"`
	Type         string          `json:"type"`
	Actor        string          `json:"actor"`
	AttributedTo json.RawMessage `json:"attributedTo"`
}

// verifyDomains checks that the activity and anything embedded in it come
// from the signer's instance. For an Announce of an activity the inner
// activity is returned after checking it against its own actor.
func verifyDomains(act *ActivityDoc, signer *domain.CachedActor) (*ActivityDoc, error) {
	if domain.RemoteRef(act.Actor) != signer.Ref {
		if domain.RemoteRef(act.Actor).Host() != signer.Ref.Host() {
			return nil, fmt.Errorf("%w: actor %s signed by %s", ErrDomainMismatch, act.Actor, signer.Ref)
		}
		return nil, fmt.Errorf("%w: actor %s signed by %s", ErrInvalidSignature, act.Actor, signer.Ref)
	}
	if err := verifyActivityHosts(act); err != nil {
		return nil, err
	}

	if act.Type != "Announce" || !act.EmbeddedObject() {
		return nil, nil
	}
	t, _ := peekType(act.Object)
	if isObjectType(t.Type) || isActorType(t.Type) {
		return nil, nil
	}
	var inner ActivityDoc
	if err := decodeValid(act.Object, &inner); err != nil {
		return nil, fmt.Errorf("%w: announced activity: %v", ErrMalformed, err)
	}
	if inner.Type == "Announce" {
		return nil, fmt.Errorf("%w: nested announce", ErrMalformed)
	}
	if err := verifyActivityHosts(&inner); err != nil {
		return nil, err
	}
	return &inner, nil
}

func verifyActivityHosts(act *ActivityDoc) error {
	actorHost := domain.RemoteRef(act.Actor).Host()
	if host := domain.RemoteRef(act.Id).Host(); host != actorHost {
		return fmt.Errorf("%w: activity %s from actor on %s", ErrDomainMismatch, act.Id, actorHost)
	}
	if !act.EmbeddedObject() {
		return nil
	}

	var obj attributed
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return fmt.Errorf("%w: object: %v", ErrMalformed, err)
	}
	switch act.Type {
	case "Create", "Update":
		if domain.RemoteRef(obj.Id).Host() != actorHost {
			return fmt.Errorf("%w: object %s embedded by actor on %s", ErrDomainMismatch, obj.Id, actorHost)
		}
		if isObjectType(obj.Type) {
			author, _ := refOrEmbeddedId(obj.AttributedTo)
			if domain.RemoteRef(author).Host() != actorHost {
				return fmt.Errorf("%w: object %s attributed to %s", ErrDomainMismatch, obj.Id, author)
			}
		}
	case "Undo":
		if obj.Actor != act.Actor {
			return fmt.Errorf("%w: %s undoes activity of %s", ErrDomainMismatch, act.Actor, obj.Actor)
		}
	}
	return nil
}

func (p *Pipeline) isReplay(ctx context.Context, act, inner *ActivityDoc) (bool, error) {
	known, err := p.store.ActivityExists(ctx, act.Id)
	if err != nil || known || inner == nil {
		return known, err
	}
	return p.store.ActivityExists(ctx, inner.Id)
}

func (p *Pipeline) record(ctx context.Context, act *ActivityDoc, raw []byte) (bool, error) {
	return p.store.CreateActivity(ctx, &domain.Activity{
		ActivityURI:  act.Id,
		ActivityType: act.Type,
		ActorURI:     act.Actor,
		ObjectURI:    act.ObjectId(),
		RawJSON:      string(raw),
		Processed:    true,
		CreatedAt:    p.now(),
	})
}

// reannounce forwards activities in a local community to its followers,
// except the instance that sent it.
func (p *Pipeline) reannounce(ctx context.Context, community *domain.CachedActor, raw []byte, applied *Applied, sender *domain.CachedActor) {
	if p.builder == nil || p.outbox == nil {
		return
	}
	objectRef := community.Ref
	if applied != nil && !applied.ObjectRef.IsEmpty() {
		objectRef = applied.ObjectRef
	}
	exclude := []string{sender.InboxURI}
	if sender.SharedInboxURI != "" {
		exclude = append(exclude, sender.SharedInboxURI)
	}
	msg, err := p.builder.BuildAnnounce(ctx, community.Ref, raw, objectRef, exclude)
	if err != nil {
		p.logger.Error("Inbox: Failed to build announce", zap.String("community", community.Ref.String()), zap.Error(err))
		return
	}
	if err := p.outbox.Submit(ctx, msg); err != nil {
		p.logger.Error("Inbox: Failed to queue announce", zap.String("community", community.Ref.String()), zap.Error(err))
	}
}
