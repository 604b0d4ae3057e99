package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"go.uber.org/zap"
)

// Federation wires the resolver, builder, queue and inbound pipeline
// together around one store.
type Federation struct {
	conf     *util.AppConfig
	store    Store
	logger   *zap.Logger
	Policy   *DomainPolicy
	Resolver *Resolver
	Builder  *Builder
	Queue    *Queue
	Pipeline *Pipeline
}

func New(conf *util.AppConfig, store Store, notifier Notifier, logger *zap.Logger) (*Federation, error) {
	filter, err := NewContentFilter(conf.Site.SlurFilter)
	if err != nil {
		return nil, err
	}
	fc := conf.Federation
	userAgent := util.UserAgent(conf.Domain())

	f := &Federation{conf: conf, store: store, logger: logger}
	f.Policy = NewDomainPolicy(conf)

	fetcher := NewFetcher(&http.Client{Timeout: fc.FetchTimeout}, f.Policy, f.siteKey, userAgent, logger)
	f.Resolver = NewResolver(store, fetcher, f.Policy, fc.RefreshInterval, fc.OutboxPrefetch, logger)
	f.Builder = NewBuilder(store, f.Resolver, f.Policy, fc.RecursionBudget, logger)

	transport := NewHTTPTransport(store, &http.Client{Timeout: fc.DeliveryTimeout}, userAgent, logger)
	f.Queue = NewQueue(store, NewAudienceResolver(store, f.Policy, logger), transport, QueueConfig{
		Size:          fc.QueueSize,
		Lanes:         fc.Lanes,
		MaxConcurrent: fc.MaxConcurrentDeliveries,
		MaxAttempts:   fc.MaxAttempts,
		RetryInterval: fc.RetryInterval,
	}, logger)

	f.Pipeline = NewPipeline(store, f.Resolver, f.Policy, filter, f.Builder, f.Queue, notifier, fc.RecursionBudget, logger)
	f.Resolver.AdmitObjectsWith(f.Pipeline.AdmitObject)
	return f, nil
}

func (f *Federation) Start() {
	f.Queue.Start()
}

func (f *Federation) Stop(ctx context.Context) error {
	return f.Queue.Stop(ctx)
}

// Publish builds the messages for a local event and queues them.
func (f *Federation) Publish(ctx context.Context, ev domain.DomainEvent) error {
	if !f.conf.Federation.Enabled {
		return nil
	}
	msgs, err := f.Builder.Build(ctx, ev)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := f.Queue.Submit(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *Federation) Receive(ctx context.Context, in InboundRequest) (*Result, error) {
	return f.Pipeline.Receive(ctx, in)
}

// EnsureLocalActor returns the local actor of the given kind and name,
// creating it with a fresh keypair on first use.
func (f *Federation) EnsureLocalActor(ctx context.Context, kind domain.ActorKind, name, displayName string) (*domain.CachedActor, error) {
	existing, err := f.store.ReadLocalActor(ctx, kind, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	keys, err := util.GeneratePemKeypair(util.DefaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys for %s: %w", name, err)
	}
	host := f.conf.Domain()
	protocol := f.conf.Conf.Protocol
	ref := domain.LocalActorRef(protocol, host, kind, name)
	actor := &domain.CachedActor{
		Kind:           kind,
		Ref:            ref,
		Name:           name,
		Domain:         host,
		DisplayName:    displayName,
		PublicKeyPem:   keys.Public,
		PrivateKeyPem:  keys.Private,
		InboxURI:       ref.String() + "/inbox",
		SharedInboxURI: fmt.Sprintf("%s://%s/inbox", protocol, host),
		FollowersURI:   ref.String() + "/followers",
		OutboxURI:      ref.String() + "/outbox",
		Local:          true,
	}
	stored, err := f.store.UpsertActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Created local actor", zap.String("ref", ref.String()), zap.String("kind", string(kind)))
	return stored, nil
}

// siteKey signs outgoing fetches as the site actor, for instances that
// require authorized fetch.
func (f *Federation) siteKey(ctx context.Context) (string, *rsa.PrivateKey, error) {
	site, err := f.store.ReadLocalActor(ctx, domain.ActorSite, "")
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	key, err := ParsePrivateKey(site.PrivateKeyPem)
	if err != nil {
		return "", nil, err
	}
	return KeyId(site.Ref), key, nil
}
