package activitypub

import (
	"context"
	"fmt"
	"strings"

	"github.com/deemkeen/agora/domain"
)

// ResolveQuery resolves what a user typed into search: the URL of an actor
// or object, @name@host for a person or !name@host for a community. Every
// lookup of one query spends from the same budget.
func (r *Resolver) ResolveQuery(ctx context.Context, q string, budget *RecursionBudget) (*Resolved, error) {
	q = strings.TrimSpace(q)
	switch {
	case strings.HasPrefix(q, "!"):
		actor, err := r.resolveHandle(ctx, strings.TrimPrefix(q, "!"), domain.ActorCommunity, budget)
		if err != nil {
			return nil, err
		}
		return &Resolved{Actor: actor}, nil
	case strings.HasPrefix(q, "@"):
		actor, err := r.resolveHandle(ctx, q, domain.ActorPerson, budget)
		if err != nil {
			return nil, err
		}
		return &Resolved{Actor: actor}, nil
	case strings.HasPrefix(q, "https://"), strings.HasPrefix(q, "http://"):
		return r.Resolve(ctx, domain.RemoteRef(q), budget)
	}
	return nil, fmt.Errorf("%w: cannot resolve query %q", ErrInvalidReference, q)
}

// resolveHandle looks up name@host. Local handles never leave the database.
func (r *Resolver) resolveHandle(ctx context.Context, handle string, kind domain.ActorKind, budget *RecursionBudget) (*domain.CachedActor, error) {
	name, host, err := ParseAcct(handle)
	if err != nil {
		return nil, err
	}
	if local := domain.LocalActorRef(r.policy.Protocol, host, kind, name); r.policy.IsLocal(local) {
		return r.resolveActorKind(ctx, local, kind, budget)
	}
	ref, err := r.Webfinger(ctx, name, host, budget)
	if err != nil {
		return nil, err
	}
	return r.resolveActorKind(ctx, ref, kind, budget)
}
