package activitypub

import (
	"context"

	"github.com/deemkeen/agora/domain"
	"go.uber.org/zap"
)

type audienceStore interface {
	ReadFollowerInboxes(ctx context.Context, target domain.RemoteRef) ([]domain.InboxPair, error)
	ReadInstanceInboxes(ctx context.Context) ([]domain.InboxPair, error)
}

// AudienceResolver expands an Audience into the concrete inboxes to POST to.
type AudienceResolver struct {
	store  audienceStore
	policy *DomainPolicy
	logger *zap.Logger
}

func NewAudienceResolver(store audienceStore, policy *DomainPolicy, logger *zap.Logger) *AudienceResolver {
	return &AudienceResolver{store: store, policy: policy, logger: logger}
}

// Resolve merges all rules of a into one list. Shared inboxes are preferred
// so each remote instance is reached once; local, excluded and disallowed
// inboxes are dropped. Order follows first appearance.
func (r *AudienceResolver) Resolve(ctx context.Context, a domain.Audience) ([]string, error) {
	var pairs []domain.InboxPair
	for _, inbox := range a.Inboxes {
		pairs = append(pairs, domain.InboxPair{Inbox: inbox})
	}

	for _, target := range []domain.RemoteRef{a.CommunityFollowers, a.PersonFollowers, a.FeedFollowers} {
		if target.IsEmpty() {
			continue
		}
		followers, err := r.store.ReadFollowerInboxes(ctx, target)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, followers...)
	}

	if a.AllInstances {
		all, err := r.store.ReadInstanceInboxes(ctx)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, all...)
	}

	skip := make(map[string]bool, len(a.Exclude))
	for _, inbox := range a.Exclude {
		skip[inbox] = true
	}

	var inboxes []string
	seen := make(map[string]bool)
	for _, pair := range pairs {
		inbox := pair.Inbox
		if pair.SharedInbox != "" {
			inbox = pair.SharedInbox
		}
		if inbox == "" || seen[inbox] || skip[inbox] || skip[pair.Inbox] {
			continue
		}
		seen[inbox] = true
		if r.policy.IsLocalInbox(inbox) {
			continue
		}
		if err := r.policy.Check(domain.RemoteRef(inbox)); err != nil {
			r.logger.Debug("Audience: Dropping inbox", zap.String("inbox", inbox), zap.Error(err))
			continue
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, nil
}
