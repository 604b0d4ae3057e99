package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/agora/domain"
)

const JRDContentType = "application/jrd+json"

// WebfingerLink is one link of a JRD document.
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebfingerDoc is the JRD returned by /.well-known/webfinger.
type WebfingerDoc struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// WebfingerFor describes a local actor.
func WebfingerFor(actor *domain.CachedActor) WebfingerDoc {
	ref := actor.Ref.String()
	return WebfingerDoc{
		Subject: "acct:" + actor.Handle(),
		Aliases: []string{ref},
		Links: []WebfingerLink{
			{Rel: "self", Type: ContentType, Href: ref},
		},
	}
}

// ParseAcct splits "acct:name@host" or "name@host" into its parts.
func ParseAcct(resource string) (name, host string, err error) {
	resource = strings.TrimPrefix(resource, "acct:")
	resource = strings.TrimPrefix(resource, "@")
	name, host, ok := strings.Cut(resource, "@")
	if !ok || name == "" || host == "" {
		return "", "", fmt.Errorf("%w: invalid account %q", ErrInvalidReference, resource)
	}
	return name, strings.ToLower(host), nil
}

// Webfinger looks up name@host and returns the actor ref it points to. The
// lookup counts against the budget like any other fetch.
func (r *Resolver) Webfinger(ctx context.Context, name, host string, budget *RecursionBudget) (domain.RemoteRef, error) {
	base := domain.RemoteRef(fmt.Sprintf("%s://%s/", r.policy.Protocol, host))
	if err := r.policy.Check(base); err != nil {
		return "", err
	}
	if err := budget.Spend(); err != nil {
		return "", err
	}

	query := url.Values{"resource": {fmt.Sprintf("acct:%s@%s", name, host)}}
	target := fmt.Sprintf("%s.well-known/webfinger?%s", base, query.Encode())
	body, err := r.fetcher.get(ctx, target, JRDContentType, isJSONContentType)
	if err != nil {
		return "", err
	}

	var doc WebfingerDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("%w: invalid webfinger response from %s: %v", ErrRemoteFetchFailed, host, err)
	}
	for _, link := range doc.Links {
		if link.Rel == "self" && isActivityStreamsContentType(link.Type) && link.Href != "" {
			return domain.RemoteRef(link.Href), nil
		}
	}
	return "", fmt.Errorf("%w: no actor link for %s@%s", ErrRemoteFetchFailed, name, host)
}

// ResolveMention resolves @name@host to a person actor.
func (r *Resolver) ResolveMention(ctx context.Context, m Mention, budget *RecursionBudget) (*domain.CachedActor, error) {
	ref, err := r.Webfinger(ctx, m.Name, m.Domain, budget)
	if err != nil {
		return nil, err
	}
	return r.ResolvePerson(ctx, ref, budget)
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "json")
}
