package activitypub

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/agora/domain"
	"go.uber.org/zap"
)

// maxDocumentSize caps fetched documents; actors and objects are small.
const maxDocumentSize = 1 << 20

// RequestSigner returns the key used to sign outgoing GETs. Returning a nil
// key sends the request unsigned.
type RequestSigner func(ctx context.Context) (keyId string, key *rsa.PrivateKey, err error)

// Fetcher performs the policy-checked, validated GETs of the resolver.
type Fetcher struct {
	client    *http.Client
	policy    *DomainPolicy
	signer    RequestSigner
	userAgent string
	logger    *zap.Logger
}

func NewFetcher(client *http.Client, policy *DomainPolicy, signer RequestSigner, userAgent string, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Fetcher{client: client, policy: policy, signer: signer, userAgent: userAgent, logger: logger}
}

// Fetch spends one unit of budget and GETs ref as an ActivityStreams document.
// The document's id must live on the same host as ref.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.RemoteRef, budget *RecursionBudget) ([]byte, error) {
	if err := f.policy.Check(ref); err != nil {
		return nil, err
	}
	if err := budget.Spend(); err != nil {
		return nil, err
	}

	body, err := f.get(ctx, ref.String(), ContentType, isActivityStreamsContentType)
	if err != nil {
		return nil, err
	}

	doc, err := peekType(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteFetchFailed, ref, err)
	}
	if doc.Id == "" {
		return nil, fmt.Errorf("%w: %s: document has no id", ErrRemoteFetchFailed, ref)
	}
	if domain.RemoteRef(doc.Id).Host() != ref.Host() {
		return nil, fmt.Errorf("%w: %s returned document with foreign id %s", ErrInvalidReference, ref, doc.Id)
	}
	return body, nil
}

// get issues the request; accept validates the response content type.
func (f *Fetcher) get(ctx context.Context, url, accept string, acceptable func(string) bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", f.userAgent)

	if f.signer != nil {
		keyId, key, err := f.signer(ctx)
		if err != nil {
			f.logger.Warn("Fetcher: Could not load signing key, sending unsigned", zap.Error(err))
		} else if key != nil {
			if err := SignRequest(req, key, keyId, nil); err != nil {
				return nil, fmt.Errorf("%w: signing %s: %v", ErrRemoteFetchFailed, url, err)
			}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteFetchFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRemoteFetchFailed, url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !acceptable(ct) {
		return nil, fmt.Errorf("%w: %s returned content type %q", ErrRemoteFetchFailed, url, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteFetchFailed, url, err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s: document too large", ErrRemoteFetchFailed, url)
	}
	f.logger.Debug("Fetcher: Fetched document", zap.String("url", url), zap.Int("bytes", len(body)))
	return body, nil
}
