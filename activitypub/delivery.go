package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deemkeen/agora/domain"
	"go.uber.org/zap"
)

// Transport sends one queued delivery.
type Transport interface {
	Deliver(ctx context.Context, item *domain.DeliveryQueueItem) error
}

// HTTPTransport signs deliveries with the sending actor's key and POSTs
// them, retrying transient failures a few times before giving the row back
// to the durable retry schedule.
type HTTPTransport struct {
	store           ActorStore
	client          *http.Client
	userAgent       string
	maxRetries      uint64
	initialInterval time.Duration
	logger          *zap.Logger
}

func NewHTTPTransport(store ActorStore, client *http.Client, userAgent string, logger *zap.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		store:           store,
		client:          client,
		userAgent:       userAgent,
		maxRetries:      2,
		initialInterval: 500 * time.Millisecond,
		logger:          logger,
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	actor, err := t.store.ReadActorByRef(ctx, domain.RemoteRef(item.ActorURI))
	if err != nil {
		return fmt.Errorf("failed to load sending actor %s: %w", item.ActorURI, err)
	}
	if !actor.Local || actor.PrivateKeyPem == "" {
		return fmt.Errorf("%w: %s has no signing key", ErrDeliveryRejected, actor.Ref)
	}
	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeliveryRejected, actor.Ref, err)
	}
	body := []byte(item.ActivityJSON)
	keyId := KeyId(actor.Ref)

	post := func() error {
		// Each attempt needs a fresh Date and signature.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURI, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrDeliveryRejected, err))
		}
		req.Header.Set("Content-Type", ContentType)
		req.Header.Set("Accept", ContentType)
		req.Header.Set("User-Agent", t.userAgent)
		if err := SignRequest(req, key, keyId, body); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to sign request: %w", err))
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("%w: remote server returned status: %d", ErrDeliveryRejected, resp.StatusCode))
		default:
			return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.initialInterval
	err = backoff.Retry(post, backoff.WithContext(backoff.WithMaxRetries(policy, t.maxRetries), ctx))
	if err != nil {
		return err
	}
	t.logger.Debug("DeliveryWorker: Delivered", zap.String("inbox", item.InboxURI), zap.String("activity", item.ActivityURI))
	return nil
}
