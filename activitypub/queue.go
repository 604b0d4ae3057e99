package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// retrySchedule is the wait after the nth failed attempt; the last entry
// repeats until MaxAttempts is reached.
var retrySchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

const retryBatchSize = 50

// RetryDelay returns how long to wait after the given number of failed attempts.
func RetryDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retrySchedule) {
		idx = len(retrySchedule) - 1
	}
	return retrySchedule[idx]
}

type QueueConfig struct {
	Size          int
	Lanes         int
	MaxConcurrent int
	MaxAttempts   int
	RetryInterval time.Duration
}

type laneJob struct {
	msg   domain.OutgoingMessage
	items []domain.DeliveryQueueItem
}

// Queue persists outgoing messages and delivers them. Messages about the
// same object always go through the same lane, and a delivery never
// overtakes an earlier one for the same object and inbox.
type Queue struct {
	store     DeliveryStore
	audience  *AudienceResolver
	transport Transport
	conf      QueueConfig
	logger    *zap.Logger
	now       func() time.Time

	// OnDropped is called for messages that could not be persisted.
	OnDropped func(msg domain.OutgoingMessage, err error)
	dropped   atomic.Int64

	in    chan domain.OutgoingMessage
	lanes []chan laneJob
	sem   *semaphore.Weighted

	mu       sync.RWMutex
	closed   bool
	started  bool
	closing  chan struct{}
	stopOnce sync.Once

	claimMu  sync.Mutex
	inflight map[uuid.UUID]bool

	ctx          context.Context
	cancel       context.CancelFunc
	consumerDone chan struct{}
	lanesDone    chan struct{}
	retryDone    chan struct{}
}

func NewQueue(store DeliveryStore, audience *AudienceResolver, transport Transport, conf QueueConfig, logger *zap.Logger) *Queue {
	if conf.Lanes < 1 {
		conf.Lanes = 1
	}
	if conf.MaxConcurrent < 1 {
		conf.MaxConcurrent = 1
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = time.Minute
	}
	q := &Queue{
		store:        store,
		audience:     audience,
		transport:    transport,
		conf:         conf,
		logger:       logger,
		now:          time.Now,
		in:           make(chan domain.OutgoingMessage, conf.Size),
		lanes:        make([]chan laneJob, conf.Lanes),
		sem:          semaphore.NewWeighted(int64(conf.MaxConcurrent)),
		inflight:     make(map[uuid.UUID]bool),
		closing:      make(chan struct{}),
		consumerDone: make(chan struct{}),
		lanesDone:    make(chan struct{}),
		retryDone:    make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan laneJob, conf.Size)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Start launches the consumer, the lanes and the retry worker.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	go q.consume()

	var wg sync.WaitGroup
	for _, lane := range q.lanes {
		wg.Add(1)
		go func(lane chan laneJob) {
			defer wg.Done()
			q.runLane(lane)
		}(lane)
	}
	go func() {
		wg.Wait()
		close(q.lanesDone)
	}()

	go q.retryLoop()
	q.logger.Info("DeliveryWorker: Started", zap.Int("lanes", len(q.lanes)), zap.Int("maxConcurrent", q.conf.MaxConcurrent))
}

// Submit hands a message to the queue. It blocks while the queue is full,
// until Stop is called.
func (q *Queue) Submit(ctx context.Context, msg domain.OutgoingMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.in <- msg:
		return nil
	case <-q.closing:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new messages, persists everything already submitted and
// waits for the lanes to finish their current work.
func (q *Queue) Stop(ctx context.Context) error {
	// Wake blocked submitters so they release the read lock.
	q.stopOnce.Do(func() { close(q.closing) })
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.in)
	started := q.started
	q.mu.Unlock()

	defer q.cancel()
	if !started {
		// Nothing is running; persist what was submitted so the rows are
		// picked up on the next start.
		q.consume()
		return nil
	}

	if err := waitFor(ctx, q.consumerDone); err != nil {
		return fmt.Errorf("queue consumer did not drain: %w", err)
	}
	for _, lane := range q.lanes {
		close(lane)
	}
	if err := waitFor(ctx, q.lanesDone); err != nil {
		return fmt.Errorf("delivery lanes did not finish: %w", err)
	}
	q.cancel()
	if err := waitFor(ctx, q.retryDone); err != nil {
		return err
	}
	q.logger.Info("DeliveryWorker: Stopped")
	return nil
}

// Dropped is the number of messages lost to persistence failures.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) consume() {
	defer close(q.consumerDone)
	for msg := range q.in {
		q.persist(msg)
	}
}

// persist resolves the audience and stores the activity with its deliveries
// in one transaction, then hands the rows to the message's lane. If the lane
// is busy the rows wait for the retry worker.
func (q *Queue) persist(msg domain.OutgoingMessage) {
	inboxes, err := q.audience.Resolve(q.ctx, msg.Audience)
	if err != nil {
		q.drop(msg, fmt.Errorf("%w: resolving audience: %v", ErrPersistence, err))
		return
	}
	audienceJSON, err := json.Marshal(inboxes)
	if err != nil {
		q.drop(msg, fmt.Errorf("%w: %v", ErrPersistence, err))
		return
	}

	now := q.now()
	activity := &domain.Activity{
		ActivityURI:  msg.ID,
		ActivityType: msg.Kind,
		ActorURI:     msg.Actor.String(),
		ObjectURI:    msg.ObjectRef.String(),
		RawJSON:      string(msg.Payload),
		AudienceJSON: string(audienceJSON),
		Processed:    true,
		Sensitive:    msg.Sensitive,
		CreatedAt:    now,
		Local:        true,
	}
	items := make([]domain.DeliveryQueueItem, 0, len(inboxes))
	for _, inbox := range inboxes {
		items = append(items, domain.DeliveryQueueItem{
			Id:           uuid.New(),
			ActivityURI:  msg.ID,
			ObjectURI:    msg.ObjectRef.String(),
			ActorURI:     msg.Actor.String(),
			InboxURI:     inbox,
			ActivityJSON: string(msg.Payload),
			NextRetryAt:  now.Add(RetryDelay(1)),
			CreatedAt:    now,
		})
	}

	if err := q.store.EnqueueOutgoing(q.ctx, activity, items); err != nil {
		q.drop(msg, fmt.Errorf("%w: %v", ErrPersistence, err))
		return
	}
	q.logger.Debug("DeliveryWorker: Queued activity", zap.String("activity", msg.ID), zap.String("kind", msg.Kind), zap.Int("inboxes", len(items)))
	if len(items) == 0 {
		return
	}

	lane := q.lanes[laneFor(msg.ObjectRef, len(q.lanes))]
	select {
	case lane <- laneJob{msg: msg, items: items}:
	default:
		q.logger.Info("DeliveryWorker: Lane busy, leaving activity to retry worker", zap.String("activity", msg.ID))
	}
}

func (q *Queue) drop(msg domain.OutgoingMessage, err error) {
	q.dropped.Add(1)
	q.logger.Error("DeliveryWorker: Dropping activity", zap.String("activity", msg.ID), zap.String("kind", msg.Kind), zap.Error(err))
	if q.OnDropped != nil {
		q.OnDropped(msg, err)
	}
}

func laneFor(ref domain.RemoteRef, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(ref))
	return int(h.Sum32() % uint32(lanes))
}

// runLane delivers one message at a time; the inboxes of a message are
// served concurrently.
func (q *Queue) runLane(lane chan laneJob) {
	for job := range lane {
		var wg sync.WaitGroup
		for i := range job.items {
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(item domain.DeliveryQueueItem) {
				defer wg.Done()
				defer q.sem.Release(1)
				q.deliverOne(q.ctx, &item)
			}(job.items[i])
		}
		wg.Wait()
	}
}

func (q *Queue) retryLoop() {
	defer close(q.retryDone)
	ticker := time.NewTicker(q.conf.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RetryPending(q.ctx); err != nil {
				q.logger.Error("DeliveryWorker: Failed to read queue", zap.Error(err))
			}
		}
	}
}

// RetryPending works through due deliveries oldest first and returns how
// many it looked at.
func (q *Queue) RetryPending(ctx context.Context) (int, error) {
	items, err := q.store.ReadPendingDeliveries(ctx, q.now(), retryBatchSize)
	if err != nil {
		return 0, err
	}
	if len(items) > 0 {
		q.logger.Info("DeliveryWorker: Processing pending deliveries", zap.Int("count", len(items)))
	}
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		q.deliverOne(ctx, &items[i])
	}
	return len(items), nil
}

func (q *Queue) claim(id uuid.UUID) bool {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()
	if q.inflight[id] {
		return false
	}
	q.inflight[id] = true
	return true
}

func (q *Queue) release(id uuid.UUID) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()
	delete(q.inflight, id)
}

func (q *Queue) deliverOne(ctx context.Context, item *domain.DeliveryQueueItem) {
	if !q.claim(item.Id) {
		return
	}
	defer q.release(item.Id)

	earlier, err := q.store.HasEarlierPendingDelivery(ctx, item)
	if err != nil {
		q.logger.Error("DeliveryWorker: Failed to check ordering", zap.String("inbox", item.InboxURI), zap.Error(err))
		return
	}
	if earlier {
		q.logger.Debug("DeliveryWorker: Deferring until earlier delivery completes",
			zap.String("object", item.ObjectURI), zap.String("inbox", item.InboxURI))
		return
	}

	err = q.transport.Deliver(ctx, item)
	switch {
	case err == nil:
		q.logger.Info("DeliveryWorker: Successfully delivered", zap.String("inbox", item.InboxURI), zap.String("activity", item.ActivityURI))
		q.forget(ctx, item)
	case errors.Is(err, ErrDeliveryRejected):
		q.logger.Warn("DeliveryWorker: Delivery rejected", zap.String("inbox", item.InboxURI), zap.Error(err))
		q.forget(ctx, item)
	case ctx.Err() != nil:
		// Shutting down; the row stays due.
	default:
		attempts := item.Attempts + 1
		if attempts >= q.conf.MaxAttempts {
			q.logger.Warn("DeliveryWorker: Giving up on delivery",
				zap.String("inbox", item.InboxURI), zap.Int("attempts", attempts), zap.Error(err))
			q.forget(ctx, item)
			return
		}
		delay := RetryDelay(attempts)
		q.logger.Info("DeliveryWorker: Delivery failed",
			zap.String("inbox", item.InboxURI), zap.Int("attempt", attempts), zap.Duration("retryIn", delay), zap.Error(err))
		if err := q.store.UpdateDeliveryAttempt(ctx, item.Id, attempts, q.now().Add(delay)); err != nil {
			q.logger.Error("DeliveryWorker: Failed to reschedule", zap.String("inbox", item.InboxURI), zap.Error(err))
		}
	}
}

func (q *Queue) forget(ctx context.Context, item *domain.DeliveryQueueItem) {
	if err := q.store.DeleteDelivery(ctx, item.Id); err != nil {
		q.logger.Error("DeliveryWorker: Failed to remove delivery", zap.String("inbox", item.InboxURI), zap.Error(err))
	}
}
