// Package delivery drives per-channel delivery records through the
// pending -> sending -> sent/failed/retrying state machine with capped,
// jittered exponential backoff.
package delivery

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Sender delivers one record's message to an external channel. Implementations
// should treat rec.ID as an idempotency key and mark transient failures with
// Retryable.
type Sender interface {
	Send(ctx context.Context, rec model.DeliveryRecord, msg model.Message) error
}

// Channel is a configured delivery target.
type Channel struct {
	ID     string
	Type   string
	Sender Sender
}

// Resolver looks up configured channels by id.
type Resolver interface {
	Channel(id string) (Channel, bool)
}

// Options tune retry and concurrency behaviour.
type Options struct {
	MaxAttempts               int
	Backoff                   Backoff
	Workers                   int
	ChannelConcurrency        map[string]int
	DefaultChannelConcurrency int
	SendTimeout               time.Duration
	Now                       func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 2 * time.Second
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 5 * time.Minute
	}
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.DefaultChannelConcurrency <= 0 {
		o.DefaultChannelConcurrency = 4
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler owns every non-terminal delivery record. Due records are kept in a
// heap keyed by their next attempt time and started by Run; each attempt holds
// a slot of its channel type's semaphore and of the global one, so a slow
// channel type cannot take every worker.
type Scheduler struct {
	resolver Resolver
	log      Log
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	queue   retryQueue
	perType map[string]*semaphore.Weighted

	global *semaphore.Weighted
	wake   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler constructs a Scheduler. Records are only attempted while Run is
// active.
func NewScheduler(resolver Resolver, log Log, opts Options, logger zerolog.Logger) *Scheduler {
	opts.setDefaults()
	if log == nil {
		log = NewMemoryLog()
	}
	return &Scheduler{
		resolver: resolver,
		log:      log,
		opts:     opts,
		logger:   logger.With().Str("component", "delivery").Logger(),
		entries:  make(map[string]*entry),
		perType:  make(map[string]*semaphore.Weighted),
		global:   semaphore.NewWeighted(int64(opts.Workers)),
		wake:     make(chan struct{}, 1),
	}
}

// Dispatch creates one record per target channel of alert and queues them for
// immediate delivery.
func (s *Scheduler) Dispatch(ctx context.Context, alert model.PendingAlert) ([]model.DeliveryRecord, error) {
	return s.create(ctx, alert.ID, "", alert.RuleID, alert.Channels, alert.Message, false)
}

// Hold creates pending records for alert without queueing them. They wait for
// Release or Cancel.
func (s *Scheduler) Hold(ctx context.Context, alert model.PendingAlert) ([]string, error) {
	recs, err := s.create(ctx, alert.ID, "", alert.RuleID, alert.Channels, alert.Message, true)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids, err
}

// DispatchBatch creates one record per channel for a batch and queues them.
func (s *Scheduler) DispatchBatch(ctx context.Context, batch model.Batch, msg model.Message) ([]model.DeliveryRecord, error) {
	ruleID := ""
	if len(batch.RuleIDs) == 1 {
		ruleID = batch.RuleIDs[0]
	}
	return s.create(ctx, batch.ID, batch.ID, ruleID, batch.Channels, msg, false)
}

func (s *Scheduler) create(ctx context.Context, alertID, batchID, ruleID string, channels []string, msg model.Message, held bool) ([]model.DeliveryRecord, error) {
	now := s.opts.Now().UTC()
	created := make([]*entry, 0, len(channels))
	out := make([]model.DeliveryRecord, 0, len(channels))
	var errs []error

	for _, chID := range channels {
		rec := model.DeliveryRecord{
			ID:          uuid.NewString(),
			AlertID:     alertID,
			BatchID:     batchID,
			RuleID:      ruleID,
			ChannelID:   chID,
			ChannelType: "unknown",
			Status:      model.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ch, ok := s.resolver.Channel(chID)
		if ok {
			rec.ChannelType = ch.Type
		} else {
			rec.Status = model.StatusFailed
			rec.LastError = ErrUnknownChannel.Error()
		}

		if err := s.log.Create(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("create delivery record for %s: %w", chID, err))
			s.logger.Error().Err(err).Str("alert_id", alertID).Str("channel", chID).Msg("failed to persist delivery record")
		}
		out = append(out, rec)
		if rec.Status == model.StatusFailed {
			s.logger.Warn().Str("alert_id", alertID).Str("channel", chID).Msg("no such channel, record failed")
			continue
		}
		created = append(created, &entry{rec: rec, msg: msg, due: now, index: -1, held: held})
	}

	s.mu.Lock()
	for _, e := range created {
		s.entries[e.rec.ID] = e
		if !e.held {
			heap.Push(&s.queue, e)
		}
	}
	s.mu.Unlock()
	s.signal()

	return out, errors.Join(errs...)
}

// Release queues held records for immediate delivery.
func (s *Scheduler) Release(_ context.Context, ids []string) {
	now := s.opts.Now()
	s.mu.Lock()
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok || !e.held {
			continue
		}
		e.held = false
		e.due = now
		heap.Push(&s.queue, e)
	}
	s.mu.Unlock()
	s.signal()
}

// Held returns the subset of ids that are still held.
func (s *Scheduler) Held(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.held {
			out = append(out, id)
		}
	}
	return out
}

// Claim cancels the records in ids that are still held and returns their ids.
// Records cancelled earlier, for example by CancelRule, are not returned.
func (s *Scheduler) Claim(ctx context.Context, ids []string, reason string) []string {
	var done []model.DeliveryRecord
	var claimed []string

	s.mu.Lock()
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok || !e.held {
			continue
		}
		if rec, ok := s.cancelLocked(e, reason); ok {
			done = append(done, rec)
			claimed = append(claimed, id)
		}
	}
	s.mu.Unlock()

	for _, rec := range done {
		s.persist(ctx, rec)
	}
	return claimed
}

// Cancel moves the records to cancelled. Queued and held records are cancelled
// at once; a record whose attempt is in flight is cancelled if that attempt
// does not succeed. It returns the number of records affected.
func (s *Scheduler) Cancel(ctx context.Context, ids []string, reason string) int {
	var done []model.DeliveryRecord
	n := 0

	s.mu.Lock()
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		n++
		if rec, ok := s.cancelLocked(e, reason); ok {
			done = append(done, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range done {
		s.persist(ctx, rec)
	}
	return n
}

// CancelRule cancels every outstanding record produced by ruleID.
func (s *Scheduler) CancelRule(ctx context.Context, ruleID string) int {
	s.mu.Lock()
	ids := make([]string, 0)
	for id, e := range s.entries {
		if e.rec.RuleID == ruleID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	n := s.Cancel(ctx, ids, "rule disabled")
	if n > 0 {
		s.logger.Info().Str("rule_id", ruleID).Int("records", n).Msg("cancelled deliveries of disabled rule")
	}
	return n
}

func (s *Scheduler) cancelLocked(e *entry, reason string) (model.DeliveryRecord, bool) {
	if e.inflight {
		e.cancelRequested = true
		e.cancelReason = reason
		return model.DeliveryRecord{}, false
	}
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	s.finishLocked(e, model.StatusCancelled, reason)
	return e.rec, true
}

func (s *Scheduler) finishLocked(e *entry, status model.DeliveryStatus, lastErr string) {
	e.rec.Status = status
	e.rec.NextRetryAt = nil
	if lastErr != "" {
		e.rec.LastError = lastErr
	}
	e.rec.UpdatedAt = s.opts.Now().UTC()
	delete(s.entries, e.rec.ID)
}

// Record returns the current state of a record, live or from the log.
func (s *Scheduler) Record(ctx context.Context, id string) (model.DeliveryRecord, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	var rec model.DeliveryRecord
	if ok {
		rec = e.rec
	}
	s.mu.Unlock()
	if ok {
		return rec, nil
	}
	return s.log.Get(ctx, id)
}

// Outstanding returns the number of non-terminal records.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Prune removes log rows created before the cutoff.
func (s *Scheduler) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.log.PruneBefore(ctx, before)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts due attempts until ctx is cancelled, then waits for in-flight
// attempts to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Int("workers", s.opts.Workers).Int("max_attempts", s.opts.MaxAttempts).Msg("delivery scheduler started")
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.startDue(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// startDue launches every due entry and returns how long until the next one.
func (s *Scheduler) startDue(ctx context.Context) time.Duration {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.due.After(now) {
			return next.due.Sub(now)
		}
		heap.Pop(&s.queue)
		next.inflight = true
		s.wg.Add(1)
		go s.attempt(ctx, next)
	}
	return time.Hour
}

func (s *Scheduler) typeSemaphore(channelType string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.perType[channelType]
	if !ok {
		n := s.opts.ChannelConcurrency[channelType]
		if n <= 0 {
			n = s.opts.DefaultChannelConcurrency
		}
		sem = semaphore.NewWeighted(int64(n))
		s.perType[channelType] = sem
	}
	return sem
}

func (s *Scheduler) attempt(ctx context.Context, e *entry) {
	defer s.wg.Done()

	typeSem := s.typeSemaphore(e.rec.ChannelType)
	if err := typeSem.Acquire(ctx, 1); err != nil {
		s.abandon(ctx, e)
		return
	}
	defer typeSem.Release(1)
	if err := s.global.Acquire(ctx, 1); err != nil {
		s.abandon(ctx, e)
		return
	}
	defer s.global.Release(1)

	s.mu.Lock()
	if e.cancelRequested {
		e.inflight = false
		s.finishLocked(e, model.StatusCancelled, e.cancelReason)
		rec := e.rec
		s.mu.Unlock()
		s.persist(ctx, rec)
		return
	}
	now := s.opts.Now().UTC()
	e.rec.Status = model.StatusSending
	e.rec.SentAt = &now
	e.rec.NextRetryAt = nil
	e.rec.UpdatedAt = now
	snapshot := e.rec
	msg := e.msg
	s.mu.Unlock()
	s.persist(ctx, snapshot)

	err := s.send(ctx, snapshot, msg)

	s.mu.Lock()
	e.inflight = false
	log := s.logger.With().Str("record_id", e.rec.ID).Str("channel", e.rec.ChannelID).Int("retry_count", e.rec.RetryCount).Logger()
	switch {
	case err == nil:
		delivered := s.opts.Now().UTC()
		e.rec.DeliveredAt = &delivered
		e.rec.LastError = ""
		s.finishLocked(e, model.StatusSent, "")
		log.Debug().Msg("delivered")

	case e.cancelRequested:
		s.finishLocked(e, model.StatusCancelled, e.cancelReason)

	case IsRetryable(err):
		e.rec.RetryCount++
		if e.rec.RetryCount >= s.opts.MaxAttempts {
			s.finishLocked(e, model.StatusFailed, err.Error())
			log.Error().Err(err).Msg("delivery failed, retries exhausted")
			break
		}
		now := s.opts.Now()
		e.due = now.Add(max(s.opts.Backoff.Delay(e.rec.RetryCount), RetryAfter(err)))
		next := e.due.UTC()
		e.rec.Status = model.StatusRetrying
		e.rec.LastError = err.Error()
		e.rec.NextRetryAt = &next
		e.rec.UpdatedAt = now.UTC()
		heap.Push(&s.queue, e)
		log.Warn().Err(err).Time("next_retry_at", next).Msg("delivery failed, will retry")

	default:
		s.finishLocked(e, model.StatusFailed, err.Error())
		log.Error().Err(err).Msg("delivery failed")
	}
	rec := e.rec
	s.mu.Unlock()

	s.persist(ctx, rec)
	s.signal()
}

func (s *Scheduler) send(ctx context.Context, rec model.DeliveryRecord, msg model.Message) error {
	ch, ok := s.resolver.Channel(rec.ChannelID)
	if !ok || ch.Sender == nil {
		return ErrUnknownChannel
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	return ch.Sender.Send(sendCtx, rec, msg)
}

// abandon returns an entry whose attempt never started to the queue so a later
// Run picks it up.
func (s *Scheduler) abandon(ctx context.Context, e *entry) {
	s.mu.Lock()
	e.inflight = false
	if !e.cancelRequested {
		heap.Push(&s.queue, e)
		s.mu.Unlock()
		return
	}
	s.finishLocked(e, model.StatusCancelled, e.cancelReason)
	rec := e.rec
	s.mu.Unlock()
	s.persist(ctx, rec)
}

func (s *Scheduler) persist(ctx context.Context, rec model.DeliveryRecord) {
	// records must reach the log even while shutting down
	ctx = context.WithoutCancel(ctx)
	if err := s.log.Update(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.ID).Str("status", string(rec.Status)).Msg("failed to persist delivery record")
	}
}
