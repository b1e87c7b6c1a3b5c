// Package coordinator drives the pipeline: it drains normalized upload
// events off a bounded queue, serializes work per session through the
// session locker, runs inference attempts with retry and backoff, and
// finalizes sessions once every expected view has a result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/posturelab/posture-pipeline/internal/aggregate"
	"github.com/posturelab/posture-pipeline/internal/event"
	"github.com/posturelab/posture-pipeline/internal/inference"
	"github.com/posturelab/posture-pipeline/internal/metrics"
	"github.com/posturelab/posture-pipeline/internal/session"
)

var (
	// ErrQueueFull is returned by Enqueue when the event queue is at
	// capacity. Callers should surface backpressure, not block.
	ErrQueueFull = errors.New("event queue is full")

	// ErrSessionNotFound is returned by the status, cancel, and retry
	// operations for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when cancel or retry is requested
	// from a state that does not allow it.
	ErrInvalidTransition = errors.New("operation not allowed in current session state")
)

// Adapter runs one inference pass over a local recording and returns the
// per-view result. *inference.Client is the production implementation.
type Adapter interface {
	Infer(ctx context.Context, modelName, view, localPath string) (*inference.ViewResult, error)
}

// ObjectStore abstracts the recording bucket: fetching one upload for
// processing and listing a user's uploads for session re-attempts.
type ObjectStore interface {
	Fetch(ctx context.Context, key string) (localPath string, cleanup func(), err error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config tunes the coordinator.
type Config struct {
	// Workers is the number of concurrent dispatch workers.
	Workers int
	// QueueSize bounds the in-memory event queue.
	QueueSize int
	// Backoff paces adapter retries.
	Backoff Policy
	// RequeueDelay is how long a lock-timed-out event waits before being
	// offered to the queue again.
	RequeueDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    256,
		Backoff:      DefaultPolicy(),
		RequeueDelay: 10 * time.Second,
	}
}

type queuedEvent struct {
	ev         event.NormalizedEvent
	dispatchID string
}

// Coordinator owns the dispatch pipeline between the webhook and the
// session store.
type Coordinator struct {
	store   session.Store
	locker  *session.Locker
	adapter Adapter
	objects ObjectStore
	cfg     Config

	queue chan queuedEvent

	mu     sync.Mutex
	closed bool

	workers  sync.WaitGroup
	requeues sync.WaitGroup
	stopped  chan struct{}
}

// New wires a coordinator. Call Start to launch workers.
func New(store session.Store, locker *session.Locker, adapter Adapter, objects ObjectStore, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Backoff == (Policy{}) {
		cfg.Backoff = DefaultPolicy()
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultConfig().RequeueDelay
	}
	return &Coordinator{
		store:   store,
		locker:  locker,
		adapter: adapter,
		objects: objects,
		cfg:     cfg,
		queue:   make(chan queuedEvent, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Start launches the dispatch workers. ctx bounds all dispatch work; when
// it is cancelled workers finish their current event and exit.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			for q := range c.queue {
				if ctx.Err() != nil {
					log.Warn().Str("dispatchId", q.dispatchID).Msg("Dropping queued event on shutdown")
					continue
				}
				c.process(ctx, q)
			}
		}()
	}
	log.Info().Int("workers", c.cfg.Workers).Int("queueSize", c.cfg.QueueSize).Msg("Coordinator started")
}

// Stop closes the queue, waits for pending requeues to resolve, and waits
// for workers to drain.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopped)
	c.mu.Unlock()

	c.requeues.Wait()

	c.mu.Lock()
	close(c.queue)
	c.mu.Unlock()

	c.workers.Wait()
	log.Info().Msg("Coordinator stopped")
}

// Enqueue offers a normalized event to the dispatch queue without blocking.
func (c *Coordinator) Enqueue(ev event.NormalizedEvent) error {
	return c.offer(queuedEvent{ev: ev, dispatchID: uuid.NewString()})
}

func (c *Coordinator) offer(q queuedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("coordinator is stopped")
	}
	select {
	case c.queue <- q:
		return nil
	default:
		metrics.New().Dimension("Model", q.ev.ModelName).Count("QueueRejects").Flush()
		return ErrQueueFull
	}
}

// requeueLater re-offers a lock-timed-out event after a delay, unless the
// coordinator stops first.
func (c *Coordinator) requeueLater(q queuedEvent) {
	c.requeues.Add(1)
	go func() {
		defer c.requeues.Done()
		timer := time.NewTimer(c.cfg.RequeueDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.stopped:
			return
		}
		if err := c.offer(q); err != nil {
			log.Warn().Err(err).Str("dispatchId", q.dispatchID).Msg("Requeue dropped")
		}
	}()
}

// process runs one queued event under the session lock.
func (c *Coordinator) process(ctx context.Context, q queuedEvent) {
	ev := q.ev
	logger := log.With().
		Str("dispatchId", q.dispatchID).
		Str("owner", ev.OwnerID).
		Str("session", ev.SessionID).
		Str("view", ev.View).
		Str("model", ev.ModelName).
		Logger()

	start := time.Now()
	err := c.locker.WithLock(ctx, ev.OwnerID, ev.SessionID, func(lockCtx context.Context) error {
		return c.dispatch(lockCtx, ctx, q)
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrLockTimeout):
		logger.Warn().Dur("waited", time.Since(start)).Msg("Session lock timed out, requeueing event")
		metrics.New().Dimension("Model", ev.ModelName).Count("LockTimeouts").
			Property("sessionId", ev.SessionID).Flush()
		c.requeueLater(q)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Msg("Dispatch abandoned on shutdown")
	default:
		// Dispatch failures are contained to the session; the worker
		// carries on with the next event.
		logger.Error().Err(err).Msg("Dispatch failed")
	}
}

// dispatch holds the session lock. lockCtx carries the session cancel
// signal; workerCtx is the coordinator's own lifetime, used to tell session
// cancellation apart from shutdown and to persist state after cancellation.
func (c *Coordinator) dispatch(lockCtx, workerCtx context.Context, q queuedEvent) error {
	ev := q.ev
	logger := log.With().
		Str("dispatchId", q.dispatchID).
		Str("owner", ev.OwnerID).
		Str("session", ev.SessionID).
		Str("view", ev.View).
		Logger()

	s, created, err := c.store.GetOrCreate(lockCtx, ev.OwnerID, ev.SessionID, ev.ModelName, ev.DefaultExpectedViews())
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if created {
		logger.Info().Strs("expectedViews", s.ExpectedViews).Msg("Session created")
	}

	if s.Status.Terminal() {
		logger.Info().Str("status", string(s.Status)).Msg("Dropping event for terminal session")
		return nil
	}
	if !s.Expects(ev.View) {
		logger.Warn().Strs("expectedViews", s.ExpectedViews).Msg("Dropping event for undeclared view")
		return nil
	}
	if s.HasView(ev.View) {
		if s.ViewObjectKey(ev.View) == ev.ObjectKey {
			logger.Info().Msg("Dropping duplicate delivery for completed view")
			return nil
		}
		// A different object under the same view is a re-upload. The
		// newest recording wins.
		logger.Warn().Str("previousKey", s.ViewObjectKey(ev.View)).Msg("View re-uploaded, replacing result")
	}

	localPath, cleanup, err := c.objects.Fetch(lockCtx, ev.ObjectKey)
	if err != nil {
		if lockCtx.Err() != nil {
			return c.handleCancelled(workerCtx, s, logger)
		}
		c.failSession(workerCtx, s, fmt.Sprintf("fetch recording %s: %v", ev.ObjectKey, err), logger)
		return nil
	}
	defer cleanup()

	result, outcome := c.runAttempts(lockCtx, s, ev, localPath, logger)
	switch outcome {
	case attemptCancelled:
		return c.handleCancelled(workerCtx, s, logger)
	case attemptFailed:
		return nil // session already marked failed and saved
	}

	if err := s.RecordView(ev.View, ev.ObjectKey, result); err != nil {
		return fmt.Errorf("record view: %w", err)
	}

	if s.Complete() {
		views := s.ViewResults()
		combined := aggregate.Aggregate(s.ModelName, views)
		if err := s.MarkCompleted(combined, aggregate.Feedback(views)); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		logger.Info().Int("views", len(views)).Msg("Session completed")
	}

	if err := c.store.Save(context.WithoutCancel(workerCtx), s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	metrics.New().
		Dimension("Model", ev.ModelName).
		Count("ViewsCompleted").
		Metric("ViewAttempts", float64(s.ViewAttempts[ev.View]), metrics.UnitCount).
		Property("sessionId", ev.SessionID).
		Property("view", ev.View).
		Flush()
	return nil
}

type attemptOutcome int

const (
	attemptOK attemptOutcome = iota
	attemptFailed
	attemptCancelled
)

// runAttempts drives the adapter with retry and backoff. On attemptFailed
// the session has already been marked failed and saved.
func (c *Coordinator) runAttempts(ctx context.Context, s *session.Session, ev event.NormalizedEvent, localPath string, logger zerolog.Logger) (*inference.ViewResult, attemptOutcome) {
	for attempt := 1; ; attempt++ {
		total := s.AddAttempt(ev.View)

		start := time.Now()
		result, err := c.adapter.Infer(ctx, ev.ModelName, ev.View, localPath)
		latency := time.Since(start)
		if err == nil {
			logger.Info().Int("attempt", attempt).Dur("latency", latency).Msg("Inference succeeded")
			metrics.New().Dimension("Model", ev.ModelName).
				Metric("AdapterLatencyMs", float64(latency.Milliseconds()), metrics.UnitMilliseconds).
				Property("sessionId", ev.SessionID).Flush()
			return result, attemptOK
		}

		f := inference.AsFailure(err)
		if f.Kind == inference.KindCancelled || ctx.Err() != nil {
			return nil, attemptCancelled
		}
		if !f.Retryable() {
			c.failSession(ctx, s, fmt.Sprintf("view %s: %v", ev.View, err), logger)
			return nil, attemptFailed
		}
		if attempt > c.cfg.Backoff.MaxRetries {
			c.failSession(ctx, s, fmt.Sprintf("view %s: retries exhausted after %d attempts: %v", ev.View, total, err), logger)
			return nil, attemptFailed
		}

		delay := c.cfg.Backoff.Delay(attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Inference attempt failed, backing off")
		metrics.New().Dimension("Model", ev.ModelName).Count("AdapterRetries").
			Property("sessionId", ev.SessionID).Flush()
		if err := wait(ctx, delay); err != nil {
			return nil, attemptCancelled
		}
	}
}

// handleCancelled records cancellation when the session's own cancel signal
// fired. A shutdown of the coordinator leaves the session untouched so a
// restart can resume it.
func (c *Coordinator) handleCancelled(workerCtx context.Context, s *session.Session, logger zerolog.Logger) error {
	if workerCtx.Err() != nil {
		return workerCtx.Err()
	}
	s.MarkCancelled()
	if err := c.store.Save(context.WithoutCancel(workerCtx), s); err != nil {
		return fmt.Errorf("save cancelled session: %w", err)
	}
	logger.Info().Msg("Session cancelled during dispatch")
	return nil
}

func (c *Coordinator) failSession(ctx context.Context, s *session.Session, reason string, logger zerolog.Logger) {
	s.MarkFailed(reason)
	if err := c.store.Save(context.WithoutCancel(ctx), s); err != nil {
		logger.Error().Err(err).Msg("Failed to persist failed session")
		return
	}
	logger.Error().Str("reason", reason).Msg("Session failed")
	metrics.New().Dimension("Model", s.ModelName).Count("SessionsFailed").
		Property("sessionId", s.SessionID).Flush()
}

// Status returns the client-facing snapshot of a session.
func (c *Coordinator) Status(ctx context.Context, ownerID, sessionID string) (session.StatusView, error) {
	s, err := c.store.Get(ctx, ownerID, sessionID)
	if err != nil {
		return session.StatusView{}, err
	}
	if s == nil {
		return session.StatusView{}, ErrSessionNotFound
	}
	return s.StatusSnapshot()
}

// Cancel stops a pending or in-progress session. The in-memory signal fires
// first so an in-flight adapter call or backoff wait unblocks immediately;
// the durable status write then happens under the lock. Cancelling an
// already-cancelled session is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, ownerID, sessionID string) error {
	c.locker.Cancel(ownerID, sessionID)

	return c.locker.WithLock(ctx, ownerID, sessionID, func(lockCtx context.Context) error {
		s, err := c.store.Get(context.WithoutCancel(lockCtx), ownerID, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return ErrSessionNotFound
		}
		switch s.Status {
		case session.StatusCancelled:
			return nil
		case session.StatusCompleted, session.StatusFailed:
			return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.Status)
		}
		s.MarkCancelled()
		if err := c.store.Save(context.WithoutCancel(lockCtx), s); err != nil {
			return fmt.Errorf("save cancelled session: %w", err)
		}
		log.Info().Str("owner", ownerID).Str("session", sessionID).Msg("Session cancelled")
		return nil
	})
}

// Retry returns a failed session to pending and re-enqueues its uploads,
// re-discovered from the bucket listing. Only failed sessions can be
// re-attempted.
func (c *Coordinator) Retry(ctx context.Context, ownerID, sessionID string) error {
	return c.locker.WithLock(ctx, ownerID, sessionID, func(lockCtx context.Context) error {
		s, err := c.store.Get(lockCtx, ownerID, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return ErrSessionNotFound
		}
		if s.Status != session.StatusFailed {
			return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, s.Status)
		}

		keys, err := c.objects.List(lockCtx, ownerPrefix(ownerID))
		if err != nil {
			return fmt.Errorf("list session uploads: %w", err)
		}

		var events []event.NormalizedEvent
		for _, key := range keys {
			ev, err := event.ParseObjectKey(key)
			if err != nil || ev.SessionID != sessionID || ev.OwnerID != ownerID {
				continue
			}
			ev.ExpectedViews = s.ExpectedViews
			events = append(events, ev)
		}
		if len(events) == 0 {
			return fmt.Errorf("no uploads found for session %s/%s", ownerID, sessionID)
		}

		if err := s.Reset(); err != nil {
			return err
		}
		if err := c.store.Save(lockCtx, s); err != nil {
			return fmt.Errorf("save reset session: %w", err)
		}

		for _, ev := range events {
			if err := c.Enqueue(ev); err != nil {
				log.Warn().Err(err).Str("key", ev.ObjectKey).Msg("Retry enqueue failed")
			}
		}
		log.Info().Str("owner", ownerID).Str("session", sessionID).Int("events", len(events)).Msg("Session retry started")
		metrics.New().Dimension("Model", s.ModelName).Count("SessionRetries").
			Property("sessionId", sessionID).Flush()
		return nil
	})
}

// ownerPrefix is the bucket listing prefix for a user's uploads.
func ownerPrefix(ownerID string) string {
	return ownerID + "/"
}
