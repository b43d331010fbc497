// Package eventqueue buffers architect notification events per project and
// flushes the most urgent one after a quiet period, with deduplication and a
// per-project rate limit.
package eventqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pveassist/internal/config"
	"pveassist/internal/domain"
)

const (
	DefaultDebounce  = 800 * time.Millisecond
	DefaultDedupeTTL = 30 * time.Second
	DefaultRateLimit = 10 * time.Second
)

// FlushFunc delivers one event. Errors are logged and not retried.
type FlushFunc func(ctx context.Context, ev domain.ArchitectEvent) error

// Option customizes Queue and Manager construction.
type Option func(*settings)

type settings struct {
	clock     Clock
	logger    *zap.Logger
	debounce  time.Duration
	dedupeTTL time.Duration
	rateLimit time.Duration
}

func defaultSettings() settings {
	return settings{
		clock:     realClock{},
		logger:    zap.NewNop(),
		debounce:  DefaultDebounce,
		dedupeTTL: DefaultDedupeTTL,
		rateLimit: DefaultRateLimit,
	}
}

func WithClock(c Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimings applies the queue section of pve.yml. Zero values keep the defaults.
func WithTimings(q config.Queue) Option {
	return func(s *settings) {
		if d := q.Debounce(); d > 0 {
			s.debounce = d
		}
		if d := q.DedupeTTL(); d > 0 {
			s.dedupeTTL = d
		}
		if d := q.RateLimit(); d > 0 {
			s.rateLimit = d
		}
	}
}

// entry is a buffered event with its arrival bookkeeping.
type entry struct {
	event       domain.ArchitectEvent
	fingerprint string
	firstSeenAt time.Time
	lastSeenAt  time.Time
}

// Queue is the intake buffer of one project. It moves from idle to pending
// when an event is buffered and back to idle after a flush.
type Queue struct {
	projectID string
	onFlush   FlushFunc
	clock     Clock
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  []*entry
	index    map[string]*entry
	limiter  rateLimiter
	dedupe   deduper
	debounce debouncer
	closed   bool
}

func New(projectID string, onFlush FlushFunc, opts ...Option) *Queue {
	s := defaultSettings()
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		projectID: projectID,
		onFlush:   onFlush,
		clock:     s.clock,
		logger:    s.logger.With(zap.String("project", projectID)),
		ctx:       ctx,
		cancel:    cancel,
		index:     map[string]*entry{},
		limiter:   rateLimiter{window: s.rateLimit},
		dedupe:    newDeduper(s.dedupeTTL),
		debounce:  debouncer{clock: s.clock, delay: s.debounce},
	}
}

func (q *Queue) ProjectID() string { return q.projectID }

// Enqueue buffers events and restarts the debounce timer when at least one
// of them was accepted. It returns the number of accepted events.
func (q *Queue) Enqueue(events []domain.ArchitectEvent) int {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("enqueue on closed queue", zap.Int("events", len(events)))
		return 0
	}
	accepted := 0
	for _, ev := range events {
		ev = q.normalize(ev, now)
		if ev.ProjectID != q.projectID {
			q.logger.Warn("event for other project dropped", zap.String("event_project", ev.ProjectID), zap.String("type", ev.Type))
			continue
		}
		fp := Fingerprint(ev)
		if q.dedupe.duplicate(fp, now) {
			q.logger.Debug("duplicate event dropped", zap.String("type", ev.Type), zap.String("id", ev.ID))
			continue
		}
		accepted++
		if e, ok := q.index[fp]; ok {
			e.lastSeenAt = now
			if domain.PriorityRank(ev.Priority) > domain.PriorityRank(e.event.Priority) {
				e.event.Priority = ev.Priority
			}
			continue
		}
		e := &entry{event: ev, fingerprint: fp, firstSeenAt: now, lastSeenAt: now}
		q.entries = append(q.entries, e)
		q.index[fp] = e
	}
	if accepted > 0 {
		q.debounce.reset(q.fire)
	}
	return accepted
}

// Pending returns the number of buffered events.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops the timer, cancels an in-flight delivery and waits for it.
// Buffered events are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.debounce.stop()
	dropped := len(q.entries)
	q.entries = nil
	q.index = map[string]*entry{}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	if dropped > 0 {
		q.logger.Info("queue closed with pending events", zap.Int("dropped", dropped))
	}
}

func (q *Queue) normalize(ev domain.ArchitectEvent, now time.Time) domain.ArchitectEvent {
	if ev.ProjectID == "" {
		ev.ProjectID = q.projectID
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	switch ev.Priority {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
	default:
		ev.Priority = domain.PriorityLow
	}
	return ev
}

// fire runs when the debounce timer elapses.
func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	if q.closed || !q.debounce.current(gen) || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	q.debounce.timer = nil
	now := q.clock.Now()
	if wait := q.limiter.nextAllowed(now); wait > 0 {
		q.logger.Debug("flush rate limited", zap.Int("pending", len(q.entries)), zap.Duration("retry_in", wait))
		q.debounce.after(wait, q.fire)
		q.mu.Unlock()
		return
	}
	best := q.selectEntry()
	q.entries = nil
	q.index = map[string]*entry{}
	q.limiter.record(now)
	q.dedupe.record(best.fingerprint, now)
	q.wg.Add(1)
	q.mu.Unlock()

	defer q.wg.Done()
	q.deliver(best.event)
}

// selectEntry picks the highest priority entry; ties go to the earliest arrival.
func (q *Queue) selectEntry() *entry {
	best := q.entries[0]
	for _, e := range q.entries[1:] {
		if domain.PriorityRank(e.event.Priority) > domain.PriorityRank(best.event.Priority) {
			best = e
		}
	}
	return best
}

func (q *Queue) deliver(ev domain.ArchitectEvent) {
	log := q.logger.With(zap.String("type", ev.Type), zap.String("id", ev.ID), zap.String("priority", ev.Priority))
	defer func() {
		if r := recover(); r != nil {
			log.Error("flush panicked", zap.Any("panic", r))
		}
	}()
	if q.onFlush == nil {
		return
	}
	if err := q.onFlush(q.ctx, ev); err != nil {
		log.Warn("flush failed", zap.Error(err))
		return
	}
	log.Info("event flushed")
}
