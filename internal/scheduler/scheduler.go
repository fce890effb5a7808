// Package scheduler implements the Scheduler component of spec.md §4.2:
// a min-heap clock that wakes checkables at next_check, hands them to the
// Plugin collaborator, and folds the result back through
// Checkable.ProcessCheckResult.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentryd/sentryd/internal/authority"
	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/domain"
	"github.com/sentryd/sentryd/internal/plugin"
)

// defaultTick is the 0.5s clock spec.md §4.2 names.
const defaultTick = 500 * time.Millisecond

// defaultTimeout is the check_command timeout default.
const defaultTimeout = 60 * time.Second

// defaultMaxConcurrent is max_concurrent_checks' default.
const defaultMaxConcurrent = 512

// Source supplies the live checkable set each time the heap is synced
// (Run calls Sync on every tick; the Scheduler never reaches the registry
// itself, per spec.md §9's "reject ambient globals").
type Source interface {
	Checkables() []*checkable.Checkable
}

// Config tunes the Scheduler away from its spec.md defaults.
type Config struct {
	Tick              time.Duration
	DefaultTimeout    time.Duration
	MaxConcurrent     int
}

// Scheduler drives the min-heap clock described in spec.md §4.2.
type Scheduler struct {
	source   Source
	executor plugin.Executor
	cfg      Config
	log      *logrus.Entry

	mu   sync.Mutex
	h    checkHeap
	in   map[*checkable.Checkable]*entry

	sem chan struct{}
}

// New constructs a Scheduler. cfg zero fields fall back to spec.md
// defaults.
func New(source Source, executor plugin.Executor, cfg Config, log *logrus.Entry) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		source:   source,
		executor: executor,
		cfg:      cfg,
		log:      log,
		in:       make(map[*checkable.Checkable]*entry),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Sync rebuilds the heap from the current registry contents, adding any
// checkable the Scheduler has not seen yet at its already-computed
// next_check, and dropping any checkable no longer present.
func (s *Scheduler) Sync() {
	live := s.source.Checkables()
	liveSet := make(map[*checkable.Checkable]bool, len(live))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range live {
		liveSet[c] = true
		if _, ok := s.in[c]; ok {
			continue
		}
		e := &entry{c: c, when: c.NextCheck()}
		heap.Push(&s.h, e)
		s.in[c] = e
	}

	for c, e := range s.in {
		if !liveSet[c] {
			if e.index >= 0 {
				heap.Remove(&s.h, e.index)
			}
			delete(s.in, c)
		}
	}
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync()
			s.tick(ctx)
		}
	}
}

// tick pops every due, owned, non-suppressed checkable and dispatches it
// to the Plugin collaborator, respecting max_concurrent_checks.
// Fairness: next_check is left untouched for a checkable that is due but
// can't start yet (semaphore full), so it is simply re-examined next
// tick — spec.md §4.2's "next_check is not advanced until the check
// actually starts".
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.h.Len() == 0 || s.h[0].when.After(now) {
			s.mu.Unlock()
			return
		}
		e := s.h[0]
		c := e.c
		s.mu.Unlock()

		if !c.HasAuthority(authority.FeatureChecker) {
			s.reschedule(e, c)
			continue
		}
		if c.DowntimeDepth() > 0 {
			s.reschedule(e, c)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// Saturated: leave it at the head of the heap and stop this
			// tick rather than busy-loop past it.
			return
		}

		s.mu.Lock()
		heap.Pop(&s.h)
		delete(s.in, c)
		s.mu.Unlock()

		go s.execute(ctx, c)
	}
}

// reschedule pops e and re-inserts it with a bumped next_check, used when
// a due checkable can't run this tick for a reason that isn't
// concurrency pressure (no authority, under downtime).
func (s *Scheduler) reschedule(e *entry, c *checkable.Checkable) {
	s.mu.Lock()
	heap.Pop(&s.h)
	interval := c.Config().CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	e.when = time.Now().Add(interval)
	heap.Push(&s.h, e)
	s.mu.Unlock()
}

func (s *Scheduler) execute(ctx context.Context, c *checkable.Checkable) {
	defer func() { <-s.sem }()

	cfg := c.Config()
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	result, err := s.executor.Execute(ctx, cfg.CheckCommand, timeout)
	if err != nil {
		s.log.WithError(err).WithField("checkable", c.FullName()).Warn("check execution failed")
		return
	}

	c.ProcessCheckResult(result.ToCheckResult(), "")

	s.mu.Lock()
	e := &entry{c: c, when: c.NextCheck()}
	heap.Push(&s.h, e)
	s.in[c] = e
	s.mu.Unlock()
}

// SubmitPassive feeds a passive result straight into ProcessCheckResult,
// bypassing the Plugin collaborator entirely, per spec.md §4.2. sender
// must hold Command privilege over c.
func (s *Scheduler) SubmitPassive(c *checkable.Checkable, result checkable.CheckResult, sender string) bool {
	if !c.Config().PassiveChecks {
		return false
	}
	if !c.Privileges(sender).Has(domain.Command) {
		return false
	}
	c.ProcessCheckResult(result, sender)
	return true
}

// QueueDepth reports how many checkables are currently waiting on the
// heap, for MetricsRegistry.SchedulerQueueDepth.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

// InFlight reports how many checks are currently executing, for
// MetricsRegistry.SchedulerInFlight.
func (s *Scheduler) InFlight() int {
	return len(s.sem)
}
