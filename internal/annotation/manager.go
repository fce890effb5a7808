package annotation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentryd/sentryd/internal/eventbus"
)

// DepthTarget is the narrow view a DowntimeManager needs of a checkable:
// just enough to maintain downtime_depth and request the Start/End/Removed
// notifications, without importing the checkable package (which in turn
// needs Downtime/Comment types from here).
type DepthTarget interface {
	Key() string
	IncrementDowntimeDepth()
	DecrementDowntimeDepth()
	RequestNotification(kind string, author, text string)
}

// Resolver looks a checkable key back up to its DepthTarget; both
// managers are handed one by the process wiring instead of reaching for
// an ambient registry.
type Resolver interface {
	Resolve(key string) (DepthTarget, bool)
}

// DowntimeManager owns the attached-downtime lifecycle: activation,
// cascade-trigger of dependent downtimes, and the 60s expiry sweep.
type DowntimeManager struct {
	bus      *eventbus.Bus
	resolver Resolver

	mu        sync.Mutex
	downtimes map[uuid.UUID]*Downtime
	active    map[uuid.UUID]bool
}

// NewDowntimeManager constructs an empty DowntimeManager.
func NewDowntimeManager(bus *eventbus.Bus, resolver Resolver) *DowntimeManager {
	return &DowntimeManager{
		bus:       bus,
		resolver:  resolver,
		downtimes: make(map[uuid.UUID]*Downtime),
		active:    make(map[uuid.UUID]bool),
	}
}

// Add attaches d, applying activation/depth bookkeeping immediately if it
// is already active at now.
func (m *DowntimeManager) Add(d *Downtime, now time.Time) {
	m.mu.Lock()
	m.downtimes[d.UUID] = d
	wasActive := d.IsActive(now)
	if wasActive {
		m.active[d.UUID] = true
	}
	m.mu.Unlock()

	if wasActive {
		m.activate(d)
	}
}

// Remove detaches d. cancelled is recorded on the downtime itself and an
// explicit DowntimeRemoved signal is always raised; an active downtime
// also gets its depth decremented and a DowntimeEnd signal, matching
// spec.md §8's "Add then Remove(cancelled=false) restores downtime_depth
// and emits exactly one DowntimeStart and one DowntimeRemoved".
func (m *DowntimeManager) Remove(id uuid.UUID, cancelled bool) {
	m.mu.Lock()
	d, ok := m.downtimes[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasActive := m.active[id]
	delete(m.downtimes, id)
	delete(m.active, id)
	m.mu.Unlock()

	d.Cancelled = cancelled

	if wasActive {
		if target, ok := m.resolver.Resolve(d.Checkable); ok {
			target.DecrementDowntimeDepth()
			target.RequestNotification("DowntimeEnd", d.Author, d.Comment)
		}
		m.bus.Publish(eventbus.TopicDowntimeEnd, "", d)
	}
	m.bus.Publish(eventbus.TopicDowntimeRemoved, "", d)
}

func (m *DowntimeManager) activate(d *Downtime) {
	if target, ok := m.resolver.Resolve(d.Checkable); ok {
		target.IncrementDowntimeDepth()
		target.RequestNotification("DowntimeStart", d.Author, d.Comment)
	}
	m.bus.Publish(eventbus.TopicDowntimeStart, "", d)
}

// TriggerOnHardNonOK is called by Checkable.ProcessCheckResult when a
// checkable enters a non-OK hard state; it activates any flexible
// (non-fixed) downtime on that checkable whose window contains now and
// has not yet triggered, then cascades the trigger to every downtime it
// lists in Triggers, per spec.md §4.10.
func (m *DowntimeManager) TriggerOnHardNonOK(checkableKey string, now time.Time) {
	m.mu.Lock()
	var toTrigger []*Downtime
	for _, d := range m.downtimes {
		if d.Checkable != checkableKey || d.Fixed || d.Cancelled {
			continue
		}
		if now.Before(d.Start) || now.After(d.End) {
			continue
		}
		if d.TriggerTime.IsZero() {
			toTrigger = append(toTrigger, d)
		}
	}
	m.mu.Unlock()

	for _, d := range toTrigger {
		m.triggerCascade(d, now)
	}
}

func (m *DowntimeManager) triggerCascade(d *Downtime, now time.Time) {
	d.Trigger(now)

	m.mu.Lock()
	alreadyActive := m.active[d.UUID]
	if !alreadyActive {
		m.active[d.UUID] = true
	}
	m.mu.Unlock()

	if !alreadyActive {
		m.activate(d)
	}

	for _, childID := range d.Triggers {
		m.mu.Lock()
		child, ok := m.downtimes[childID]
		m.mu.Unlock()
		if ok {
			m.triggerCascade(child, now)
		}
	}
}

// Depth returns how many active, non-cancelled downtimes are attached to
// checkableKey, the invariant spec.md §3 names downtime_depth.
func (m *DowntimeManager) Depth(checkableKey string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.downtimes {
		if d.Checkable == checkableKey && d.IsActive(now) {
			n++
		}
	}
	return n
}

// Sweep implements the 60s expiry pass: any downtime whose End has
// passed is removed, with exactly one DowntimeRemoved (and, if it was
// active, DowntimeEnd) per spec.md §4.10.
func (m *DowntimeManager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []uuid.UUID
	for id, d := range m.downtimes {
		if now.After(d.End) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Remove(id, false)
	}
}

// Run drives Sweep every 60s until ctx is cancelled.
func (m *DowntimeManager) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// CommentManager owns the attached-comment lifecycle and its expiry sweep.
type CommentManager struct {
	bus *eventbus.Bus

	mu       sync.Mutex
	comments map[uuid.UUID]*Comment
}

// NewCommentManager constructs an empty CommentManager.
func NewCommentManager(bus *eventbus.Bus) *CommentManager {
	return &CommentManager{bus: bus, comments: make(map[uuid.UUID]*Comment)}
}

// Add attaches c and raises CommentAdded.
func (m *CommentManager) Add(c *Comment) {
	m.mu.Lock()
	m.comments[c.UUID] = c
	m.mu.Unlock()
	m.bus.Publish(eventbus.TopicCommentAdded, "", c)
}

// Remove detaches the comment identified by id, if present.
func (m *CommentManager) Remove(id uuid.UUID) {
	m.mu.Lock()
	c, ok := m.comments[id]
	if ok {
		delete(m.comments, id)
	}
	m.mu.Unlock()
	if ok {
		m.bus.Publish(eventbus.TopicCommentRemoved, "", c)
	}
}

// Sweep removes every comment past its ExpireTime.
func (m *CommentManager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []uuid.UUID
	for id, c := range m.comments {
		if c.Expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Remove(id)
	}
}

// Run drives Sweep every 60s until ctx is cancelled.
func (m *CommentManager) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// AckManager tracks acknowledgements pending expiry; the acknowledgement
// value itself lives on the checkable (spec.md §3), this manager only
// drives the "expiry" side of its lifecycle for acknowledgements that
// carry an Expiry time.
type AckManager struct {
	mu      sync.Mutex
	expiry  map[string]time.Time // checkable key -> Expiry
	clearFn func(checkableKey string)
}

// NewAckManager constructs an AckManager. clearFn is invoked for any
// checkable whose acknowledgement has expired.
func NewAckManager(clearFn func(checkableKey string)) *AckManager {
	return &AckManager{expiry: make(map[string]time.Time), clearFn: clearFn}
}

// Track records that checkableKey's acknowledgement expires at t. A zero
// t removes any tracked expiry (sticky/no-expiry acknowledgements).
func (m *AckManager) Track(checkableKey string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.IsZero() {
		delete(m.expiry, checkableKey)
		return
	}
	m.expiry[checkableKey] = t
}

// Untrack stops tracking checkableKey, e.g. after a manual clear.
func (m *AckManager) Untrack(checkableKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expiry, checkableKey)
}

// Sweep clears every tracked acknowledgement whose Expiry has passed.
func (m *AckManager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []string
	for key, t := range m.expiry {
		if now.After(t) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(m.expiry, key)
	}
	m.mu.Unlock()

	for _, key := range expired {
		m.clearFn(key)
	}
}

// Run drives Sweep every 60s until ctx is cancelled.
func (m *AckManager) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
