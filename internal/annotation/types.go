// Package annotation implements the Downtime, Comment, and
// Acknowledgement lifecycle described in spec.md §3/§4.10: UUID plus a
// legacy monotonically increasing integer id, an expiry sweep every 60s,
// and the downtime_depth/trigger cascade rules.
package annotation

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// legacySeq hands out the per-process monotonically increasing integer
// id external tooling expects alongside the UUID primary key.
var legacySeq int64

func nextLegacyID() int64 {
	return atomic.AddInt64(&legacySeq, 1)
}

// Downtime is a scheduled suppression window on a checkable.
type Downtime struct {
	UUID      uuid.UUID
	LegacyID  int64
	Checkable string // registry key, e.g. "service\thost!http"

	Start  time.Time
	End    time.Time
	Fixed  bool
	Duration time.Duration

	// TriggerTime is zero until a flexible downtime is triggered; then it
	// is the moment the checkable first entered a non-OK hard state
	// within [Start, End].
	TriggerTime time.Time

	TriggeredBy uuid.UUID // zero value means "not triggered by another downtime"
	Triggers    []uuid.UUID

	Cancelled   bool
	ScheduledBy string

	Author  string
	Comment string
}

// NewDowntime constructs a Downtime with fresh identifiers.
func NewDowntime(checkable, author, comment string, start, end time.Time, fixed bool, duration time.Duration, triggeredBy uuid.UUID, scheduledBy string) *Downtime {
	return &Downtime{
		UUID:        uuid.New(),
		LegacyID:    nextLegacyID(),
		Checkable:   checkable,
		Start:       start,
		End:         end,
		Fixed:       fixed,
		Duration:    duration,
		TriggeredBy: triggeredBy,
		ScheduledBy: scheduledBy,
		Author:      author,
		Comment:     comment,
	}
}

// IsActive implements spec.md §3's is_active(t):
//
//	start ≤ t ≤ end ∧ (fixed ∨ trigger_time ≠ 0 ∧ t ≤ trigger_time + duration)
func (d *Downtime) IsActive(t time.Time) bool {
	if d.Cancelled {
		return false
	}
	if t.Before(d.Start) || t.After(d.End) {
		return false
	}
	if d.Fixed {
		return true
	}
	if d.TriggerTime.IsZero() {
		return false
	}
	return !t.After(d.TriggerTime.Add(d.Duration))
}

// Trigger marks a flexible downtime as triggered at t, the first moment
// its checkable entered a non-OK hard state within [Start, End].
func (d *Downtime) Trigger(t time.Time) {
	if d.Fixed || !d.TriggerTime.IsZero() {
		return
	}
	d.TriggerTime = t
}

// Comment is a free-text annotation attached to a checkable.
type Comment struct {
	UUID      uuid.UUID
	LegacyID  int64
	Checkable string

	Author     string
	Text       string
	EntryTime  time.Time
	ExpireTime time.Time // zero means "never expires"
}

// NewComment constructs a Comment with fresh identifiers.
func NewComment(checkable, author, text string, entryTime, expireTime time.Time) *Comment {
	return &Comment{
		UUID:       uuid.New(),
		LegacyID:   nextLegacyID(),
		Checkable:  checkable,
		Author:     author,
		Text:       text,
		EntryTime:  entryTime,
		ExpireTime: expireTime,
	}
}

// Expired reports whether this comment's ExpireTime has passed as of now.
func (c *Comment) Expired(now time.Time) bool {
	return !c.ExpireTime.IsZero() && now.After(c.ExpireTime)
}

// AckType distinguishes how an acknowledgement is cleared on recovery.
type AckType int

const (
	AckNone AckType = iota
	AckNormal
	AckSticky
)

// Acknowledgement is the problem acknowledgement attached to a checkable.
type Acknowledgement struct {
	Type    AckType
	Author  string
	Comment string
	Expiry  time.Time // zero means "no expiry"
}
