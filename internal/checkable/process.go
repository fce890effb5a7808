package checkable

import (
	"hash/fnv"
	"time"

	"github.com/sentryd/sentryd/internal/annotation"
	"github.com/sentryd/sentryd/internal/authority"
	"github.com/sentryd/sentryd/internal/eventbus"
)

// AttachDowntimeManager wires in the DowntimeManager whose
// TriggerOnHardNonOK this checkable calls when it enters a non-OK hard
// state, per spec.md §4.10's flexible-downtime trigger rule.
func (c *Checkable) AttachDowntimeManager(m *annotation.DowntimeManager) {
	c.mu.Lock()
	c.downtimeMgr = m
	c.mu.Unlock()
}

// AttachCommentManager wires in the CommentManager backing
// AddComment/RemoveComment.
func (c *Checkable) AttachCommentManager(m *annotation.CommentManager) {
	c.mu.Lock()
	c.commentMgr = m
	c.mu.Unlock()
}

// StateChangeEvent is published on eventbus.TopicStateChange.
type StateChangeEvent struct {
	Checkable       *Checkable
	OldState        State
	NewState        State
	OldStateType    StateType
	NewStateType    StateType
	Hard            bool
	Result          *CheckResult
}

// exitCodeToState implements spec.md §4.2's mapping: 0->OK, 1->Warning,
// 2->Critical, else->Unknown.
func exitCodeToState(code int) State {
	switch code {
	case 0:
		return StateOK
	case 1:
		return StateWarning
	case 2:
		return StateCritical
	default:
		return StateUnknown
	}
}

// schedulingHashFraction returns the fractional part of hash(name)/2^32,
// the spread-load offset spec.md §4.1 step 6 describes. fnv-1a is used
// here rather than the authority package's SDBM: this is a distinct
// concern (scheduling jitter, not an election index) and does not need
// to match SDBM's bit pattern.
func schedulingHashFraction(name string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return float64(h.Sum32()) / float64(1<<32)
}

// ProcessCheckResult applies result to this checkable, implementing the
// ten-step algorithm in spec.md §4.1. author names the endpoint the
// result arrived from (empty for a locally executed active check); it
// is never an apply-or-reject gate here; a replicated cluster::CheckResult
// is applied on every receiving node exactly like a local result, and
// author is only carried through to the published events so the
// MessageRouter's relay (sourced on the event's author) does not bounce
// the result back to the peer it came from. Double-firing of
// notifications across the cluster is prevented separately, by the
// FeatureNotification authority check further down, not by rejecting
// the state mutation itself.
func (c *Checkable) ProcessCheckResult(result CheckResult, author string) {
	now := time.Now()
	if result.CheckTime.IsZero() {
		result.CheckTime = now
	}
	if result.ExecutionStart.IsZero() {
		result.ExecutionStart = result.CheckTime
	}
	if result.ExecutionEnd.IsZero() {
		result.ExecutionEnd = result.CheckTime
	}

	c.mu.Lock()

	newState := exitCodeToState(result.ExitCode)
	if c.IsHost() && newState == StateWarning {
		newState = StateCritical
	}

	oldState := c.state
	oldStateType := c.stateType
	oldAttempt := c.currentAttempt

	maxAttempts := c.cfg.MaxCheckAttempts

	switch {
	case oldState == StateOK && newState == StateOK:
		c.stateType = StateTypeHard
		c.currentAttempt = 1
	case oldState == StateOK && newState != StateOK:
		c.stateType = StateTypeSoft
		c.currentAttempt = 1
	case oldState != StateOK && newState == StateOK:
		c.stateType = StateTypeHard
		c.currentAttempt = 1
	default: // oldState != OK && newState != OK
		if oldStateType == StateTypeSoft {
			c.currentAttempt = oldAttempt + 1
			if c.currentAttempt >= maxAttempts {
				c.currentAttempt = maxAttempts
				c.stateType = StateTypeHard
			} else {
				c.stateType = StateTypeSoft
			}
		} else {
			c.stateType = StateTypeHard
			c.currentAttempt = maxAttempts
		}
	}

	// The invariant (spec.md §3: "current_attempt = 1 whenever
	// state_type = Hard") and the worked scenario in spec.md §8 both show
	// current_attempt reset to 1 the moment a Hard state is reached, even
	// when escalation got there via max_check_attempts rather than a
	// direct OK/recovery transition. Normalize here rather than trust the
	// per-branch arithmetic above, which would otherwise leave
	// current_attempt at max_check_attempts.
	if c.stateType == StateTypeHard {
		c.currentAttempt = 1
	}

	c.state = newState
	c.lastCheck = result.CheckTime
	c.lastCheckResult = &result

	stateChanged := oldState != newState
	stateTypeChanged := oldStateType != c.stateType
	if stateChanged {
		c.lastStateChange = now
	}
	if c.stateType == StateTypeHard && stateTypeChanged {
		c.lastHardStateChange = now
	}

	c.updateFlapping(stateChanged, now)

	// spec.md §8's worked scenario reaches Hard via max_check_attempts and
	// still schedules with check_interval, not retry_interval: only a
	// final Soft state_type uses the faster retry cadence.
	interval := c.cfg.CheckInterval
	if c.stateType == StateTypeSoft {
		interval = c.cfg.RetryInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}

	if c.firstSchedule {
		frac := schedulingHashFraction(c.FullName())
		c.nextCheck = now.Add(time.Duration(float64(interval) * (1 - frac)))
		c.firstSchedule = false
	} else {
		c.nextCheck = now.Add(interval)
	}

	c.forceNextCheck = false

	ackAutoCleared := false
	recoveredFromSent := oldState != StateOK && newState == StateOK && c.sentProblemNotification
	if recoveredFromSent {
		if c.ack.Type == annotation.AckNormal {
			ackAutoCleared = true
			c.ack = annotation.Acknowledgement{}
		}
		c.sentProblemNotification = false
		c.notificationNumber = 0
	} else if newState == StateOK && c.ack.Type == annotation.AckNormal {
		// A non-OK->OK recovery that follows no sent Problem notification
		// also clears a Normal ack; an OK->OK result leaves the ack as it
		// is, and Sticky is never auto-cleared (Open Question in spec.md §9).
		if oldState != StateOK {
			ackAutoCleared = true
			c.ack = annotation.Acknowledgement{}
		}
	}

	key := c.Key()
	downtimeMgr := c.downtimeMgr
	whitelistHasAuthorityNotif := c.hasAuthority[authority.FeatureNotification]
	downtimeDepth := c.downtimeDepth
	ackSuppressing := c.ack.Type != annotation.AckNone
	finalStateType := c.stateType
	finalState := c.state
	notifier := c.notifier

	c.mu.Unlock()

	if ackAutoCleared {
		// Mirrors the manual path in ops.go's ClearAcknowledgement: peers
		// must see this recovery-triggered clear too, or they retain a
		// stale acknowledgement after this node auto-clears its own.
		c.bus.Publish(eventbus.TopicAcknowledgementCleared, author, c)
	}

	if finalStateType == StateTypeHard && finalState != StateOK {
		if downtimeMgr != nil {
			downtimeMgr.TriggerOnHardNonOK(key, now)
		}
	}

	if stateChanged || stateTypeChanged {
		c.bus.Publish(eventbus.TopicStateChange, author, StateChangeEvent{
			Checkable:    c,
			OldState:     oldState,
			NewState:     newState,
			OldStateType: oldStateType,
			NewStateType: finalStateType,
			Hard:         finalStateType == StateTypeHard,
			Result:       &result,
		})
	}

	if finalStateType == StateTypeHard &&
		(finalState != StateOK || recoveredFromSent) &&
		whitelistHasAuthorityNotif &&
		downtimeDepth == 0 &&
		!ackSuppressing &&
		notifier != nil {

		kind := NotificationProblem
		if finalState == StateOK {
			kind = NotificationRecovery
		}
		notifier.RequestNotifications(c, kind, &result, "", "")

		c.mu.Lock()
		if kind == NotificationProblem {
			c.sentProblemNotification = true
			c.notificationNumber++
		} else {
			c.notificationNumber = 0
		}
		c.mu.Unlock()
	}

	c.bus.Publish(eventbus.TopicNewCheckResult, author, result)
}

// updateFlapping implements spec.md §4.5: a 30-minute decaying window of
// positive (state-change) and negative (stable) time, with
// flapping_current = 100 * positive / (positive + negative).
// c.mu must be held by the caller.
func (c *Checkable) updateFlapping(stateChanged bool, now time.Time) {
	if !c.cfg.FlappingDetection {
		return
	}

	if c.flappingLastChange.IsZero() {
		c.flappingLastChange = now
		return
	}

	elapsed := now.Sub(c.flappingLastChange).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	wasFlapping := c.flappingCurrent > c.cfg.FlappingThreshold

	if stateChanged {
		c.flappingPositive += elapsed
	} else {
		c.flappingNegative += elapsed
	}

	const window = 30 * 60.0
	if sum := c.flappingPositive + c.flappingNegative; sum > window {
		scale := window / sum
		c.flappingPositive *= scale
		c.flappingNegative *= scale
	}

	if sum := c.flappingPositive + c.flappingNegative; sum > 0 {
		c.flappingCurrent = 100 * c.flappingPositive / sum
	}

	c.flappingLastChange = now

	nowFlapping := c.flappingCurrent > c.cfg.FlappingThreshold
	if nowFlapping && !wasFlapping {
		c.publishFlappingTransitionLocked(true)
	} else if !nowFlapping && wasFlapping {
		c.publishFlappingTransitionLocked(false)
	}
}

func (c *Checkable) publishFlappingTransitionLocked(started bool) {
	topic := eventbus.TopicFlappingEnd
	if started {
		topic = eventbus.TopicFlappingStart
	}
	// Publish is safe to call while holding c.mu: eventbus.Publish never
	// calls back into the checkable, it only enqueues onto subscriber
	// queues (spec.md §9: dispatch must be asynchronous).
	c.bus.Publish(topic, "", c)
}

// SetNextCheck overrides the scheduled next check time.
func (c *Checkable) SetNextCheck(t time.Time, author string) {
	if c.authorized(author) {
		c.mu.Lock()
		c.nextCheck = t
		c.mu.Unlock()
	}
	c.bus.Publish(eventbus.TopicNewCheckResult, author, nil)
}

// SetForceNextCheck sets or clears the force_next_check flag.
func (c *Checkable) SetForceNextCheck(flag bool, author string) {
	if c.authorized(author) {
		c.mu.Lock()
		c.forceNextCheck = flag
		c.mu.Unlock()
	}
}

// ForceNextCheck reports the force_next_check flag.
func (c *Checkable) ForceNextCheck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceNextCheck
}
