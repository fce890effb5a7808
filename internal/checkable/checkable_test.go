package checkable

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sentryd/sentryd/internal/annotation"
	"github.com/sentryd/sentryd/internal/authority"
	"github.com/sentryd/sentryd/internal/eventbus"
)

type fakeNotifier struct {
	calls []NotificationType
}

func (f *fakeNotifier) RequestNotifications(c *Checkable, kind NotificationType, result *CheckResult, author, text string) {
	f.calls = append(f.calls, kind)
}

func newTestCheckable(t *testing.T, maxAttempts int, checkInterval, retryInterval time.Duration) (*Checkable, *fakeNotifier) {
	t.Helper()
	bus := eventbus.New()
	n := &fakeNotifier{}
	cfg := Config{
		MaxCheckAttempts: maxAttempts,
		CheckInterval:    checkInterval,
		RetryInterval:    retryInterval,
	}
	c := NewService("host1", "http", cfg, "self", n, bus)
	c.SetAuthority(authority.FeatureNotification, true)
	return c, n
}

// TestHardStateEscalation is spec.md §8 scenario 1.
func TestHardStateEscalation(t *testing.T) {
	c, n := newTestCheckable(t, 3, 300*time.Second, 60*time.Second)

	base := time.Now()
	result := func(exit int) CheckResult {
		return CheckResult{ExitCode: exit, CheckTime: base}
	}

	c.ProcessCheckResult(result(2), "")
	assert.Equal(t, c.State(), StateCritical)
	assert.Equal(t, c.StateType(), StateTypeSoft)
	assert.Equal(t, c.CurrentAttempt(), 1)

	c.ProcessCheckResult(result(2), "")
	assert.Equal(t, c.CurrentAttempt(), 2)
	assert.Equal(t, c.StateType(), StateTypeSoft)

	c.ProcessCheckResult(result(2), "")
	assert.Equal(t, c.CurrentAttempt(), 1, "hard state resets attempt to 1 per the invariant")
	assert.Equal(t, c.StateType(), StateTypeHard)

	assert.Check(t, len(n.calls) >= 1, "a Hard-state problem must notify")
	assert.Equal(t, n.calls[len(n.calls)-1], NotificationProblem)
}

// TestRecoveryClearsAcknowledgement is spec.md §8 scenario 2.
func TestRecoveryClearsAcknowledgement(t *testing.T) {
	c, n := newTestCheckable(t, 3, 300*time.Second, 60*time.Second)

	base := time.Now()
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
	assert.Equal(t, c.StateType(), StateTypeHard)
	assert.Equal(t, c.State(), StateCritical)

	c.AcknowledgeProblem("op", "looking into it", annotation.AckNormal, time.Time{}, "")
	assert.Equal(t, c.Acknowledgement().Type, annotation.AckNormal)

	c.ProcessCheckResult(CheckResult{ExitCode: 0, CheckTime: base}, "")

	assert.Equal(t, c.State(), StateOK)
	assert.Equal(t, c.StateType(), StateTypeHard)
	assert.Equal(t, c.CurrentAttempt(), 1)
	assert.Equal(t, c.Acknowledgement().Type, annotation.AckNone)
	assert.Equal(t, n.calls[len(n.calls)-1], NotificationRecovery)
}

// TestRecoveryAutoClearPublishesAcknowledgementCleared guards the other
// half of spec.md §8 scenario 2: an auto-clear on recovery must be
// replicated to peers the same way a manual ClearAcknowledgement is, or
// they retain a stale acknowledgement (see cmd/sentryd/relay.go).
func TestRecoveryAutoClearPublishesAcknowledgementCleared(t *testing.T) {
	c, _ := newTestCheckable(t, 3, 300*time.Second, 60*time.Second)

	base := time.Now()
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")

	c.AcknowledgeProblem("op", "looking into it", annotation.AckNormal, time.Time{}, "")

	sub := c.bus.Subscribe(eventbus.TopicAcknowledgementCleared)
	defer sub.Close()

	c.ProcessCheckResult(CheckResult{ExitCode: 0, CheckTime: base}, "")

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected TopicAcknowledgementCleared to be published on recovery auto-clear")
	}
}

func TestInvariantHardStateImpliesAttemptOne(t *testing.T) {
	c, _ := newTestCheckable(t, 3, 300*time.Second, 60*time.Second)
	base := time.Now()
	for i := 0; i < 5; i++ {
		c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
		if c.StateType() == StateTypeHard {
			assert.Equal(t, c.CurrentAttempt(), 1)
		}
	}
}

func TestNonOKBeforeMaxAttemptsNeverNotifiesHard(t *testing.T) {
	c, n := newTestCheckable(t, 3, 300*time.Second, 60*time.Second)
	base := time.Now()
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")
	assert.Equal(t, len(n.calls), 0, "a non-OK result before max_check_attempts must never raise a Hard-state notification")
}

func TestHostCollapsesWarningToCritical(t *testing.T) {
	bus := eventbus.New()
	n := &fakeNotifier{}
	cfg := Config{MaxCheckAttempts: 1, CheckInterval: time.Minute, RetryInterval: time.Minute}
	h := NewHost("host1", cfg, "self", n, bus)

	h.ProcessCheckResult(CheckResult{ExitCode: 1, CheckTime: time.Now()}, "")
	assert.Equal(t, h.State(), StateCritical)
}

// TestReplicatedCheckResultIsApplied guards against re-introducing the
// authority gate as a filter on ProcessCheckResult: a cluster::CheckResult
// relayed from another endpoint must update local state exactly like a
// locally executed check, per spec.md §2 and §8 scenario 5.
func TestReplicatedCheckResultIsApplied(t *testing.T) {
	c, _ := newTestCheckable(t, 3, 300*time.Second, 60*time.Second)

	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: time.Now()}, "someone-else")

	assert.Equal(t, c.State(), StateCritical, "a result relayed from another endpoint must be applied locally")
}

func TestNextCheckUsesRetryIntervalWhileSoft(t *testing.T) {
	c, _ := newTestCheckable(t, 3, 300*time.Second, 60*time.Second)
	base := time.Now()
	c.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: base}, "")

	delta := c.NextCheck().Sub(base)
	assert.Check(t, delta > 0 && delta <= 60*time.Second, "next_check must use retry_interval while soft, got %v", delta)
}

func TestReachabilityFollowsDependencyStateFilter(t *testing.T) {
	bus := eventbus.New()
	parent := NewHost("gw", Config{MaxCheckAttempts: 1}, "self", &fakeNotifier{}, bus)
	child := NewService("gw", "http", Config{MaxCheckAttempts: 1}, "self", &fakeNotifier{}, bus)

	child.SetDependencies([]Dependency{{
		Parent:      parent,
		StateFilter: map[State]bool{StateOK: true},
	}})

	assert.Check(t, child.IsReachable(time.Now(), nil), "parent defaults to OK, child should be reachable")

	// OK->Critical is always Soft first; the second result makes it Hard.
	parent.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: time.Now()}, "")
	parent.ProcessCheckResult(CheckResult{ExitCode: 2, CheckTime: time.Now()}, "")
	assert.Check(t, !child.IsReachable(time.Now(), nil), "parent down outside state_filter makes child unreachable")
}

func TestReachabilityAbortsOnDeepCycle(t *testing.T) {
	bus := eventbus.New()
	a := NewHost("a", Config{MaxCheckAttempts: 1}, "self", &fakeNotifier{}, bus)
	b := NewHost("b", Config{MaxCheckAttempts: 1}, "self", &fakeNotifier{}, bus)
	a.SetDependencies([]Dependency{{Parent: b}})
	b.SetDependencies([]Dependency{{Parent: a}})

	// Must terminate rather than infinitely recurse.
	_ = a.IsReachable(time.Now(), nil)
}
