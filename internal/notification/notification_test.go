package notification

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/eventbus"
	"github.com/sentryd/sentryd/internal/plugin"
)

type fakeUsers struct {
	users  map[string]User
	groups map[string]UserGroup
}

func (f *fakeUsers) User(name string) (User, bool)       { u, ok := f.users[name]; return u, ok }
func (f *fakeUsers) Group(name string) (UserGroup, bool) { g, ok := f.groups[name]; return g, ok }

type fakeSource struct{ byKey map[string][]*Notification }

func (f *fakeSource) NotificationsFor(key string) []*Notification { return f.byKey[key] }

type recordingExecutor struct{ calls int }

func (e *recordingExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (plugin.Result, error) {
	e.calls++
	return plugin.Result{ExitCode: 0}, nil
}

func newCheckableForTest() *checkable.Checkable {
	bus := eventbus.New()
	return checkable.NewService("h1", "svc", checkable.Config{MaxCheckAttempts: 1}, "self", noopNotifier{}, bus)
}

type noopNotifier struct{}

func (noopNotifier) RequestNotifications(*checkable.Checkable, checkable.NotificationType, *checkable.CheckResult, string, string) {
}

func TestRequestNotificationsResolvesGroupsAndSends(t *testing.T) {
	c := newCheckableForTest()
	n := &Notification{
		Checkable:            c.Key(),
		UserGroups:           []string{"oncall"},
		Command:              "notify-by-mail",
		NotificationInterval: time.Minute,
	}
	users := &fakeUsers{
		users:  map[string]User{"alice": {Name: "alice"}},
		groups: map[string]UserGroup{"oncall": {Name: "oncall", Members: []string{"alice"}}},
	}
	src := &fakeSource{byKey: map[string][]*Notification{c.Key(): {n}}}
	exec := &recordingExecutor{}
	bus := eventbus.New()
	e := New(users, src, nil, exec, bus, nil)

	e.RequestNotifications(c, checkable.NotificationProblem, nil, "", "")

	assert.Equal(t, exec.calls, 1)
}

func TestRequestNotificationsThrottlesRepeats(t *testing.T) {
	c := newCheckableForTest()
	n := &Notification{
		Checkable:            c.Key(),
		Users:                []string{"bob"},
		Command:              "notify-by-mail",
		NotificationInterval: time.Hour,
	}
	users := &fakeUsers{users: map[string]User{"bob": {Name: "bob"}}}
	src := &fakeSource{byKey: map[string][]*Notification{c.Key(): {n}}}
	exec := &recordingExecutor{}
	bus := eventbus.New()
	e := New(users, src, nil, exec, bus, nil)

	e.RequestNotifications(c, checkable.NotificationProblem, nil, "", "")
	e.RequestNotifications(c, checkable.NotificationProblem, nil, "", "")

	assert.Equal(t, exec.calls, 1, "a second notification inside notification_interval must be throttled")
}

func TestRequestNotificationsForceBypassesThrottle(t *testing.T) {
	c := newCheckableForTest()
	n := &Notification{
		Checkable:            c.Key(),
		Users:                []string{"bob"},
		Command:              "notify-by-mail",
		NotificationInterval: time.Hour,
	}
	users := &fakeUsers{users: map[string]User{"bob": {Name: "bob"}}}
	src := &fakeSource{byKey: map[string][]*Notification{c.Key(): {n}}}
	exec := &recordingExecutor{}
	bus := eventbus.New()
	e := New(users, src, nil, exec, bus, nil)

	e.RequestNotifications(c, checkable.NotificationAcknowledgement, nil, "", "")
	e.RequestNotifications(c, checkable.NotificationAcknowledgement, nil, "", "")

	assert.Equal(t, exec.calls, 2, "an acknowledgement notification must force past throttling")
}

func TestRequestNotificationsRespectsTypeFilter(t *testing.T) {
	c := newCheckableForTest()
	n := &Notification{
		Checkable:  c.Key(),
		Users:      []string{"bob"},
		Command:    "notify-by-mail",
		TypeFilter: map[checkable.NotificationType]bool{checkable.NotificationRecovery: true},
	}
	users := &fakeUsers{users: map[string]User{"bob": {Name: "bob"}}}
	src := &fakeSource{byKey: map[string][]*Notification{c.Key(): {n}}}
	exec := &recordingExecutor{}
	bus := eventbus.New()
	e := New(users, src, nil, exec, bus, nil)

	e.RequestNotifications(c, checkable.NotificationProblem, nil, "", "")
	assert.Equal(t, exec.calls, 0, "a Problem notification must be dropped when type_filter only allows Recovery")
}
