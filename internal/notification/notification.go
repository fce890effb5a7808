// Package notification implements the NotificationEngine of spec.md
// §4.3: per-checkable notification objects, user/group resolution,
// period/state/type filtering, throttling, and the Plugin-backed
// notification command fan-out.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/eventbus"
	"github.com/sentryd/sentryd/internal/plugin"
)

// User is a notification recipient.
type User struct {
	Name               string
	NotificationPeriod string
	Command            string
}

// UserGroup is a named set of User names.
type UserGroup struct {
	Name    string
	Members []string
}

// Notification is one notification object attached to a checkable,
// spec.md §3's "attached: ... notifications: set<Notification>".
type Notification struct {
	Checkable            string // registry key
	Users                []string
	UserGroups           []string
	StateFilter          map[checkable.State]bool
	TypeFilter           map[checkable.NotificationType]bool
	NotificationInterval time.Duration
	Command              string

	mu       sync.Mutex
	lastSent map[string]time.Time // per-user throttle bookkeeping
}

// UserResolver resolves user and group names into User/UserGroup
// objects; the config layer that populates these is out of scope.
type UserResolver interface {
	User(name string) (User, bool)
	Group(name string) (UserGroup, bool)
}

// Source supplies the Notification objects attached to a checkable.
type Source interface {
	NotificationsFor(key string) []*Notification
}

// Engine implements checkable.Notifier.
type Engine struct {
	users    UserResolver
	notifs   Source
	periods  checkable.PeriodChecker
	executor plugin.Executor
	bus      *eventbus.Bus
	log      *logrus.Entry
}

// New constructs an Engine. periods may be nil, in which case every
// notification_period is treated as always-active.
func New(users UserResolver, notifs Source, periods checkable.PeriodChecker, executor plugin.Executor, bus *eventbus.Bus, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{users: users, notifs: notifs, periods: periods, executor: executor, bus: bus, log: log}
}

// RequestNotifications implements spec.md §4.3's six-step algorithm for
// every Notification attached to c.
func (e *Engine) RequestNotifications(c *checkable.Checkable, kind checkable.NotificationType, result *checkable.CheckResult, author, text string) {
	force := kind == checkable.NotificationAcknowledgement || kind == checkable.NotificationCustom
	now := time.Now()

	for _, n := range e.notifs.NotificationsFor(c.Key()) {
		if len(n.TypeFilter) > 0 && !n.TypeFilter[kind] {
			continue
		}
		if len(n.StateFilter) > 0 && !n.StateFilter[c.State()] {
			continue
		}

		recipients := e.resolveUsers(n)

		var sentAny bool
		for _, u := range recipients {
			if u.NotificationPeriod != "" && e.periods != nil && !e.periods.Active(u.NotificationPeriod, now) {
				continue
			}
			if !force && !n.allow(u.Name, n.NotificationInterval, now) {
				continue
			}

			e.sendOne(n, u, c, kind, result, text)
			n.markSent(u.Name, now)
			sentAny = true

			e.bus.Publish(eventbus.TopicNotificationSentToUser, author, NotificationSentEvent{
				Checkable: c, Notification: n, User: u.Name, Kind: kind,
			})
		}

		if sentAny {
			e.bus.Publish(eventbus.TopicNotificationSentToUsers, author, NotificationSentEvent{
				Checkable: c, Notification: n, Kind: kind,
			})
		}
	}
}

func (n *Notification) allow(user string, interval time.Duration, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastSent == nil {
		return true
	}
	last, ok := n.lastSent[user]
	if !ok || interval <= 0 {
		return true
	}
	return now.Sub(last) >= interval
}

func (n *Notification) markSent(user string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastSent == nil {
		n.lastSent = make(map[string]time.Time)
	}
	n.lastSent[user] = now
}

func (e *Engine) resolveUsers(n *Notification) []User {
	seen := make(map[string]bool)
	var out []User

	add := func(name string) {
		if seen[name] {
			return
		}
		if u, ok := e.users.User(name); ok {
			seen[name] = true
			out = append(out, u)
		}
	}

	for _, name := range n.Users {
		add(name)
	}
	for _, gname := range n.UserGroups {
		g, ok := e.users.Group(gname)
		if !ok {
			continue
		}
		for _, m := range g.Members {
			add(m)
		}
	}
	return out
}

func (e *Engine) sendOne(n *Notification, u User, c *checkable.Checkable, kind checkable.NotificationType, result *checkable.CheckResult, text string) {
	command := u.Command
	if command == "" {
		command = n.Command
	}
	if command == "" || e.executor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if _, err := e.executor.Execute(ctx, command, 60*time.Second); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"checkable": c.FullName(),
			"user":      u.Name,
		}).Warn("notification command failed")
	}
}

// NotificationSentEvent is published on TopicNotificationSentToUser and
// TopicNotificationSentToUsers.
type NotificationSentEvent struct {
	Checkable    *checkable.Checkable
	Notification *Notification
	User         string
	Kind         checkable.NotificationType
}
