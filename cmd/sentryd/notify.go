package main

import (
	"time"

	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/config"
	"github.com/sentryd/sentryd/internal/notification"
)

// staticUsers implements notification.UserResolver over the flat
// config.File user/group lists; the out-of-scope config compiler would
// otherwise own this lookup.
type staticUsers struct {
	users  map[string]notification.User
	groups map[string]notification.UserGroup
}

func newStaticUsers(f *config.File) *staticUsers {
	s := &staticUsers{
		users:  make(map[string]notification.User, len(f.Users)),
		groups: make(map[string]notification.UserGroup, len(f.UserGroups)),
	}
	for _, u := range f.Users {
		s.users[u.Name] = notification.User{Name: u.Name, NotificationPeriod: u.NotificationPeriod, Command: u.Command}
	}
	for _, g := range f.UserGroups {
		s.groups[g.Name] = notification.UserGroup{Name: g.Name, Members: g.Members}
	}
	return s
}

func (s *staticUsers) User(name string) (notification.User, bool) {
	u, ok := s.users[name]
	return u, ok
}

func (s *staticUsers) Group(name string) (notification.UserGroup, bool) {
	g, ok := s.groups[name]
	return g, ok
}

// staticNotifications implements notification.Source by materializing
// every config.NotificationConfig attached to each checkable once at
// startup, keyed by the checkable's registry key.
type staticNotifications struct {
	byCheckable map[string][]*notification.Notification
}

func newStaticNotifications(f *config.File) *staticNotifications {
	s := &staticNotifications{byCheckable: make(map[string][]*notification.Notification)}
	for _, cc := range f.Checkables {
		key := checkableKey(cc)
		for _, nc := range cc.Notifications {
			s.byCheckable[key] = append(s.byCheckable[key], &notification.Notification{
				Checkable:            key,
				Users:                nc.Users,
				UserGroups:           nc.UserGroups,
				StateFilter:          parseStateFilter(nc.States),
				TypeFilter:           parseTypeFilter(nc.Types),
				NotificationInterval: time.Duration(nc.NotificationIntervalSec * float64(time.Second)),
				Command:              nc.Command,
			})
		}
	}
	return s
}

func (s *staticNotifications) NotificationsFor(key string) []*notification.Notification {
	return s.byCheckable[key]
}

func checkableKey(cc config.CheckableConfig) string {
	if cc.ShortName == "" {
		return "host\t" + cc.HostName
	}
	return "service\t" + cc.HostName + "!" + cc.ShortName
}

func parseStateFilter(states []string) map[checkable.State]bool {
	if len(states) == 0 {
		return nil
	}
	out := make(map[checkable.State]bool, len(states))
	for _, s := range states {
		switch s {
		case "OK":
			out[checkable.StateOK] = true
		case "Warning":
			out[checkable.StateWarning] = true
		case "Critical":
			out[checkable.StateCritical] = true
		case "Unknown":
			out[checkable.StateUnknown] = true
		}
	}
	return out
}

func parseTypeFilter(types []string) map[checkable.NotificationType]bool {
	if len(types) == 0 {
		return nil
	}
	out := make(map[checkable.NotificationType]bool, len(types))
	for _, t := range types {
		switch t {
		case "Problem":
			out[checkable.NotificationProblem] = true
		case "Recovery":
			out[checkable.NotificationRecovery] = true
		case "Acknowledgement":
			out[checkable.NotificationAcknowledgement] = true
		case "Custom":
			out[checkable.NotificationCustom] = true
		case "DowntimeStart":
			out[checkable.NotificationDowntimeStart] = true
		case "DowntimeEnd":
			out[checkable.NotificationDowntimeEnd] = true
		case "DowntimeRemoved":
			out[checkable.NotificationDowntimeRemoved] = true
		case "FlappingStart":
			out[checkable.NotificationFlappingStart] = true
		case "FlappingEnd":
			out[checkable.NotificationFlappingEnd] = true
		}
	}
	return out
}
