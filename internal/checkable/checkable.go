// Package checkable implements the Checkable state machine described in
// spec.md §3/§4.1: the polymorphic Host/Service object that holds check
// result history, acknowledgement, downtime depth, and the state-machine
// invariants every ProcessCheckResult call must preserve.
package checkable

import (
	"fmt"
	"sync"
	"time"

	"github.com/sentryd/sentryd/internal/annotation"
	"github.com/sentryd/sentryd/internal/authority"
	"github.com/sentryd/sentryd/internal/domain"
	"github.com/sentryd/sentryd/internal/eventbus"
)

// State is one of the four check states. A Host only ever uses OK,
// Critical, and Unknown (spec.md §3); ProcessCheckResult collapses a
// Warning result against a Host to Critical before applying it
// (spec.md §4.2).
type State int

const (
	StateOK State = iota
	StateWarning
	StateCritical
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateWarning:
		return "Warning"
	case StateCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// StateType distinguishes a still-escalating Soft state from an accepted,
// notifiable Hard state.
type StateType int

const (
	StateTypeSoft StateType = iota
	StateTypeHard
)

// NotificationType enumerates the notification classes spec.md §4.3
// names. Defined here (rather than in the notification package) so
// Checkable can request a notification without importing back from
// notification, which itself imports checkable.
type NotificationType int

const (
	NotificationProblem NotificationType = iota
	NotificationRecovery
	NotificationAcknowledgement
	NotificationCustom
	NotificationDowntimeStart
	NotificationDowntimeEnd
	NotificationDowntimeRemoved
	NotificationFlappingStart
	NotificationFlappingEnd
)

// Notifier is the collaborator a Checkable asks to evaluate and fan out
// notifications; satisfied by notification.Engine.
type Notifier interface {
	RequestNotifications(c *Checkable, kind NotificationType, result *CheckResult, author, text string)
}

// CheckResult is the outcome of one check execution, either from the
// Plugin collaborator or a passive cluster submission.
type CheckResult struct {
	ExitCode       int       `json:"exit_code"`
	Output         string    `json:"stdout_text"`
	PerfData       string    `json:"perfdata_parsed"`
	ExecutionStart time.Time `json:"execution_start"`
	ExecutionEnd   time.Time `json:"execution_end"`
	CheckTime      time.Time `json:"check_time"` // when the result was produced; stamped with now if zero
}

// Config holds the static check configuration spec.md §3 lists.
type Config struct {
	CheckCommand      string
	CheckTimeout      time.Duration // default 60s, applied by the Scheduler
	CheckInterval     time.Duration
	RetryInterval     time.Duration
	MaxCheckAttempts  int
	CheckPeriod       string
	EventCommand      string
	ActiveChecks      bool
	PassiveChecks     bool
	Notifications     bool
	FlappingDetection bool
	EventHandler      bool
	Perfdata          bool
	FlappingThreshold float64 // percent, default 30
}

// Dependency is one edge in the reachability DAG (spec.md §4.1): this
// checkable is unreachable when Parent's current hard state is not in
// StateFilter, or Parent's check period is inactive.
type Dependency struct {
	Parent      *Checkable
	StateFilter map[State]bool
}

// Checkable is a Host (ShortName == "") or Service.
type Checkable struct {
	mu sync.Mutex

	hostName  string
	shortName string
	cfg       Config

	selfIdentity string

	domains      []*domain.Domain
	dependencies []Dependency
	whitelist    []string // AuthorityWhitelist, empty means unrestricted

	state             State
	stateType         StateType
	currentAttempt    int
	lastCheck         time.Time
	nextCheck         time.Time
	lastStateChange   time.Time
	lastHardStateChange time.Time
	lastCheckResult   *CheckResult
	forceNextCheck    bool

	ack annotation.Acknowledgement

	flappingCurrent    float64
	flappingPositive   float64
	flappingNegative   float64
	flappingLastChange time.Time

	downtimeDepth int

	hasAuthority map[authority.Feature]bool

	modifiedAttributes uint64

	notifier    Notifier
	bus         *eventbus.Bus
	downtimeMgr *annotation.DowntimeManager
	commentMgr  *annotation.CommentManager

	sentProblemNotification bool
	notificationNumber      int

	firstSchedule bool
}

// New constructs a Checkable. shortName == "" makes it a Host.
func New(hostName, shortName string, cfg Config, selfIdentity string, notifier Notifier, bus *eventbus.Bus) *Checkable {
	if cfg.MaxCheckAttempts <= 0 {
		cfg.MaxCheckAttempts = 1
	}
	if cfg.FlappingThreshold <= 0 {
		cfg.FlappingThreshold = 30
	}
	return &Checkable{
		hostName:       hostName,
		shortName:      shortName,
		cfg:            cfg,
		selfIdentity:   selfIdentity,
		state:          StateOK,
		stateType:      StateTypeHard,
		currentAttempt: 1,
		notifier:       notifier,
		bus:            bus,
		hasAuthority:   make(map[authority.Feature]bool),
		firstSchedule:  true,
	}
}

// NewHost constructs a degenerate Checkable with an empty short name.
func NewHost(hostName string, cfg Config, selfIdentity string, notifier Notifier, bus *eventbus.Bus) *Checkable {
	return New(hostName, "", cfg, selfIdentity, notifier, bus)
}

// NewService constructs a Checkable bound to a host.
func NewService(hostName, shortName string, cfg Config, selfIdentity string, notifier Notifier, bus *eventbus.Bus) *Checkable {
	if shortName == "" {
		panic("checkable: service short name must not be empty")
	}
	return New(hostName, shortName, cfg, selfIdentity, notifier, bus)
}

// IsHost reports whether this checkable is a degenerate Host.
func (c *Checkable) IsHost() bool { return c.shortName == "" }

// Type returns "host" or "service", the registry type tag.
func (c *Checkable) Type() string {
	if c.IsHost() {
		return "host"
	}
	return "service"
}

// FullName is the Icinga-style "host!service" name, or just the host
// name for a Host.
func (c *Checkable) FullName() string {
	if c.IsHost() {
		return c.hostName
	}
	return fmt.Sprintf("%s!%s", c.hostName, c.shortName)
}

// Key is the registry-key string form "type\tname", matching
// registry.Key.String() and the key annotation.Downtime/Comment store.
func (c *Checkable) Key() string { return c.Type() + "\t" + c.FullName() }

// HostName returns the host part of this checkable's identity.
func (c *Checkable) HostName() string { return c.hostName }

// ShortName returns the service part, or "" for a Host.
func (c *Checkable) ShortName() string { return c.shortName }

// Config returns a copy of the static configuration.
func (c *Checkable) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetDomains sets the security domains this checkable belongs to.
func (c *Checkable) SetDomains(domains []*domain.Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains = domains
}

// Domains returns the security domains this checkable belongs to, used
// by the MessageRouter's DomainResolver to re-derive Privileges for an
// arbitrary endpoint without duplicating the domain union rule.
func (c *Checkable) Domains() []*domain.Domain {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domains
}

// SetDependencies sets the reachability dependency edges.
func (c *Checkable) SetDependencies(deps []Dependency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependencies = deps
}

// SetAuthorityWhitelist restricts which endpoint names may ever be
// elected authority for this checkable; empty means unrestricted.
func (c *Checkable) SetAuthorityWhitelist(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelist = names
}

// Privileges resolves the effective privilege mask endpoint holds over
// this checkable, per spec.md §3's domain union rule.
func (c *Checkable) Privileges(endpoint string) domain.Privilege {
	c.mu.Lock()
	domains := c.domains
	c.mu.Unlock()
	return domain.Membership(domains, endpoint)
}

// AuthorityCandidate produces the lightweight view authority.Elect needs.
func (c *Checkable) AuthorityCandidate() authority.Checkable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return authority.Checkable{Type: c.Type(), Name: c.FullName(), AuthorityWhitelist: c.whitelist}
}

// SetAuthority records whether this node currently holds authority for
// feature f over this checkable; called by authority.Manager each tick.
func (c *Checkable) SetAuthority(f authority.Feature, owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasAuthority[f] = owned
}

// HasAuthority reports whether this node currently holds authority for f.
func (c *Checkable) HasAuthority(f authority.Feature) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasAuthority[f]
}

// State returns the current state.
func (c *Checkable) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateType returns Soft or Hard.
func (c *Checkable) StateType() StateType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateType
}

// CurrentAttempt returns the current attempt counter.
func (c *Checkable) CurrentAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentAttempt
}

// NextCheck returns the scheduled next check time.
func (c *Checkable) NextCheck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextCheck
}

// LastCheckResult returns the most recently applied check result.
func (c *Checkable) LastCheckResult() *CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCheckResult
}

// DowntimeDepth returns the number of currently active downtimes, the
// invariant spec.md §3 names downtime_depth.
func (c *Checkable) DowntimeDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downtimeDepth
}

// Acknowledgement returns the current acknowledgement state.
func (c *Checkable) Acknowledgement() annotation.Acknowledgement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ack
}

// authorized implements the "authority is a no-op gate, not a rejection"
// rule from spec.md §4.1: an empty authority always passes (a locally
// originated mutation); a non-empty authority only passes when it names
// this node.
func (c *Checkable) authorized(author string) bool {
	return author == "" || author == c.selfIdentity
}

// IncrementDowntimeDepth implements annotation.DepthTarget.
func (c *Checkable) IncrementDowntimeDepth() {
	c.mu.Lock()
	c.downtimeDepth++
	c.mu.Unlock()
}

// DecrementDowntimeDepth implements annotation.DepthTarget.
func (c *Checkable) DecrementDowntimeDepth() {
	c.mu.Lock()
	if c.downtimeDepth > 0 {
		c.downtimeDepth--
	}
	c.mu.Unlock()
}

// RequestNotification implements annotation.DepthTarget by translating a
// string notification kind into a NotificationType and asking the
// Notifier to evaluate it.
func (c *Checkable) RequestNotification(kind string, author, text string) {
	var nt NotificationType
	switch kind {
	case "DowntimeStart":
		nt = NotificationDowntimeStart
	case "DowntimeEnd":
		nt = NotificationDowntimeEnd
	case "DowntimeRemoved":
		nt = NotificationDowntimeRemoved
	case "FlappingStart":
		nt = NotificationFlappingStart
	case "FlappingEnd":
		nt = NotificationFlappingEnd
	case "Custom":
		nt = NotificationCustom
	case "Acknowledgement":
		nt = NotificationAcknowledgement
	default:
		return
	}
	if c.notifier != nil {
		c.notifier.RequestNotifications(c, nt, c.LastCheckResult(), author, text)
	}
}

// RegistryResolver adapts any lookup function into an annotation.Resolver,
// so DowntimeManager can resolve a checkable key back into a DepthTarget
// without importing this package (and creating a cycle).
type RegistryResolver struct {
	Lookup func(key string) (*Checkable, bool)
}

func (r RegistryResolver) Resolve(key string) (annotation.DepthTarget, bool) {
	c, ok := r.Lookup(key)
	if !ok {
		return nil, false
	}
	return c, true
}
