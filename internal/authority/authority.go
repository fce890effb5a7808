// Package authority implements the deterministic, stateless authority
// election described in spec.md §4.4: for each (checkable, feature) pair,
// every node computes the same owner from the same connected set without
// any quorum protocol.
package authority

import (
	"context"
	"sort"
	"time"

	"github.com/sentryd/sentryd/internal/eventbus"
)

// Feature names a capability an endpoint can advertise over HeartBeat.
type Feature string

const (
	FeatureChecker       Feature = "checker"
	FeatureNotification  Feature = "notification"
)

// Candidate is a member eligible for election: the local node, or a
// connected peer endpoint.
type Candidate struct {
	Name      string
	Connected bool
	Features  map[Feature]bool
}

// Checkable is the minimal view of a checkable the Manager needs: its
// identity for hashing and an optional whitelist restricting which
// endpoints may ever hold authority over it.
type Checkable struct {
	Type               string
	Name               string
	AuthorityWhitelist []string // empty means "no restriction"
}

// electionKey is checkable.Type + "\t" + checkable.Name, the exact string
// spec.md §4.4 hashes.
func electionKey(c Checkable) string {
	return c.Type + "\t" + c.Name
}

// Source supplies the current candidate set and checkable list at each
// tick. The Manager owns no registry itself; it is handed references, per
// spec.md §9's "reject ambient globals".
type Source interface {
	SelfName() string
	Candidates() []Candidate
	Checkables() []Checkable
}

// Sink receives the outcome of an election: whether self holds authority
// for feature f over checkable c.
type Sink interface {
	SetAuthority(c Checkable, f Feature, owned bool)
}

// Manager runs the 5s election tick.
type Manager struct {
	source Source
	sink   Sink
	bus    *eventbus.Bus
	tick   time.Duration
}

// New constructs a Manager. tick defaults to 5s when zero.
func New(source Source, sink Sink, bus *eventbus.Bus, tick time.Duration) *Manager {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Manager{
		source: source,
		sink:   sink,
		bus:    bus,
		tick:   tick,
	}
}

// Run drives the election loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// RunOnce performs a single election pass over every checkable and
// feature; exported so tests (and the scheduler, which needs authority
// resolved before its own tick) can drive it deterministically.
func (m *Manager) RunOnce() {
	self := m.source.SelfName()
	candidates := m.source.Candidates()
	checkables := m.source.Checkables()
	for _, feature := range []Feature{FeatureChecker, FeatureNotification} {
		for _, c := range checkables {
			owner, ok := Elect(self, candidates, c, feature)
			m.sink.SetAuthority(c, feature, ok && owner == self)
		}
	}
}

// Elect resolves the single-checkable, single-feature owner per spec.md
// §4.4 steps 1–3: filter to connected-or-self endpoints supporting the
// feature (and, if set, on the checkable's whitelist), sort
// lexicographically, then index by SDBM(type+"\t"+name) mod len(E).
func Elect(self string, candidates []Candidate, c Checkable, feature Feature) (owner string, ok bool) {
	eligible := make([]string, 0, len(candidates))
	var whitelist map[string]bool
	if len(c.AuthorityWhitelist) > 0 {
		whitelist = make(map[string]bool, len(c.AuthorityWhitelist))
		for _, w := range c.AuthorityWhitelist {
			whitelist[w] = true
		}
	}

	for _, cand := range candidates {
		if !cand.Connected && cand.Name != self {
			continue
		}
		if !cand.Features[feature] {
			continue
		}
		if whitelist != nil && !whitelist[cand.Name] {
			continue
		}
		eligible = append(eligible, cand.Name)
	}

	if len(eligible) == 0 {
		return "", false
	}

	sort.Strings(eligible)
	h := sdbm(electionKey(c))
	idx := int(h % uint32(len(eligible)))
	return eligible[idx], true
}
