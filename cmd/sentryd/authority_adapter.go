package main

import (
	"github.com/sentryd/sentryd/internal/authority"
	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/cluster/endpoint"
	"github.com/sentryd/sentryd/internal/registry"
)

// authoritySource implements authority.Source over the process registry
// and the endpoint table: the self node is always an implicit candidate
// advertising both features, connected peers advertise whatever their
// last HeartBeat reported.
type authoritySource struct {
	self      string
	endpoints *endpointTable
	reg       *registry.Registry[*checkable.Checkable]
}

func (s *authoritySource) SelfName() string { return s.self }

func (s *authoritySource) Candidates() []authority.Candidate {
	all := s.endpoints.All()
	out := make([]authority.Candidate, 0, len(all)+1)
	out = append(out, authority.Candidate{
		Name: s.self, Connected: true,
		Features: map[authority.Feature]bool{authority.FeatureChecker: true, authority.FeatureNotification: true},
	})
	for _, e := range all {
		out = append(out, authority.Candidate{
			Name:      e.Name(),
			Connected: e.Connected(),
			Features:  featureSet(e),
		})
	}
	return out
}

func featureSet(e *endpoint.Endpoint) map[authority.Feature]bool {
	m := make(map[authority.Feature]bool, 2)
	if e.HasFeature(string(authority.FeatureChecker)) {
		m[authority.FeatureChecker] = true
	}
	if e.HasFeature(string(authority.FeatureNotification)) {
		m[authority.FeatureNotification] = true
	}
	return m
}

func (s *authoritySource) Checkables() []authority.Checkable {
	all := s.reg.All()
	out := make([]authority.Checkable, len(all))
	for i, c := range all {
		out[i] = c.AuthorityCandidate()
	}
	return out
}

// authoritySink implements authority.Sink by resolving the election
// outcome's (type, name) back into the live Checkable via the registry.
type authoritySink struct {
	reg *registry.Registry[*checkable.Checkable]
}

func (s *authoritySink) SetAuthority(c authority.Checkable, f authority.Feature, owned bool) {
	obj, ok := s.reg.Get(registry.Key{Type: c.Type, Name: c.Name})
	if !ok {
		return
	}
	obj.SetAuthority(f, owned)
}
