package router

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sentryd/sentryd/internal/cluster/wire"
	"github.com/sentryd/sentryd/internal/domain"
)

type fakeEndpoint struct {
	name      string
	connected bool
	syncing   bool
	sent      []wire.Message
}

func (e *fakeEndpoint) Name() string      { return e.name }
func (e *fakeEndpoint) Connected() bool   { return e.connected }
func (e *fakeEndpoint) Syncing() bool     { return e.syncing }
func (e *fakeEndpoint) Send(m wire.Message) { e.sent = append(e.sent, m) }

type fakeSource struct {
	self string
	eps  []EndpointView
}

func (f *fakeSource) SelfIdentity() string       { return f.self }
func (f *fakeSource) Endpoints() []EndpointView { return f.eps }

func TestRelayMessageSkipsSourceSelfAndSyncing(t *testing.T) {
	origin := &fakeEndpoint{name: "origin", connected: true}
	syncing := &fakeEndpoint{name: "syncing-peer", connected: true, syncing: true}
	peer := &fakeEndpoint{name: "peerB", connected: true}
	selfEP := &fakeEndpoint{name: "self", connected: true}

	src := &fakeSource{self: "self", eps: []EndpointView{origin, syncing, peer, selfEP}}
	r := New(src, nil, nil)

	err := r.RelayMessage("origin", "cluster::StateChange", map[string]any{"x": 1}, nil, false)
	assert.NilError(t, err)

	assert.Equal(t, len(origin.sent), 0, "must not relay back to the originating endpoint")
	assert.Equal(t, len(syncing.sent), 0, "must not relay to an endpoint currently syncing")
	assert.Equal(t, len(selfEP.sent), 0, "must not relay to this node's own identity")
	assert.Equal(t, len(peer.sent), 1)
}

func TestRelayMessageEnforcesSecurityScope(t *testing.T) {
	restricted := domain.New("restricted")
	restricted.Grant("trusted-peer", domain.Read)

	resolver := RegistryDomainResolver{
		Lookup: func(objType, objName string) []*domain.Domain {
			return []*domain.Domain{restricted}
		},
	}

	trusted := &fakeEndpoint{name: "trusted-peer", connected: true}
	untrusted := &fakeEndpoint{name: "untrusted-peer", connected: true}

	src := &fakeSource{self: "self", eps: []EndpointView{trusted, untrusted}}
	r := New(src, nil, resolver)

	sec := &wire.Security{Type: "service", Name: "h1!svc", Privs: uint8(domain.Read)}
	err := r.RelayMessage("", "cluster::StateChange", map[string]any{"x": 1}, sec, false)
	assert.NilError(t, err)

	assert.Equal(t, len(trusted.sent), 1)
	assert.Equal(t, len(untrusted.sent), 0, "an endpoint outside the security scope must not receive the message")
}
