package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/cluster/authwire"
	"github.com/sentryd/sentryd/internal/cluster/configsync"
	"github.com/sentryd/sentryd/internal/cluster/endpoint"
	"github.com/sentryd/sentryd/internal/cluster/replaylog"
	"github.com/sentryd/sentryd/internal/cluster/router"
	"github.com/sentryd/sentryd/internal/cluster/wire"
)

// endpointTable is the process-wide set of configured peers, built once
// at startup from config.File.Peers and handed by reference to the
// listener, router, and authority manager — spec.md §9's "encapsulate
// as explicit services ... reject ambient globals".
type endpointTable struct {
	mu   sync.RWMutex
	self string
	byName map[string]*endpoint.Endpoint
}

func newEndpointTable(self string) *endpointTable {
	return &endpointTable{self: self, byName: make(map[string]*endpoint.Endpoint)}
}

func (t *endpointTable) add(e *endpoint.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[e.Name()] = e
}

// ByName implements listener.Resolver.
func (t *endpointTable) ByName(cn string) (*endpoint.Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byName[cn]
	return e, ok
}

// All implements listener.Resolver.
func (t *endpointTable) All() []*endpoint.Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*endpoint.Endpoint, 0, len(t.byName))
	for _, e := range t.byName {
		out = append(out, e)
	}
	return out
}

// SelfIdentity implements router.Source.
func (t *endpointTable) SelfIdentity() string { return t.self }

// Endpoints implements router.Source.
func (t *endpointTable) Endpoints() []router.EndpointView {
	all := t.All()
	out := make([]router.EndpointView, len(all))
	for i, e := range all {
		out[i] = e
	}
	return out
}

// dispatchFrom adapts an authwire.Table into an endpoint.Dispatcher:
// unknown methods are dropped (ProtocolViolation-class, logged, never
// fatal), per spec.md §7.
func dispatchFrom(table authwire.Table, log *logrus.Entry) endpoint.Dispatcher {
	return func(e *endpoint.Endpoint, msg wire.Message) error {
		h, ok := table[msg.Method]
		if !ok {
			log.WithField("method", msg.Method).Debug("cluster: dropping unknown method")
			return nil
		}
		return h(e, msg.Params)
	}
}

// onConnected builds the listener.OnConnected hook driving replay and
// config push once an accepted connection reaches Syncing, per spec.md
// §4.6/§4.9.
func onConnected(log *replaylog.Log, dist *configsync.Distributor, pushGlobs []string, stateDirBase, selfIdentity string) func(ctx context.Context, e *endpoint.Endpoint) {
	return func(ctx context.Context, e *endpoint.Endpoint) {
		if log != nil {
			sender := replayPeerView{e: e}
			_ = log.ReplayTo(sender, e.LocalLogPosition(), func(rec replaylog.Record) error {
				e.Send(wire.Message{JSONRPC: "2.0", Method: "cluster::Replay", Params: rec.Payload})
				return nil
			})
		}
		e.SetSyncing(false)
		e.SetState(endpoint.StateConnected)

		if dist == nil || len(pushGlobs) == 0 {
			return
		}
		files, err := configsync.Bundle(stateDirBase, pushGlobs)
		if err != nil {
			return
		}
		payload, err := json.Marshal(struct {
			Identity    string            `json:"identity"`
			ConfigFiles map[string]string `json:"config_files"`
		}{Identity: selfIdentity, ConfigFiles: files})
		if err != nil {
			return
		}
		e.Send(wire.Message{JSONRPC: "2.0", Method: "cluster::Config", Params: payload})
	}
}

// replayPeerView adapts *endpoint.Endpoint to replaylog.PeerView.
type replayPeerView struct{ e *endpoint.Endpoint }

func (p replayPeerView) Name() string { return p.e.Name() }
func (p replayPeerView) HasPrivileges(sec *wire.Security) bool { return p.e.HasPrivileges(sec) }

// checkableResolver implements authwire.CheckableResolver over the type
// registry.
type checkableResolver struct {
	lookup func(key string) (*checkable.Checkable, bool)
}

func (r checkableResolver) Resolve(key string) (*checkable.Checkable, bool) { return r.lookup(key) }
