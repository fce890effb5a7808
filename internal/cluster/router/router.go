// Package router implements the MessageRouter of spec.md §4.7:
// RelayMessage's three-step contract (stamp, durably log, fan out),
// security-scope enforcement, and the durable/non-durable distinction
// that keeps heartbeats out of the replay log.
package router

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/sentryd/sentryd/internal/cluster/replaylog"
	"github.com/sentryd/sentryd/internal/cluster/wire"
)

// EndpointView is the subset of endpoint.Endpoint the Router depends on.
type EndpointView interface {
	Name() string
	Connected() bool
	Syncing() bool
	Send(msg wire.Message)
}

// DomainResolver decides whether a security-scoped message may be
// delivered to a given endpoint; satisfied by a thin adapter over
// domain.Membership.
type DomainResolver interface {
	Allows(sec *wire.Security, endpointName string) bool
}

// Source supplies the router's identity and the live connected-endpoint
// set at each RelayMessage call.
type Source interface {
	SelfIdentity() string
	Endpoints() []EndpointView
}

// Router implements RelayMessage.
type Router struct {
	source  Source
	log     *replaylog.Log // nil disables durable persistence (tests, non-clustered mode)
	domains DomainResolver
}

// New constructs a Router. log and domains may be nil.
func New(source Source, log *replaylog.Log, domains DomainResolver) *Router {
	return &Router{source: source, log: log, domains: domains}
}

// tsSeconds converts t to the float-seconds timestamp format spec.md
// §4.8 specifies for `params.ts`.
func tsSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// RelayMessage implements spec.md §4.7's three-step contract:
//  1. Stamp payload.ts = now.
//  2. If durable, append to the replay log.
//  3. Fan out to every connected, non-source, non-syncing endpoint whose
//     security scope (if any) allows it.
//
// params holds the method-specific fields; RelayMessage injects "ts"
// (and "security", if sec is set) before framing.
func (r *Router) RelayMessage(sourceEndpoint, method string, params map[string]any, sec *wire.Security, durable bool) error {
	now := time.Now()
	ts := tsSeconds(now)

	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	out["ts"] = ts
	if sec != nil {
		out["security"] = sec
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "router: marshal params")
	}
	msg := wire.Message{JSONRPC: "2.0", Method: method, Params: raw}

	if durable && r.log != nil {
		r.log.Append(replaylog.Record{TS: ts, Source: sourceEndpoint, Security: sec, Payload: raw})
	}

	self := r.source.SelfIdentity()
	for _, e := range r.source.Endpoints() {
		if !e.Connected() {
			continue
		}
		if e.Name() == sourceEndpoint || e.Name() == self {
			continue
		}
		if e.Syncing() {
			continue
		}
		if sec != nil && r.domains != nil && !r.domains.Allows(sec, e.Name()) {
			continue
		}
		e.Send(msg)
	}
	return nil
}
