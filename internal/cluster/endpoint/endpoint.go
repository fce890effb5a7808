// Package endpoint implements the per-peer connection state machine of
// spec.md §4.6: Disconnected -> Handshaking -> Syncing -> Connected,
// with 60s idle eviction and a reader/writer goroutine pair per
// connection.
package endpoint

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentryd/sentryd/internal/cluster/wire"
)

// State is one node of the connection lifecycle state machine.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateSyncing
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// idleTimeout is the 60s eviction threshold spec.md §4.6 names.
const idleTimeout = 60 * time.Second

// Endpoint is one logical remote peer.
type Endpoint struct {
	name string // CN of the endpoint's certificate
	host string
	port string

	mu                sync.Mutex
	state             State
	stream            io.ReadWriteCloser
	lastSeen          time.Time
	localLogPosition  float64
	remoteLogPosition float64
	syncing           bool
	features          map[string]bool

	outbox chan wire.Message
	cancel context.CancelFunc
}

// New constructs a not-yet-connected Endpoint for host:port, identified
// by name (the CN it is expected to present).
func New(name, host, port string) *Endpoint {
	return &Endpoint{
		name:     name,
		host:     host,
		port:     port,
		state:    StateDisconnected,
		features: make(map[string]bool),
	}
}

// Name returns the endpoint's identity (its certificate CN).
func (e *Endpoint) Name() string { return e.name }

// Address returns the configured host:port this endpoint dials.
func (e *Endpoint) Address() (host, port string) { return e.host, e.port }

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connected reports whether the endpoint is in the Connected state.
func (e *Endpoint) Connected() bool { return e.State() == StateConnected }

// Syncing reports whether a replay is currently in progress to this peer.
func (e *Endpoint) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// SetSyncing sets the syncing flag.
func (e *Endpoint) SetSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

// Touch records now as the endpoint's last_seen.
func (e *Endpoint) Touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

// IsIdle reports whether the endpoint has exceeded the 60s idle
// eviction threshold.
func (e *Endpoint) IsIdle(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastSeen.IsZero() && now.Sub(e.lastSeen) > idleTimeout
}

// LocalLogPosition returns the replay bookmark our node must advance
// from when sending to this peer.
func (e *Endpoint) LocalLogPosition() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localLogPosition
}

// SetLocalLogPosition updates it, e.g. from a received cluster::SetLogPosition.
func (e *Endpoint) SetLocalLogPosition(ts float64) {
	e.mu.Lock()
	e.localLogPosition = ts
	e.mu.Unlock()
}

// RemoteLogPosition returns the timestamp we have told the peer we
// acknowledged.
func (e *Endpoint) RemoteLogPosition() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteLogPosition
}

// SetRemoteLogPosition updates it.
func (e *Endpoint) SetRemoteLogPosition(ts float64) {
	e.mu.Lock()
	e.remoteLogPosition = ts
	e.mu.Unlock()
}

// SetFeatures replaces the advertised feature set (e.g. {"checker",
// "notification"}), refreshed from each HeartBeat.
func (e *Endpoint) SetFeatures(features []string) {
	m := make(map[string]bool, len(features))
	for _, f := range features {
		m[f] = true
	}
	e.mu.Lock()
	e.features = m
	e.mu.Unlock()
}

// HasFeature reports whether the peer currently advertises feature.
func (e *Endpoint) HasFeature(feature string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.features[feature]
}

// HasPrivileges satisfies replaylog.PeerView; endpoint-level privilege
// enforcement is delegated to the domain package by the router, so this
// always allows and exists only to let Endpoint plug directly into
// ReplayLog.ReplayTo in the common unrestricted case.
func (e *Endpoint) HasPrivileges(sec *wire.Security) bool { return true }

// SetState moves the endpoint to s; used by the listener to drive the
// Handshaking -> Syncing transition before RunIO takes it Connected.
func (e *Endpoint) SetState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Send enqueues msg for the writer goroutine. It blocks if the outbox is
// saturated rather than dropping, matching spec.md §5's back-pressure
// policy for durable producers.
func (e *Endpoint) Send(msg wire.Message) {
	e.mu.Lock()
	ob := e.outbox
	e.mu.Unlock()
	if ob != nil {
		ob <- msg
	}
}

// Close tears down the connection and returns the endpoint to
// Disconnected.
func (e *Endpoint) Close() {
	e.mu.Lock()
	cancel := e.cancel
	stream := e.stream
	e.cancel = nil
	e.stream = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

// Dispatcher handles one decoded inbound message.
type Dispatcher func(e *Endpoint, msg wire.Message) error

// RunIO drives the reader/writer goroutine pair over stream until ctx is
// cancelled or either goroutine fails; a reader failure tears down its
// paired writer and vice versa, via errgroup (golang.org/x/sync), per
// spec.md §4.6's "one per-endpoint writer, one per-endpoint reader"
// thread pool entries.
func (e *Endpoint) RunIO(ctx context.Context, stream io.ReadWriteCloser, dispatch Dispatcher) error {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.stream = stream
	e.cancel = cancel
	e.outbox = make(chan wire.Message, 256)
	e.state = StateConnected
	e.mu.Unlock()

	defer e.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r := wire.NewReader(stream)
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				return err
			}
			e.Touch(time.Now())
			if err := dispatch(e, msg); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		w := wire.NewWriter(stream)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-e.outbox:
				if !ok {
					return nil
				}
				if err := w.WriteMessage(msg); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}
