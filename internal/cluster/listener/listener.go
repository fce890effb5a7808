// Package listener implements the ClusterListener of spec.md §4.6: the
// mutual-TLS listener and dialer pair that drives every configured
// Endpoint through Handshaking -> Syncing -> Connected, plus the 60s
// idle-eviction sweep.
package listener

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentryd/sentryd/internal/cluster/endpoint"
)

// dialInterval is the "every 5s" dial-retry cadence spec.md §4.6 names.
const dialInterval = 5 * time.Second

// evictSweepInterval is how often the idle sweep checks last_seen; it is
// unrelated to the 60s threshold itself.
const evictSweepInterval = time.Second

// Resolver supplies the configured endpoint set: ByName resolves an
// inbound certificate's CN back to a configured Endpoint (an
// unconfigured CN must be rejected, per spec.md §4.6's handshake rule);
// All lists every configured endpoint for the dial and eviction loops.
type Resolver interface {
	ByName(cn string) (*endpoint.Endpoint, bool)
	All() []*endpoint.Endpoint
}

// OnConnected is invoked once an accepted connection reaches the Syncing
// state, server role only (dialed connections are clients and do not
// push config/replay). It is the hook ConfigDistributor and
// ReplayLog.ReplayTo are driven from.
type OnConnected func(ctx context.Context, e *endpoint.Endpoint)

// Config holds the listener's static TLS and addressing configuration.
type Config struct {
	ListenAddr string // host:port; spec.md §4.6 calls for AF_INET6
	TLSConfig  *tls.Config
}

// Listener owns the TLS listener and the dial loop to configured peers.
type Listener struct {
	cfg      Config
	resolver Resolver
	dispatch endpoint.Dispatcher
	onServer OnConnected
	log      *logrus.Entry
}

// New constructs a Listener.
func New(cfg Config, resolver Resolver, dispatch endpoint.Dispatcher, onServer OnConnected, log *logrus.Entry) *Listener {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Listener{cfg: cfg, resolver: resolver, dispatch: dispatch, onServer: onServer, log: log}
}

// ListenAndServe binds cfg.ListenAddr and accepts connections until ctx
// is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := tls.Listen("tcp6", l.cfg.ListenAddr, l.cfg.TLSConfig)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.WithError(err).Warn("cluster listener: accept failed")
			continue
		}
		go l.handleAccepted(ctx, conn)
	}
}

func (l *Listener) handleAccepted(ctx context.Context, conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		l.log.WithError(err).Warn("cluster listener: tls handshake failed")
		conn.Close()
		return
	}

	cn := peerCommonName(tlsConn)
	e, ok := l.resolver.ByName(cn)
	if !ok {
		l.log.WithField("cn", cn).Warn("cluster listener: no endpoint configured for presented certificate")
		conn.Close()
		return
	}

	e.SetState(endpoint.StateHandshaking)
	e.SetState(endpoint.StateSyncing)
	e.SetSyncing(true)
	if l.onServer != nil {
		l.onServer(ctx, e)
	}

	if err := e.RunIO(ctx, tlsConn, l.dispatch); err != nil {
		l.log.WithError(err).WithField("peer", cn).Info("cluster listener: connection closed")
	}
}

// DialLoop dials every configured endpoint not currently Connected,
// every dialInterval, per spec.md §4.6's Dial rule.
func (l *Listener) DialLoop(ctx context.Context) {
	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range l.resolver.All() {
				if e.Connected() {
					continue
				}
				go l.dialOne(ctx, e)
			}
		}
	}
}

func (l *Listener) dialOne(ctx context.Context, e *endpoint.Endpoint) {
	host, port := e.Address()
	addr := net.JoinHostPort(host, port)

	dialer := &tls.Dialer{Config: l.cfg.TLSConfig}
	conn, err := dialer.DialContext(ctx, "tcp6", addr)
	if err != nil {
		l.log.WithError(err).WithField("peer", e.Name()).Debug("cluster listener: dial failed")
		return
	}
	tlsConn := conn.(*tls.Conn)

	cn := peerCommonName(tlsConn)
	if cn != e.Name() {
		l.log.WithFields(logrus.Fields{"expected": e.Name(), "got": cn}).Warn("cluster listener: peer identity mismatch")
		conn.Close()
		return
	}

	e.SetState(endpoint.StateHandshaking)
	e.SetState(endpoint.StateSyncing)

	if err := e.RunIO(ctx, tlsConn, l.dispatch); err != nil {
		l.log.WithError(err).WithField("peer", e.Name()).Info("cluster listener: connection closed")
	}
}

// EvictIdleLoop closes any Connected endpoint whose last_seen exceeds
// the 60s idle threshold.
func (l *Listener) EvictIdleLoop(ctx context.Context) {
	ticker := time.NewTicker(evictSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SweepOnce(time.Now())
		}
	}
}

// SweepOnce runs a single idle-eviction pass, exported so tests and the
// loop above share one implementation.
func (l *Listener) SweepOnce(now time.Time) {
	for _, e := range l.resolver.All() {
		if e.Connected() && e.IsIdle(now) {
			l.log.WithField("peer", e.Name()).Info("cluster listener: evicting idle endpoint")
			e.Close()
		}
	}
}

func peerCommonName(conn *tls.Conn) string {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
