package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentryd/sentryd/internal/annotation"
	"github.com/sentryd/sentryd/internal/authority"
	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/cluster/authwire"
	"github.com/sentryd/sentryd/internal/cluster/configsync"
	"github.com/sentryd/sentryd/internal/cluster/endpoint"
	"github.com/sentryd/sentryd/internal/cluster/listener"
	"github.com/sentryd/sentryd/internal/cluster/replaylog"
	"github.com/sentryd/sentryd/internal/cluster/router"
	"github.com/sentryd/sentryd/internal/config"
	"github.com/sentryd/sentryd/internal/domain"
	"github.com/sentryd/sentryd/internal/eventbus"
	"github.com/sentryd/sentryd/internal/metrics"
	"github.com/sentryd/sentryd/internal/notification"
	"github.com/sentryd/sentryd/internal/plugin"
	"github.com/sentryd/sentryd/internal/registry"
	"github.com/sentryd/sentryd/internal/scheduler"
)

// daemon holds every long-running component; Run starts them all and
// blocks until ctx is cancelled.
type daemon struct {
	log *logrus.Entry
	cfg *config.File

	bus       *eventbus.Bus
	reg       *registry.Registry[*checkable.Checkable]
	byKey     map[string]*checkable.Checkable
	endpoints *endpointTable

	sched     *scheduler.Scheduler
	notifier  *notification.Engine
	authorityMgr *authority.Manager
	metricsReg   *metrics.Registry
	replay       *replaylog.Log
	rtr          *router.Router
	dist         *configsync.Distributor
	listen       *listener.Listener
	downtimeMgr  *annotation.DowntimeManager
	commentMgr   *annotation.CommentManager
	ackMgr       *annotation.AckManager
	status       *statusServer
}

func newDaemon(f *config.File, log *logrus.Entry) (*daemon, error) {
	d := &daemon{log: log, cfg: f}

	d.bus = eventbus.New()
	d.reg = registry.New[*checkable.Checkable]()
	d.byKey = make(map[string]*checkable.Checkable)
	d.endpoints = newEndpointTable(f.Identity)

	domains := f.BuildDomains()

	notifUsers := newStaticUsers(f)
	notifSource := newStaticNotifications(f)
	executor := &plugin.ProcessExecutor{Shell: []string{"/bin/sh", "-c"}}
	d.notifier = notification.New(notifUsers, notifSource, nil, executor, d.bus, log.WithField("component", "notification"))

	for _, cc := range f.Checkables {
		c := checkable.New(cc.HostName, cc.ShortName, checkable.Config{
			CheckCommand:      cc.CheckCommand,
			CheckTimeout:      cc.CheckTimeout(),
			CheckInterval:     cc.CheckInterval(),
			RetryInterval:     cc.RetryInterval(),
			MaxCheckAttempts:  cc.MaxCheckAttempts,
			CheckPeriod:       cc.CheckPeriod,
			EventCommand:      cc.EventCommand,
			ActiveChecks:      cc.ActiveChecks,
			PassiveChecks:     cc.PassiveChecks,
			Notifications:     cc.Notifications,
			FlappingDetection: cc.FlappingDetection,
			EventHandler:      cc.EventHandler,
			Perfdata:          cc.Perfdata,
			FlappingThreshold: cc.FlappingThreshold,
		}, f.Identity, d.notifier, d.bus)

		c.SetDomains(cc.Resolve(domains))
		c.SetAuthorityWhitelist(cc.AuthorityWhitelist)

		key := registry.Key{Type: c.Type(), Name: c.FullName()}
		if err := d.reg.Register(key, c); err != nil {
			return nil, err
		}
		d.byKey[c.Key()] = c
	}

	for _, cc := range f.Checkables {
		if cc.DependsOn == "" {
			continue
		}
		child, ok := d.byKey[checkableKey(cc)]
		if !ok {
			continue
		}
		parent, ok := d.byKey[cc.DependsOn]
		if !ok {
			continue
		}
		child.SetDependencies([]checkable.Dependency{{Parent: parent, StateFilter: map[checkable.State]bool{checkable.StateOK: true}}})
	}

	resolver := checkable.RegistryResolver{Lookup: func(key string) (*checkable.Checkable, bool) {
		c, ok := d.byKey[key]
		return c, ok
	}}
	d.downtimeMgr = annotation.NewDowntimeManager(d.bus, resolver)
	d.commentMgr = annotation.NewCommentManager(d.bus)
	d.ackMgr = annotation.NewAckManager(func(key string) {
		if c, ok := d.byKey[key]; ok {
			c.ClearAcknowledgement("")
		}
	})
	for _, c := range d.byKey {
		c.AttachDowntimeManager(d.downtimeMgr)
		c.AttachCommentManager(d.commentMgr)
	}

	d.metricsReg = metrics.New()

	d.sched = scheduler.New(registrySource{d.reg}, executor, scheduler.Config{
		Tick:           time.Duration(f.Scheduler.TickMillis) * time.Millisecond,
		DefaultTimeout: time.Duration(f.Scheduler.DefaultTimeoutSec) * time.Second,
		MaxConcurrent:  f.Scheduler.MaxConcurrent,
	}, log.WithField("component", "scheduler"))

	d.authorityMgr = authority.New(
		&authoritySource{self: f.Identity, endpoints: d.endpoints, reg: d.reg},
		&authoritySink{reg: d.reg},
		d.bus, 0,
	)

	tlsCfg, err := buildTLSConfig(f)
	if err != nil {
		return nil, err
	}

	replayDir := filepath.Join(f.StateDir, "cluster", "log")
	d.replay, err = replaylog.Open(replayDir, true, log.WithField("component", "replaylog"))
	if err != nil {
		return nil, err
	}

	domainResolver := router.RegistryDomainResolver{Lookup: func(objType, objName string) []*domain.Domain {
		c, ok := d.byKey[objType+"\t"+objName]
		if !ok {
			return nil
		}
		return c.Domains()
	}}
	d.rtr = router.New(d.endpoints, d.replay, domainResolver)

	d.dist = configsync.New(f.StateDir, f.ConfigSync.AcceptConfig, func(sender string) {
		log.WithField("sender", sender).Warn("configsync: configuration changed, restart required")
	})

	table := authwire.RegisterDefaultHandlers(authwire.Deps{
		Checkables: checkableResolver{lookup: func(key string) (*checkable.Checkable, bool) {
			c, ok := d.byKey[key]
			return c, ok
		}},
		Passive: d.sched,
		Config:  d.dist,
		Log:     log.WithField("component", "authwire"),
	})

	for _, p := range f.Peers {
		d.endpoints.add(endpoint.New(p.Name, p.Host, p.Port))
	}

	d.listen = listener.New(listener.Config{
		ListenAddr: f.Listen.Address,
		TLSConfig:  tlsCfg,
	}, d.endpoints, dispatchFrom(table, log.WithField("component", "dispatch")),
		onConnected(d.replay, d.dist, f.ConfigSync.PushGlobs, f.StateDir, f.Identity),
		log.WithField("component", "listener"))

	if f.StatusAddr != "" {
		d.status = newStatusServer(f.StatusAddr, d.metricsReg)
	}

	return d, nil
}

// Run starts every long-running goroutine and blocks until ctx is
// cancelled, per spec.md §5's thread-pool shape.
func (d *daemon) Run(ctx context.Context) error {
	d.authorityMgr.RunOnce()
	d.sched.Sync()

	go d.authorityMgr.Run(ctx)
	go d.sched.Run(ctx)
	go d.downtimeMgr.Run(ctx)
	go d.commentMgr.Run(ctx)
	go d.ackMgr.Run(ctx)
	go d.listen.DialLoop(ctx)
	go d.listen.EvictIdleLoop(ctx)
	go d.gcLoop(ctx)
	go d.metricsLoop(ctx)
	d.startRelayBridge()

	if d.status != nil {
		go d.status.Run(ctx)
	}

	return d.listen.ListenAndServe(ctx)
}

// gcLoop runs ReplayLog.GC every 5s, per spec.md §4.7.
func (d *daemon) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			minpos := d.minLogPosition()
			deleted, err := d.replay.GC(minpos)
			if err != nil {
				d.log.WithError(err).Warn("replaylog: gc failed")
				continue
			}
			if deleted > 0 {
				d.metricsReg.ReplayGCDeletions.Inc(float64(deleted))
			}
		}
	}
}

// metricsLoop samples scheduler and replay-lag gauges every second; the
// GC-deletions counter is incremented by gcLoop. The notifications-sent
// and authority-flip counters and the replay-segments gauge are
// registered but nothing updates them.
func (d *daemon) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	now := time.Now
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metricsReg.SchedulerQueueDepth.Update(float64(d.sched.QueueDepth()))
			d.metricsReg.SchedulerInFlight.Update(float64(d.sched.InFlight()))
			for _, e := range d.endpoints.All() {
				if !e.Connected() {
					continue
				}
				lag := float64(now().Unix()) - e.LocalLogPosition()
				d.metricsReg.SetReplayLag(e.Name(), lag)
			}
		}
	}
}

func (d *daemon) minLogPosition() float64 {
	var min float64
	first := true
	for _, e := range d.endpoints.All() {
		pos := e.LocalLogPosition()
		if first || pos < min {
			min, first = pos, false
		}
	}
	if first {
		return 0
	}
	return min
}

// registrySource adapts registry.Registry into scheduler.Source.
type registrySource struct {
	reg *registry.Registry[*checkable.Checkable]
}

func (s registrySource) Checkables() []*checkable.Checkable { return s.reg.All() }

func buildTLSConfig(f *config.File) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.TLS.CertFile, f.TLS.KeyFile)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if f.TLS.CAFile != "" {
		pem, err := os.ReadFile(f.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		pool.AppendCertsFromPEM(pem)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
