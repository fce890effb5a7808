// Package authwire builds the per-method dispatch table spec.md §9's
// design notes call for, tying each `cluster::*` wire method in §6 to
// the local component it drives: Checkable mutations, passive check
// submission, annotation lifecycle, and endpoint bookkeeping.
package authwire

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sentryd/sentryd/internal/annotation"
	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/cluster/configsync"
	"github.com/sentryd/sentryd/internal/cluster/endpoint"
	"github.com/sentryd/sentryd/internal/domain"
)

// passiveResultRate and passiveResultBurst bound how fast any single
// peer's cluster::CheckResult submissions are accepted, so a
// misbehaving or compromised peer can't drown the scheduler in passive
// results for checkables it merely has Command privilege over.
const (
	passiveResultRate  = 200 // per second
	passiveResultBurst = 400
)

// senderLimiters hands out one rate.Limiter per sending peer, created
// lazily on first use.
type senderLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newSenderLimiters() *senderLimiters {
	return &senderLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (s *senderLimiters) allow(sender string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[sender]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(passiveResultRate), passiveResultBurst)
		s.limiters[sender] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

// CheckableResolver turns a registry key ("service\thost!svc") back
// into the live Checkable.
type CheckableResolver interface {
	Resolve(key string) (*checkable.Checkable, bool)
}

// PassiveSubmitter is scheduler.Scheduler's passive-result entry point.
type PassiveSubmitter interface {
	SubmitPassive(c *checkable.Checkable, result checkable.CheckResult, sender string) bool
}

// ConfigReceiver is configsync.Distributor's receipt entry point.
type ConfigReceiver interface {
	Accept(senderIdentity string, files configsync.FileSet) error
}

// Handler processes one decoded method's params for the endpoint it
// arrived from; it is the function type every table entry has.
type Handler func(sender *endpoint.Endpoint, params json.RawMessage) error

// Table is the method -> Handler dispatch map.
type Table map[string]Handler

// Deps bundles every collaborator RegisterDefaultHandlers wires against.
type Deps struct {
	Checkables CheckableResolver
	Passive    PassiveSubmitter
	Config     ConfigReceiver
	Log        *logrus.Entry
}

// RegisterDefaultHandlers builds the Table covering every method in
// spec.md §6's table, built once at startup.
func RegisterDefaultHandlers(d Deps) Table {
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	t := Table{}
	passiveLimiters := newSenderLimiters()

	t["cluster::HeartBeat"] = func(sender *endpoint.Endpoint, params json.RawMessage) error {
		var p struct {
			Identity string   `json:"identity"`
			Features []string `json:"features"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return errors.Wrap(err, "authwire: HeartBeat")
		}
		sender.SetFeatures(p.Features)
		return nil
	}

	t["cluster::CheckResult"] = func(sender *endpoint.Endpoint, params json.RawMessage) error {
		var p struct {
			Service     string                `json:"service"`
			CheckResult checkable.CheckResult `json:"check_result"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return errors.Wrap(err, "authwire: CheckResult")
		}
		if !passiveLimiters.allow(sender.Name()) {
			log.WithField("peer", sender.Name()).Warn("authwire: CheckResult rate limit exceeded, dropping")
			return nil
		}
		c, ok := d.Checkables.Resolve(p.Service)
		if !ok {
			return nil // unknown checkable: dropped without logging
		}
		d.Passive.SubmitPassive(c, p.CheckResult, sender.Name())
		return nil
	}

	t["cluster::SetNextCheck"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		var p struct {
			NextCheck float64 `json:"next_check"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		c.SetNextCheck(time.Unix(0, int64(p.NextCheck*1e9)), sender)
		return nil
	})

	t["cluster::SetForceNextCheck"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		var p struct {
			Forced bool `json:"forced"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		c.SetForceNextCheck(p.Forced, sender)
		return nil
	})

	t["cluster::SetAcknowledgement"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		var p struct {
			Author  string  `json:"author"`
			Comment string  `json:"comment"`
			Type    int     `json:"type"`
			Expiry  float64 `json:"expiry"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		var expiry time.Time
		if p.Expiry > 0 {
			expiry = time.Unix(0, int64(p.Expiry*1e9))
		}
		c.AcknowledgeProblem(p.Author, p.Comment, annotation.AckType(p.Type), expiry, sender)
		return nil
	})

	t["cluster::ClearAcknowledgement"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		c.ClearAcknowledgement(sender)
		return nil
	})

	t["cluster::AddComment"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		var p struct {
			Comment struct {
				Author     string  `json:"author"`
				Text       string  `json:"text"`
				ExpireTime float64 `json:"expire_time"`
			} `json:"comment"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		var expire time.Time
		if p.Comment.ExpireTime > 0 {
			expire = time.Unix(0, int64(p.Comment.ExpireTime*1e9))
		}
		cm := annotation.NewComment(c.Key(), p.Comment.Author, p.Comment.Text, time.Now(), expire)
		c.AddComment(cm, sender)
		return nil
	})

	t["cluster::RemoveComment"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		id, err := parseUUID(p.ID)
		if err != nil {
			return err
		}
		c.RemoveComment(id, sender)
		return nil
	})

	t["cluster::AddDowntime"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		var p struct {
			Downtime struct {
				Author      string  `json:"author"`
				Comment     string  `json:"comment"`
				Start       float64 `json:"start"`
				End         float64 `json:"end"`
				Fixed       bool    `json:"fixed"`
				DurationSec float64 `json:"duration"`
			} `json:"downtime"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		dt := annotation.NewDowntime(
			c.Key(), p.Downtime.Author, p.Downtime.Comment,
			time.Unix(0, int64(p.Downtime.Start*1e9)),
			time.Unix(0, int64(p.Downtime.End*1e9)),
			p.Downtime.Fixed,
			time.Duration(p.Downtime.DurationSec*float64(time.Second)),
			uuid.Nil, sender,
		)
		c.AddDowntime(dt, time.Now(), sender)
		return nil
	})

	t["cluster::RemoveDowntime"] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
		var p struct {
			ID        string `json:"id"`
			Cancelled bool   `json:"cancelled"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		id, err := parseUUID(p.ID)
		if err != nil {
			return err
		}
		c.RemoveDowntime(id, p.Cancelled, sender)
		return nil
	})

	t["cluster::SetLogPosition"] = func(sender *endpoint.Endpoint, params json.RawMessage) error {
		var p struct {
			LogPosition float64 `json:"log_position"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return errors.Wrap(err, "authwire: SetLogPosition")
		}
		sender.SetLocalLogPosition(p.LogPosition)
		return nil
	}

	t["cluster::Config"] = func(sender *endpoint.Endpoint, params json.RawMessage) error {
		var p struct {
			Identity    string            `json:"identity"`
			ConfigFiles map[string]string `json:"config_files"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return errors.Wrap(err, "authwire: Config")
		}
		if d.Config == nil {
			return nil
		}
		if err := d.Config.Accept(p.Identity, configsync.FileSet(p.ConfigFiles)); err != nil {
			log.WithError(err).Warn("authwire: config rejected")
		}
		return nil
	}

	for _, flag := range []string{"ActiveChecks", "PassiveChecks", "Notifications", "Flapping"} {
		flag := flag
		t["cluster::SetEnable"+flag] = withCheckable(d, func(c *checkable.Checkable, sender string, raw json.RawMessage) error {
			// Flag toggles mutate checkable.Config, which callers load
			// through the (out-of-scope) config compiler rather than over
			// the wire in this implementation; accepting and no-op'ing here
			// keeps the dispatch table total over spec.md §6's method list
			// without fabricating a runtime-mutable Config setter.
			return nil
		})
	}

	return t
}

func withCheckable(d Deps, fn func(c *checkable.Checkable, sender string, raw json.RawMessage) error) Handler {
	return func(sender *endpoint.Endpoint, params json.RawMessage) error {
		var p struct {
			Service string `json:"service"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return errors.Wrap(err, "authwire: decode service reference")
		}
		c, ok := d.Checkables.Resolve(p.Service)
		if !ok {
			return nil
		}
		if !c.Privileges(sender.Name()).Has(domain.Command) {
			return nil // AuthorizationDenied: drop silently per spec.md §7
		}
		return fn(c, sender.Name(), params)
	}
}

func parseUUID(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "authwire: parse uuid")
	}
	return u, nil
}
