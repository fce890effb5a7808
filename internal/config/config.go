// Package config loads the flat, JSON-encoded bootstrap file
// cmd/sentryd reads at startup: node identity, TLS material, peer
// list, domains, and the checkable definitions a real deployment
// would otherwise get from the out-of-scope config compiler.
//
// This is deliberately not a DSL: one JSON document, decoded with
// encoding/json, validated, then handed to the constructors in
// checkable/domain/scheduler/cluster. gopkg.in/yaml.v3 is not part of
// the teacher's dependency stack, so only JSON is supported.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/sentryd/sentryd/internal/domain"
	"github.com/sentryd/sentryd/internal/errtag"
)

// File is the top-level shape of the bootstrap document.
type File struct {
	Identity string `json:"identity"` // must match this node's TLS certificate CN

	Listen struct {
		Address string `json:"address"` // host:port, bound over tcp6 per spec
	} `json:"listen"`

	TLS struct {
		CertFile string `json:"cert_file"`
		KeyFile  string `json:"key_file"`
		CAFile   string `json:"ca_file"`
	} `json:"tls"`

	StateDir string `json:"state_dir"`

	Peers []PeerConfig `json:"peers"`

	Domains []DomainConfig `json:"domains"`

	Checkables []CheckableConfig `json:"checkables"`

	Users      []UserConfig      `json:"users"`
	UserGroups []UserGroupConfig `json:"user_groups"`

	ConfigSync ConfigSyncConfig `json:"config_sync"`

	Scheduler SchedulerConfig `json:"scheduler"`

	StatusAddr string `json:"status_addr"` // e.g. "127.0.0.1:8080", empty disables
}

// PeerConfig is one entry in the local node's static peer list, dialed
// every 5s until connected.
type PeerConfig struct {
	Name string `json:"name"` // expected CN
	Host string `json:"host"`
	Port string `json:"port"`
}

// DomainConfig grants endpoints privileges within a named security scope.
type DomainConfig struct {
	Name   string                `json:"name"`
	Grants map[string]PrivilegeSet `json:"grants"` // endpoint name -> privileges
}

// PrivilegeSet is the JSON-friendly form of domain.Privilege.
type PrivilegeSet struct {
	Read    bool `json:"read"`
	Command bool `json:"command"`
}

// CheckableConfig describes one Host (ShortName == "") or Service.
type CheckableConfig struct {
	HostName  string `json:"host_name"`
	ShortName string `json:"short_name"`

	CheckCommand      string   `json:"check_command"`
	CheckTimeoutSec   float64  `json:"check_timeout_sec"`
	CheckIntervalSec  float64  `json:"check_interval_sec"`
	RetryIntervalSec  float64  `json:"retry_interval_sec"`
	MaxCheckAttempts  int      `json:"max_check_attempts"`
	CheckPeriod       string   `json:"check_period"`
	EventCommand      string   `json:"event_command"`
	ActiveChecks      bool     `json:"active_checks"`
	PassiveChecks     bool     `json:"passive_checks"`
	Notifications     bool     `json:"notifications"`
	FlappingDetection bool     `json:"flapping_detection"`
	EventHandler      bool     `json:"event_handler"`
	Perfdata          bool     `json:"perfdata"`
	FlappingThreshold float64  `json:"flapping_threshold"`

	Domains            []string `json:"domains"`
	AuthorityWhitelist []string `json:"authority_whitelist"`
	DependsOn          string   `json:"depends_on"` // another checkable's Key(), empty if none

	Notifications []NotificationConfig `json:"notifications"`
}

// NotificationConfig describes one Notification object attached to a
// checkable.
type NotificationConfig struct {
	Users                []string `json:"users"`
	UserGroups           []string `json:"user_groups"`
	States               []string `json:"states"` // "OK","Warning","Critical","Unknown"
	Types                []string `json:"types"`  // "Problem","Recovery","Acknowledgement",...
	NotificationIntervalSec float64 `json:"notification_interval_sec"`
	Command              string   `json:"command"`
}

// UserConfig is a notification recipient.
type UserConfig struct {
	Name               string `json:"name"`
	NotificationPeriod string `json:"notification_period"`
	Command            string `json:"command"`
}

// UserGroupConfig is a named set of user names.
type UserGroupConfig struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// ConfigSyncConfig drives internal/cluster/configsync's push and accept
// sides.
type ConfigSyncConfig struct {
	PushGlobs    []string `json:"push_globs"`
	AcceptConfig []string `json:"accept_config"`
}

// SchedulerConfig overrides scheduler.Config's defaults.
type SchedulerConfig struct {
	TickMillis     int `json:"tick_millis"`
	DefaultTimeoutSec int `json:"default_timeout_sec"`
	MaxConcurrent  int `json:"max_concurrent"`
}

// Load reads and validates the bootstrap document at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtag.New(errtag.Fatal, "config.Load: read", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errtag.New(errtag.Fatal, "config.Load: decode", err)
	}
	if err := f.validate(); err != nil {
		return nil, errtag.New(errtag.Fatal, "config.Load: validate", err)
	}
	return &f, nil
}

// validate collects every problem with f in one pass rather than
// stopping at the first, so a misconfigured deployment sees its whole
// list of mistakes on one run instead of fixing them one at a time.
func (f *File) validate() error {
	var result *multierror.Error

	if f.Identity == "" {
		result = multierror.Append(result, errors.New("config: identity must not be empty"))
	}
	if f.StateDir == "" {
		result = multierror.Append(result, errors.New("config: state_dir must not be empty"))
	}
	if f.TLS.CertFile == "" || f.TLS.KeyFile == "" {
		result = multierror.Append(result, errors.New("config: tls.cert_file and tls.key_file are required"))
	}

	seen := make(map[string]bool, len(f.Checkables))
	for _, c := range f.Checkables {
		if c.HostName == "" {
			result = multierror.Append(result, errors.New("config: checkable missing host_name"))
			continue
		}
		key := c.HostName + "\x00" + c.ShortName
		if seen[key] {
			result = multierror.Append(result, errors.Errorf("config: duplicate checkable %s!%s", c.HostName, c.ShortName))
			continue
		}
		seen[key] = true
	}

	return result.ErrorOrNil()
}

// CheckTimeout returns the configured per-check timeout, defaulting to
// 60s as spec.md §4.2 requires.
func (c CheckableConfig) CheckTimeout() time.Duration {
	if c.CheckTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.CheckTimeoutSec * float64(time.Second))
}

// CheckInterval returns the configured active-check interval.
func (c CheckableConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec * float64(time.Second))
}

// RetryInterval returns the configured retry interval.
func (c CheckableConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSec * float64(time.Second))
}

// BuildDomains materializes the configured domains into domain.Domain
// values, ready for Checkable.SetDomains.
func (f *File) BuildDomains() map[string]*domain.Domain {
	out := make(map[string]*domain.Domain, len(f.Domains))
	for _, dc := range f.Domains {
		d := domain.New(dc.Name)
		for endpoint, ps := range dc.Grants {
			var p domain.Privilege
			if ps.Read {
				p |= domain.Read
			}
			if ps.Command {
				p |= domain.Command
			}
			d.Grant(endpoint, p)
		}
		out[dc.Name] = d
	}
	return out
}

// Resolve looks up the domain.Domain values named by a checkable's
// Domains list, skipping any name absent from the materialized set.
func (c CheckableConfig) Resolve(all map[string]*domain.Domain) []*domain.Domain {
	out := make([]*domain.Domain, 0, len(c.Domains))
	for _, name := range c.Domains {
		if d, ok := all[name]; ok {
			out = append(out, d)
		}
	}
	return out
}
