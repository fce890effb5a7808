package main

import (
	"strings"
	"time"

	"github.com/sentryd/sentryd/internal/annotation"
	"github.com/sentryd/sentryd/internal/checkable"
	"github.com/sentryd/sentryd/internal/cluster/wire"
	"github.com/sentryd/sentryd/internal/domain"
	"github.com/sentryd/sentryd/internal/eventbus"
)

// startRelayBridge subscribes to every state-changing topic the
// Checkable/annotation managers publish and forwards each one through
// the MessageRouter, implementing spec.md §2's "local event origination"
// data flow: Checkable emits a signal -> MessageRouter tags it with a
// timestamp (and security descriptor) -> durable log -> fan-out.
func (d *daemon) startRelayBridge() {
	go d.relayStateChanges()
	go d.relayAcknowledgements()
	go d.relayDowntimes()
	go d.relayComments()
}

func (d *daemon) relayStateChanges() {
	sub := d.bus.Subscribe(eventbus.TopicStateChange)
	for ev := range sub.C() {
		sce, ok := ev.Data.(checkable.StateChangeEvent)
		if !ok || sce.Checkable == nil || sce.Result == nil {
			continue
		}
		sec := d.securityFor(sce.Checkable)
		_ = d.rtr.RelayMessage(ev.Source, "cluster::CheckResult", map[string]any{
			"service":      sce.Checkable.Key(),
			"check_result": sce.Result,
		}, sec, true)
	}
}

func (d *daemon) relayAcknowledgements() {
	set := d.bus.Subscribe(eventbus.TopicAcknowledgementSet)
	cleared := d.bus.Subscribe(eventbus.TopicAcknowledgementCleared)
	for {
		select {
		case ev, ok := <-set.C():
			if !ok {
				return
			}
			c, ok := ev.Data.(*checkable.Checkable)
			if !ok {
				continue
			}
			ack := c.Acknowledgement()
			_ = d.rtr.RelayMessage(ev.Source, "cluster::SetAcknowledgement", map[string]any{
				"service": c.Key(),
				"author":  ack.Author,
				"comment": ack.Comment,
				"type":    int(ack.Type),
				"expiry":  unixSeconds(ack.Expiry),
			}, d.securityFor(c), true)
		case ev, ok := <-cleared.C():
			if !ok {
				return
			}
			c, ok := ev.Data.(*checkable.Checkable)
			if !ok {
				continue
			}
			_ = d.rtr.RelayMessage(ev.Source, "cluster::ClearAcknowledgement", map[string]any{
				"service": c.Key(),
			}, d.securityFor(c), true)
		}
	}
}

func (d *daemon) relayDowntimes() {
	start := d.bus.Subscribe(eventbus.TopicDowntimeStart)
	removed := d.bus.Subscribe(eventbus.TopicDowntimeRemoved)
	for {
		select {
		case ev, ok := <-start.C():
			if !ok {
				return
			}
			dt, ok := ev.Data.(*annotation.Downtime)
			if !ok {
				continue
			}
			_ = d.rtr.RelayMessage(ev.Source, "cluster::AddDowntime", map[string]any{
				"service": dt.Checkable,
				"downtime": map[string]any{
					"author":   dt.Author,
					"comment":  dt.Comment,
					"start":    unixSeconds(dt.Start),
					"end":      unixSeconds(dt.End),
					"fixed":    dt.Fixed,
					"duration": dt.Duration.Seconds(),
				},
			}, d.securityForKey(dt.Checkable), true)
		case ev, ok := <-removed.C():
			if !ok {
				return
			}
			dt, ok := ev.Data.(*annotation.Downtime)
			if !ok {
				continue
			}
			_ = d.rtr.RelayMessage(ev.Source, "cluster::RemoveDowntime", map[string]any{
				"service":   dt.Checkable,
				"id":        dt.UUID.String(),
				"cancelled": dt.Cancelled,
			}, d.securityForKey(dt.Checkable), true)
		}
	}
}

func (d *daemon) relayComments() {
	added := d.bus.Subscribe(eventbus.TopicCommentAdded)
	removed := d.bus.Subscribe(eventbus.TopicCommentRemoved)
	for {
		select {
		case ev, ok := <-added.C():
			if !ok {
				return
			}
			cm, ok := ev.Data.(*annotation.Comment)
			if !ok {
				continue
			}
			_ = d.rtr.RelayMessage(ev.Source, "cluster::AddComment", map[string]any{
				"service": cm.Checkable,
				"comment": map[string]any{
					"author":      cm.Author,
					"text":        cm.Text,
					"expire_time": unixSeconds(cm.ExpireTime),
				},
			}, d.securityForKey(cm.Checkable), true)
		case ev, ok := <-removed.C():
			if !ok {
				return
			}
			cm, ok := ev.Data.(*annotation.Comment)
			if !ok {
				continue
			}
			_ = d.rtr.RelayMessage(ev.Source, "cluster::RemoveComment", map[string]any{
				"service": cm.Checkable,
				"id":      cm.UUID.String(),
			}, d.securityForKey(cm.Checkable), true)
		}
	}
}

// securityFor builds the wire.Security descriptor gating delivery of a
// relayed message to Read-privileged recipients only; Command is
// enforced separately on receipt by authwire's withCheckable.
func (d *daemon) securityFor(c *checkable.Checkable) *wire.Security {
	return &wire.Security{Type: c.Type(), Name: c.FullName(), Privs: uint8(domain.Read)}
}

// securityForKey resolves a registry key ("type\tname", as stored by
// annotation.Downtime/Comment) back to a Checkable before delegating to
// securityFor. If the Checkable is gone (deleted since the annotation
// was created), it falls back to the raw type/name split so the relay
// still carries a usable scope.
func (d *daemon) securityForKey(key string) *wire.Security {
	if c, ok := d.byKey[key]; ok {
		return d.securityFor(c)
	}
	objType, name, ok := strings.Cut(key, "\t")
	if !ok {
		return nil
	}
	return &wire.Security{Type: objType, Name: name, Privs: uint8(domain.Read)}
}

// unixSeconds converts t to spec.md §4.8's float-seconds wire format,
// or 0 for a zero Time (never expires / not set).
func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
