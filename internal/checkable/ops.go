package checkable

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentryd/sentryd/internal/annotation"
	"github.com/sentryd/sentryd/internal/eventbus"
)

// AcknowledgeProblem sets the acknowledgement state per spec.md §4.1.
// Sticky acknowledgements persist across recovery until explicitly
// cleared; Normal acknowledgements are auto-cleared by ProcessCheckResult
// on recovery (spec.md §9's Open Question: only Normal is specified,
// replicated verbatim — Sticky is never auto-cleared).
func (c *Checkable) AcknowledgeProblem(authorName, comment string, ackType annotation.AckType, expiry time.Time, author string) {
	if c.authorized(author) {
		c.mu.Lock()
		c.ack = annotation.Acknowledgement{Type: ackType, Author: authorName, Comment: comment, Expiry: expiry}
		c.mu.Unlock()
	}
	c.bus.Publish(eventbus.TopicAcknowledgementSet, author, c)
	c.RequestNotification("Acknowledgement", authorName, comment)
}

// ClearAcknowledgement manually clears any acknowledgement, regardless of
// type.
func (c *Checkable) ClearAcknowledgement(author string) {
	if c.authorized(author) {
		c.mu.Lock()
		c.ack = annotation.Acknowledgement{}
		c.mu.Unlock()
	}
	c.bus.Publish(eventbus.TopicAcknowledgementCleared, author, c)
}

// DowntimeManager exposes the DowntimeManager wiring so cluster handlers can
// add/remove downtimes against this checkable's key.
func (c *Checkable) DowntimeManager() *annotation.DowntimeManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downtimeMgr
}

// AddDowntime attaches d to this checkable via the wired DowntimeManager.
func (c *Checkable) AddDowntime(d *annotation.Downtime, now time.Time, author string) {
	if !c.authorized(author) {
		return
	}
	if mgr := c.DowntimeManager(); mgr != nil {
		d.Checkable = c.Key()
		mgr.Add(d, now)
	}
}

// RemoveDowntime detaches the downtime identified by id.
func (c *Checkable) RemoveDowntime(id uuid.UUID, cancelled bool, author string) {
	if !c.authorized(author) {
		return
	}
	if mgr := c.DowntimeManager(); mgr != nil {
		mgr.Remove(id, cancelled)
	}
}

// CommentManager returns the wired CommentManager, if any.
func (c *Checkable) CommentManager() *annotation.CommentManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commentMgr
}

// AddComment attaches cm via the wired CommentManager.
func (c *Checkable) AddComment(cm *annotation.Comment, author string) {
	if !c.authorized(author) {
		return
	}
	if mgr := c.CommentManager(); mgr != nil {
		cm.Checkable = c.Key()
		mgr.Add(cm)
	}
}

// RemoveComment detaches the comment identified by id.
func (c *Checkable) RemoveComment(id uuid.UUID, author string) {
	if !c.authorized(author) {
		return
	}
	if mgr := c.CommentManager(); mgr != nil {
		mgr.Remove(id)
	}
}
