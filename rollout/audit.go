package rollout

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentvillage/update-pipeline/service"
)

// EventFilter narrows EventLog results. Zero fields match everything.
// Filtering by OrgID also returns channel-wide events logged under the
// org wildcard.
type EventFilter struct {
	OrgID   string
	Channel service.Channel
	Since   time.Time
}

func (f EventFilter) matches(ev service.RolloutEvent) bool {
	if f.OrgID != "" && ev.OrgID != f.OrgID && ev.OrgID != service.AllOrgs {
		return false
	}
	if f.Channel != "" && ev.Channel != f.Channel {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// appendAuditLocked stamps and appends an audit record, evicting the oldest
// entries past the ring capacity. Callers hold c.mu.
func (c *Controller) appendAuditLocked(ev service.RolloutEvent) {
	ev.EventID = uuid.NewString()
	ev.Timestamp = c.clock.Now()
	ev.Actor = systemActor
	c.audit = append(c.audit, ev)
	if excess := len(c.audit) - maxAuditEvents; excess > 0 {
		c.audit = append(c.audit[:0:0], c.audit[excess:]...)
	}
}

// EventLog returns matching audit records in append order
func (c *Controller) EventLog(filter EventFilter) []service.RolloutEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []service.RolloutEvent
	for _, ev := range c.audit {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}
