package domain

import (
	"errors"
	"time"
)

// GroupStatus is the lifecycle state of a tracked group.
type GroupStatus string

const (
	// StatusPending marks a group observed but not yet approved.
	StatusPending GroupStatus = "pending"
	// StatusTrial marks a time-boxed access grant ending at TrialEnd.
	StatusTrial GroupStatus = "trial"
	// StatusActive marks a subscription ending at SubscriptionEnd.
	StatusActive GroupStatus = "active"
	// StatusExpired marks a group whose grant lapsed or was revoked.
	StatusExpired GroupStatus = "expired"
)

// ErrGroupNotFound is returned when a chat id has no registered group.
var ErrGroupNotFound = errors.New("group not found")

// Group is one tracked chat. A group is created exactly once, on the first
// observed message from that chat, with StatusPending. Status only moves
// forward through explicit commands or the expiry check; there is no path
// back from expired except a fresh approval.
type Group struct {
	ChatID          int64       `bson:"chat_id" json:"chat_id"`
	Title           string      `bson:"title" json:"title"`
	Status          GroupStatus `bson:"status" json:"status"`
	TrialEnd        *time.Time  `bson:"trial_end,omitempty" json:"trial_end,omitempty"`
	SubscriptionEnd *time.Time  `bson:"subscription_end,omitempty" json:"subscription_end,omitempty"`
	RegisteredAt    time.Time   `bson:"registered_at" json:"registered_at"`
}

// EffectiveStatus reports the status the group should hold at the given
// instant, and whether that differs from the stored status (an expiry the
// caller must persist).
func (g Group) EffectiveStatus(now time.Time) (GroupStatus, bool) {
	switch g.Status {
	case StatusTrial:
		if g.TrialEnd != nil && now.After(*g.TrialEnd) {
			return StatusExpired, true
		}
	case StatusActive:
		if g.SubscriptionEnd != nil && now.After(*g.SubscriptionEnd) {
			return StatusExpired, true
		}
	}
	return g.Status, false
}

// AllowsTracking reports whether the status permits message recording and
// statistics queries. Only trial and active do.
func (s GroupStatus) AllowsTracking() bool {
	return s == StatusTrial || s == StatusActive
}

// GroupAdmin grants export rights over one group to one user. Distinct from
// the process-wide super-admin configured at startup, who has unconditional
// rights over all groups.
type GroupAdmin struct {
	ChatID    int64     `bson:"chat_id" json:"chat_id"`
	UserID    int64     `bson:"user_id" json:"user_id"`
	GrantedAt time.Time `bson:"granted_at" json:"granted_at"`
}
