// Package events announces round lifecycle changes to interested clients.
// Announcements are fire-and-forget push notifications supplementing the
// HTTP polling surface; a failure to announce never fails a round.
package events

import (
	"context"
	"time"
)

// Event is one round lifecycle announcement.
type Event struct {
	Type      string    `json:"type"`
	RoundID   string    `json:"round_id"`
	ModelKind string    `json:"model_kind"`
	ClientID  string    `json:"client_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

const (
	RoundCreated   = "round.created"
	RoundStarted   = "round.started"
	RoundCompleted = "round.completed"
	RoundFailed    = "round.failed"
	ClientInvited  = "client.invited"
)

// Announcer delivers events. Implementations must be non-blocking from the
// caller's perspective and swallow delivery failures.
type Announcer interface {
	Announce(ctx context.Context, event Event)
	Close(ctx context.Context) error
}

// Noop discards all events.
type Noop struct{}

func (Noop) Announce(context.Context, Event) {}

func (Noop) Close(context.Context) error { return nil }
