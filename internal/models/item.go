package models

import "time"

// HookState represents where a work item sits in the hook queue.
type HookState string

const (
	HookStateReady      HookState = "ready"
	HookStateInProgress HookState = "in_progress"
	HookStateFailed     HookState = "failed"
	// HookStateClosed is the ledger status for completed items. It is terminal
	// and never handed out by the queue.
	HookStateClosed HookState = "closed"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s HookState) IsTerminal() bool {
	return s == HookStateClosed || s == HookStateFailed
}

// Priority represents the urgency of a work item.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities for claiming; lower ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() < 3 }

// WorkItem is an addressable unit of work owned by the issue ledger.
type WorkItem struct {
	ID          string
	Title       string `validate:"required"`
	Description string
	Priority    Priority  `validate:"omitempty,oneof=low medium high"`
	State       HookState `validate:"omitempty,oneof=ready in_progress closed failed"`
	RetryCount  int       `validate:"gte=0"`
	Version     int       // bumped on every state transition
	Labels      []string  `validate:"dive,required"`
	ReadyAt     time.Time // last time the item entered ready
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// HookClaim is exclusive, time-bounded ownership of a work item by one agent.
type HookClaim struct {
	ItemID        string
	AgentID       string
	ClaimedAt     time.Time
	LastHeartbeat time.Time
}

// IsStale reports whether the claim has gone without a heartbeat for longer than timeout.
func (c HookClaim) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastHeartbeat) > timeout
}
