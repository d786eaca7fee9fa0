package statemanager

import "time"

// UnitState tracks the in-process handling of one queue message.
type UnitState struct {
	ID          string                 `json:"id"`
	Worker      string                 `json:"worker"`
	MessageType string                 `json:"message_type"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	Status      Status                 `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    string                 `json:"duration,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Status represents the state of a tracked unit.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stats aggregates the tracked units of one worker process.
type Stats struct {
	TotalUnits      int            `json:"total_units"`
	InFlight        int            `json:"in_flight"`
	ByStatus        map[Status]int `json:"by_status"`
	ByMessageType   map[string]int `json:"by_message_type"`
	AverageDuration string         `json:"average_duration,omitempty"`
}
