package mqtmodels

import "time"

type CommandStatus string

const (
	CommandStatusSent     CommandStatus = "sent"
	CommandStatusAcked    CommandStatus = "acked"
	CommandStatusFailed   CommandStatus = "failed"
	CommandStatusTimedOut CommandStatus = "timed-out"
)

type CommandPriority string

const (
	PriorityLow      CommandPriority = "low"
	PriorityNormal   CommandPriority = "normal"
	PriorityHigh     CommandPriority = "high"
	PriorityCritical CommandPriority = "critical"
)

func (p CommandPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Command is an instruction sent to a device. It lives only in the
// dispatcher's correlation table.
type Command struct {
	ID          string                 `json:"id"`
	DeviceID    string                 `json:"device_id"`
	MallID      string                 `json:"mall_id"`
	Name        string                 `json:"command"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Priority    CommandPriority        `json:"priority"`
	IssuedAt    time.Time              `json:"issued_at"`
	Status      CommandStatus          `json:"status"`
	RespondedAt *time.Time             `json:"responded_at,omitempty"`
	Response    map[string]interface{} `json:"response,omitempty"`
	Error       string                 `json:"error,omitempty"`
}
