package model

// Job event types streamed over WebSocket and SSE
const (
	EventTypeProgress  = "progress"
	EventTypeComplete  = "complete"
	EventTypeError     = "error"
	EventTypeCancelled = "cancelled"
	EventTypePing      = "ping"
	EventTypePong      = "pong"
)

// JobEvent is a progress update streamed to job subscribers
type JobEvent struct {
	Type     string      `json:"type"`
	JobID    string      `json:"jobId"`
	Status   JobStatus   `json:"status,omitempty"`
	Progress int         `json:"progress"`
	Stage    string      `json:"stage,omitempty"`
	Message  string      `json:"message,omitempty"`
	Job      *JobSummary `json:"job,omitempty"`
}

// Terminal reports whether the event announces a terminal transition.
func (e *JobEvent) Terminal() bool {
	return e.Status.IsTerminal()
}
