package model

// Job status
type JobStatus string

const (
	JobStatusInitializing JobStatus = "initializing"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

var ValidJobStatuses = []JobStatus{
	JobStatusInitializing, JobStatusProcessing, JobStatusCompleted,
	JobStatusFailed, JobStatusCancelled,
}

// TerminalJobStatuses are the statuses no transition ever leaves.
var TerminalJobStatuses = []JobStatus{
	JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job types
type JobType string

const (
	JobTypeGeneration JobType = "generation"
	JobTypeRetexture  JobType = "retexture"
)

var ValidJobTypes = []JobType{JobTypeGeneration, JobTypeRetexture}

// Job priorities (map 1:1 to queue names)
type JobPriority string

const (
	JobPriorityHigh   JobPriority = "high"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityLow    JobPriority = "low"
)

var ValidJobPriorities = []JobPriority{
	JobPriorityHigh, JobPriorityNormal, JobPriorityLow,
}

// Queue returns the task queue name for this priority.
func (p JobPriority) Queue() string {
	return string(p)
}

// Stage status
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

var ValidStageStatuses = []StageStatus{
	StageStatusPending, StageStatusRunning, StageStatusSucceeded, StageStatusFailed,
}
