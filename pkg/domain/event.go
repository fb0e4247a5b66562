package domain

import "time"

// EventType identifies the kind of event published on the bus
type EventType string

const (
	EventTypeExecutionRequested EventType = "execution.requested"
	EventTypeExecutionStarted   EventType = "execution.started"
	EventTypeExecutionCompleted EventType = "execution.completed"
	EventTypeExecutionFailed    EventType = "execution.failed"
	EventTypeExecutionCancelled EventType = "execution.cancelled"
	EventTypeExecutionPaused    EventType = "execution.paused"
	EventTypeExecutionResumed   EventType = "execution.resumed"
	EventTypeCheckpointCreated  EventType = "checkpoint.created"

	// EventTypeExecutionFailing is published at the first job failure, before
	// the rest of the layer drains and the execution settles as failed.
	EventTypeExecutionFailing EventType = "execution.failing"

	EventTypeJobStarted   EventType = "job.started"
	EventTypeJobCompleted EventType = "job.completed"
	EventTypeJobFailed    EventType = "job.failed"
	EventTypeJobSkipped   EventType = "job.skipped"
	EventTypeJobRetrying  EventType = "job.retrying"
	EventTypeJobProgress  EventType = "job.progress"
)

// Event topics
const (
	TopicExecutionEvents   = "execution.events"
	TopicJobEvents         = "job.events"
	TopicExecutionRequests = "execution.requests"
)

// Event is a notification about an execution or one of its jobs
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	JobID       string         `json:"job_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}
