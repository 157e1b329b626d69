package core

import "time"

// EventKind enumerates the exhaustive event kinds of spec.md §3.
type EventKind string

const (
	EventWorkflowStarted        EventKind = "WorkflowStarted"
	EventWorkflowTaskScheduled  EventKind = "WorkflowTaskScheduled"
	EventWorkflowTaskStarted    EventKind = "WorkflowTaskStarted"
	EventWorkflowTaskCompleted  EventKind = "WorkflowTaskCompleted"
	EventWorkflowTaskFailed     EventKind = "WorkflowTaskFailed"
	EventActivityScheduled      EventKind = "ActivityScheduled"
	EventActivityStarted        EventKind = "ActivityStarted"
	EventActivityCompleted      EventKind = "ActivityCompleted"
	EventActivityFailed         EventKind = "ActivityFailed"
	EventActivityTimedOut       EventKind = "ActivityTimedOut"
	EventActivityCancelled      EventKind = "ActivityCancelled"
	EventActivityRetryScheduled EventKind = "ActivityRetryScheduled"
	EventTimerStarted           EventKind = "TimerStarted"
	EventTimerFired             EventKind = "TimerFired"
	EventTimerCancelled         EventKind = "TimerCancelled"
	EventSignalReceived         EventKind = "SignalReceived"
	EventQueryReceived          EventKind = "QueryReceived"
	EventQueryAnswered          EventKind = "QueryAnswered"
	EventChildWorkflowScheduled EventKind = "ChildWorkflowScheduled"
	EventChildWorkflowCompleted EventKind = "ChildWorkflowCompleted"
	EventChildWorkflowFailed    EventKind = "ChildWorkflowFailed"
	EventCompensationRegistered EventKind = "CompensationRegistered"
	EventCompensationScheduled  EventKind = "CompensationScheduled"
	EventCompensationCompleted  EventKind = "CompensationCompleted"
	EventCompensationFailed     EventKind = "CompensationFailed"
	EventCancelRequested        EventKind = "CancelRequested"
	EventProgressReported       EventKind = "ProgressReported"
	EventWorkflowCompleted      EventKind = "WorkflowCompleted"
	EventWorkflowFailed         EventKind = "WorkflowFailed"
	EventWorkflowCancelled      EventKind = "WorkflowCancelled"
	EventWorkflowTimedOut       EventKind = "WorkflowTimedOut"
	EventWorkflowContinuedAsNew EventKind = "WorkflowContinuedAsNew"
)

// IsClose reports whether this event kind is one of the terminal close
// events after which I5 forbids further appends.
func (k EventKind) IsClose() bool {
	switch k {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled,
		EventWorkflowTimedOut, EventWorkflowContinuedAsNew:
		return true
	default:
		return false
	}
}

// Event is one row of an execution's history. Seq is monotonic, 1-indexed
// and gap-free (I1). Payload carries kind-specific fields; only the fields
// relevant to Kind are populated, the rest are left at zero value.
type Event struct {
	Seq       int64
	Timestamp time.Time
	Kind      EventKind
	Payload   EventPayload
}

// EventPayload is a tagged union, flattened for simplicity of storage: every
// event kind uses whichever subset of fields it needs. A real wire encoding
// would use oneof-style framing; keeping this flat keeps replay code free of
// type switches on a payload interface while the append/read path still
// (de)serializes the whole Event as one JSON document (see internal/eventlog).
type EventPayload struct {
	// WorkflowStarted
	WorkflowType  string            `json:"workflow_type,omitempty"`
	TaskQueue     string            `json:"task_queue,omitempty"`
	Input         []byte            `json:"input,omitempty"`
	InputMeta     map[string][]byte `json:"input_meta,omitempty"`
	UserContext   []byte            `json:"user_context,omitempty"`
	TenantContext []byte            `json:"tenant_context,omitempty"`
	VersionStamp  string            `json:"version_stamp,omitempty"`

	// Activity* events
	ActivityID       string            `json:"activity_id,omitempty"`
	ActivityType     string            `json:"activity_type,omitempty"`
	Attempt          int32             `json:"attempt,omitempty"`
	ScheduledEventID int64             `json:"scheduled_event_id,omitempty"`
	Result           []byte            `json:"result,omitempty"`
	ResultMeta       map[string][]byte `json:"result_meta,omitempty"`
	ErrorKind        string            `json:"error_kind,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	NonRetryable     bool              `json:"non_retryable,omitempty"`
	Timeouts         ActivityTimeouts  `json:"timeouts,omitempty"`
	RetryPolicy      RetryPolicy       `json:"retry_policy,omitempty"`
	NotBefore        time.Time         `json:"not_before,omitempty"`
	TimeoutKind      string            `json:"timeout_kind,omitempty"`

	// Timer* events
	TimerID string    `json:"timer_id,omitempty"`
	FireAt  time.Time `json:"fire_at,omitempty"`

	// Signal* / Query* events
	SignalName string `json:"signal_name,omitempty"`
	QueryName  string `json:"query_name,omitempty"`
	QueryID    string `json:"query_id,omitempty"`

	// Child workflow events. ChildWorkflowScheduled reuses WorkflowType/
	// TaskQueue/Input/InputMeta above for the child's start parameters, and
	// ChildWorkflowCompleted/Failed reuse Result/ResultMeta/ErrorKind/
	// ErrorMessage above for its outcome; ChildWorkflowID is the stable
	// correlation id used across all three. The child's own WorkflowStarted
	// event carries the Parent* fields back to its parent execution so its
	// eventual close can be relayed there.
	ChildWorkflowID  string `json:"child_workflow_id,omitempty"`
	ChildRunID       string `json:"child_run_id,omitempty"`
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
	ParentRunID      string `json:"parent_run_id,omitempty"`
	ParentTaskQueue  string `json:"parent_task_queue,omitempty"`

	// Compensation events
	CompensationIndex      int               `json:"compensation_index,omitempty"`
	CompensationActivity   string            `json:"compensation_activity,omitempty"`
	CompensationInput      []byte            `json:"compensation_input,omitempty"`
	CompensationInputMeta  map[string][]byte `json:"compensation_input_meta,omitempty"`
	CompensationRetryCount int32             `json:"compensation_retry_count,omitempty"`

	// Progress
	StepName  string `json:"step_name,omitempty"`
	StepIndex int    `json:"step_index,omitempty"`
	StepTotal int    `json:"step_total,omitempty"`

	// Cancel
	Reason string `json:"reason,omitempty"`

	// Generic diagnostics attached to WorkflowTaskFailed
	Diagnostic string `json:"diagnostic,omitempty"`

	// WorkflowFailed carries the saga's outcome alongside the triggering error
	// so get_result/describe can report what was compensated (spec.md §4.5).
	CompensationsSummary []CompensationResult `json:"compensations_summary,omitempty"`
}

// History is the ordered, in-memory view of one execution's events, as
// returned by EventLogStore.ReadRange.
type History struct {
	WorkflowID string
	RunID      string
	Events     []Event
}

// Tail returns the seq of the last event, or 0 for an empty history.
func (h *History) Tail() int64 {
	if len(h.Events) == 0 {
		return 0
	}
	return h.Events[len(h.Events)-1].Seq
}
