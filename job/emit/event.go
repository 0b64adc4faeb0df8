package emit

// Lifecycle event names used in Event.Msg.
const (
	EventJobResumed      = "job_resumed"
	EventStageStart      = "stage_start"
	EventStageSkipped    = "stage_skipped"
	EventItemProcessed   = "item_processed"
	EventCheckpointSaved = "checkpoint_saved"
	EventStageComplete   = "stage_complete"
	EventInterrupted     = "interrupted"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
)

// Event describes one step in the life of a job attempt.
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Keep an in-memory history for tests
type Event struct {
	// JobKind names the stage sequence being executed.
	JobKind string

	// InstanceKey identifies the job instance.
	InstanceKey string

	// AttemptID is unique per attempt. Empty when the engine is run
	// directly instead of through a Driver.
	AttemptID string

	// Attempt is the attempt counter stored in the checkpoint (1-indexed).
	Attempt int

	// Stage is the current stage name. Empty for job-level events.
	Stage string

	// StageIndex is the position of Stage in the definition, or -1 for
	// job-level events.
	StageIndex int

	// Msg is the event name, one of the Event* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "cursor": encoded key of the last processed item
	//   - "open_item": encoded key of the outer item in progress (nested stages)
	//   - "items": number of items advanced since the previous checkpoint
	//   - "duration_ms": stage or job duration in milliseconds
	//   - "error": error text for job_failed
	Meta map[string]interface{}
}
