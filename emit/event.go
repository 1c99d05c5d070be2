package emit

// Event represents an observability event emitted during planning,
// graph mutation, or workflow execution.
//
// Events provide insight into engine behavior:
//   - Task start/finish/retry/block transitions
//   - Graph traversal truncation
//   - Reasoning hops and re-grounding
//   - Checkpoint and approval operations
//
// Events are delivered to an Emitter which can log them, convert them to
// OpenTelemetry spans, or buffer them for inspection in tests.
type Event struct {
	// WorkflowID identifies the workflow execution that emitted this event.
	// Empty for events produced outside a workflow (e.g. graph mutations).
	WorkflowID string

	// Seq is a monotonically increasing sequence number within the emitting
	// component (task transition count, hop number, WAL op index).
	// Zero for one-shot events.
	Seq int

	// TaskID identifies which task emitted this event.
	// Empty for workflow-level or store-level events.
	TaskID string

	// Msg is a short machine-matchable event name, e.g. "task_start",
	// "task_retry", "task_blocked", "traversal_truncated", "hop_complete".
	Msg string

	// Meta carries additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "attempt": retry attempt number
	//   - "tokens": estimated token count
	//   - "checkpoint_id": approval checkpoint identifier
	Meta map[string]interface{}
}

// Emitter receives and processes observability events.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down workflow execution
//   - Thread-safe: may be called concurrently from multiple tasks
//   - Resilient: handle backend failures without crashing the workflow
//
// Emit must not panic; internal errors should be swallowed or logged.
type Emitter interface {
	Emit(event Event)
}
