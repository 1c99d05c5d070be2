package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// workflow id. It provides query capabilities for execution history,
// primarily for tests, debugging, and post-run analysis.
//
// Warning: all events are held in memory. For long-running deployments
// prefer LogEmitter or OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events
}

// HistoryFilter selects a subset of a workflow's events. All set fields
// must match (AND logic); zero values mean "no filter".
type HistoryFilter struct {
	TaskID string
	Msg    string
	MinSeq *int
	MaxSeq *int
}

// NewBufferedEmitter creates an empty in-memory event buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores an event in the buffer. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History returns all events for a workflow in emission order.
// Returns an empty slice (never nil) when no events exist.
func (b *BufferedEmitter) History(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the workflow's events matching the filter,
// in emission order.
func (b *BufferedEmitter) HistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[workflowID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// Clear removes stored events. A non-empty workflowID clears only that
// workflow; an empty id clears everything.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.TaskID != "" && event.TaskID != filter.TaskID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq != nil && event.Seq < *filter.MinSeq {
		return false
	}
	if filter.MaxSeq != nil && event.Seq > *filter.MaxSeq {
		return false
	}
	return true
}
