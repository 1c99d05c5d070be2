package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value pairs
//   - JSON mode: machine-readable JSON, one event per line
//
// Example text output:
//
//	[task_start] workflow=wf-001 seq=1 task=task:step1
//
// Example JSON output:
//
//	{"workflow_id":"wf-001","seq":1,"task_id":"task:step1","msg":"task_start","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer.
// A nil writer defaults to os.Stdout. If jsonMode is true, events are
// emitted as single-line JSON objects.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

type jsonEvent struct {
	WorkflowID string                 `json:"workflow_id"`
	Seq        int                    `json:"seq"`
	TaskID     string                 `json:"task_id"`
	Msg        string                 `json:"msg"`
	Meta       map[string]interface{} `json:"meta"`
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(jsonEvent{
		WorkflowID: event.WorkflowID,
		Seq:        event.Seq,
		TaskID:     event.TaskID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		// Fall back to text so the event is not silently lost.
		l.emitText(event)
		return
	}
	fmt.Fprintln(l.writer, string(data))
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s seq=%d task=%s", event.Msg, event.WorkflowID, event.Seq, event.TaskID)
	if len(event.Meta) > 0 {
		if data, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", string(data))
		}
	}
	fmt.Fprintln(l.writer)
}
