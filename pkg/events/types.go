package events

import "encoding/json"

// Event name constants
const (
	TaskState            = "task.state"
	TaskFinished         = "task.finished"
	ControlsLock         = "controls.lock"
	ControlsRelease      = "controls.release"
	AcquisitionHandshake = "acquisition.handshake"
	ScheduleUpcoming     = "schedule.upcoming"
	ScheduleError        = "schedule.error"
	ScheduleAction       = "schedule.action"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// TaskStateEvent is the typed payload for task.state.
type TaskStateEvent struct {
	RunID string `json:"runId"`
	Task  string `json:"task"`
	From  string `json:"from"`
	To    string `json:"to"`
	Step  int    `json:"step"`
	Ts    int64  `json:"ts"`
}

// TaskFinishedEvent is the typed payload for task.finished. It is published
// exactly once per run and carries the final run state as raw JSON so that
// this package does not depend on the task package.
type TaskFinishedEvent struct {
	RunID    string          `json:"runId"`
	Task     string          `json:"task"`
	Outcome  string          `json:"outcome"`
	Error    string          `json:"error,omitempty"`
	RunState json.RawMessage `json:"runState"`
	Ts       int64           `json:"ts"`
}

// ControlsEvent is the typed payload for controls.lock and controls.release.
// A GUI collaborator disables its start/stop controls on lock and re-enables
// them on release.
type ControlsEvent struct {
	Task string `json:"task"`
	Ts   int64  `json:"ts"`
}

// HandshakeEvent is published for every handshake that did not end ready.
type HandshakeEvent struct {
	Position  string `json:"position"`
	Plane     int    `json:"plane"`
	Outcome   string `json:"outcome"`
	ElapsedMs int64  `json:"elapsedMs"`
	Ts        int64  `json:"ts"`
}

// ScheduleEvent is the typed payload for schedule.* events.
type ScheduleEvent struct {
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.TaskStateEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
