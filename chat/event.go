// Package chat turns a chat request against an agent configuration into a
// stream of events. Framing (SSE) is left to the caller.
package chat

import "github.com/PipeOpsHQ/dao-ai-builder/internal/logging"

type Kind string

const (
	KindLog           Kind = "log"
	KindDelta         Kind = "delta"
	KindCustomOutputs Kind = "custom_outputs"
	KindDone          Kind = "done"
	KindError         Kind = "error"
)

// Event is one element of a chat stream. Only the fields of its Type are
// set.
type Event struct {
	Type     Kind           `json:"type"`
	Level    string         `json:"level,omitempty"`
	Message  string         `json:"message,omitempty"`
	Content  string         `json:"content,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Response string         `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
	Trace    string         `json:"trace,omitempty"`
}

func Log(level, message string) Event { return Event{Type: KindLog, Level: level, Message: message} }

func Delta(content string) Event { return Event{Type: KindDelta, Content: content} }

func CustomOutputs(data map[string]any) Event { return Event{Type: KindCustomOutputs, Data: data} }

func Done(response string) Event { return Event{Type: KindDone, Response: response} }

// Error builds an error event. The trace is the wrap chain of cause, when
// given.
func Error(message string, cause error) Event {
	ev := Event{Type: KindError, Error: message}
	if cause != nil {
		ev.Trace = logging.ErrorTrace(cause)
	}
	return ev
}

// Terminal reports whether no event follows this one.
func (e Event) Terminal() bool { return e.Type == KindDone || e.Type == KindError }
