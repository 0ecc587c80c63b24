package domain

// EventKind discriminates the canonical stream events.
type EventKind string

const (
	KindContent EventKind = "content"
	KindStatus  EventKind = "status"
	KindError   EventKind = "error"
	KindDone    EventKind = "done"
)

// StreamEvent is one provider-agnostic event delivered to the client.
// Exactly one of Text, Note or Message is meaningful depending on Kind.
type StreamEvent struct {
	Kind    EventKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	Note    string    `json:"note,omitempty"`
	Message string    `json:"message,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

// ContentEvent carries one text delta.
func ContentEvent(text string) StreamEvent { return StreamEvent{Kind: KindContent, Text: text} }

// StatusEvent carries a progress note.
func StatusEvent(note string) StreamEvent { return StreamEvent{Kind: KindStatus, Note: note} }

// DoneEvent marks successful completion.
func DoneEvent() StreamEvent { return StreamEvent{Kind: KindDone} }

// ErrorEvent builds a terminal error event from err.
func ErrorEvent(message string, err error) StreamEvent {
	ev := StreamEvent{Kind: KindError, Message: message}
	if err != nil {
		ev.Code = ErrorCodeOf(err)
	}
	return ev
}

// Terminal reports whether no further events may follow.
func (e StreamEvent) Terminal() bool {
	return e.Kind == KindError || e.Kind == KindDone
}

// StatusProcessing is emitted once while an assistant run is polled.
const StatusProcessing = "processing"
