package core

type EventType string

const (
	EventChunk EventType = "chunk"
	EventError EventType = "error"
	EventDone  EventType = "done"
)

// StreamEvent is one record of an inference response stream.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Content any       `json:"content"`
}

// DoneContent is carried by the done event.
type DoneContent struct {
	ThreadID      string `json:"thread_id"`
	UserMessageID string `json:"user_message_id"`
	MessageID     string `json:"message_id"`
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventError || e.Type == EventDone
}

func ChunkEvent(text string) StreamEvent { return StreamEvent{Type: EventChunk, Content: text} }

func ErrorEvent(msg string) StreamEvent { return StreamEvent{Type: EventError, Content: msg} }

func DoneEvent(c DoneContent) StreamEvent { return StreamEvent{Type: EventDone, Content: c} }

// eventGuard enforces a single terminal event and no chunk after it.
// Once the consumer stops accepting events nothing more is yielded.
type eventGuard struct {
	yield  func(StreamEvent) bool
	closed bool
	gone   bool
}

func (g *eventGuard) chunk(text string) bool {
	if g.closed || g.gone {
		return false
	}
	if !g.yield(ChunkEvent(text)) {
		g.gone = true
		return false
	}
	return true
}

func (g *eventGuard) terminal(ev StreamEvent) {
	if g.closed || g.gone {
		return
	}
	g.closed = true
	if !g.yield(ev) {
		g.gone = true
	}
}
