package wsclient

import "time"

// EventKind 客户端事件类型
type EventKind int

const (
	EventStateChange EventKind = iota
	EventFrame
	EventReconnectScheduled
	EventReconnectFailed
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "STATE_CHANGE"
	case EventFrame:
		return "FRAME"
	case EventReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	case EventReconnectFailed:
		return "RECONNECT_FAILED"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event 客户端向上层投递的事件（按发生顺序）
type Event struct {
	Kind      EventKind
	OldState  ClientState
	NewState  ClientState
	Raw       []byte        // EventFrame
	Attempt   int           // EventReconnectScheduled
	Delay     time.Duration // EventReconnectScheduled
	CloseCode int           // EventClosed
	Err       error
	At        time.Time
}
