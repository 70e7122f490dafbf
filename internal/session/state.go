package session

import "gpt-relay/pkg/models"

// State is where a Session is in its turn cycle. Committed, Cancelled and
// Failed are reported to the Renderer as a turn ends; the session itself
// always settles back to Idle.
type State int

const (
	Idle State = iota
	Sending
	Streaming
	Committed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Committed:
		return "committed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Renderer is notified as a conversation changes. Calls come from the
// goroutine running the turn and never while the session lock is held.
type Renderer interface {
	Messages(msgs []models.Message)
	// Draft receives the whole reply accumulated so far.
	Draft(draft string)
	// Scroll is throttled and may arrive from a timer goroutine.
	Scroll()
	State(st State)
	Error(err error)
}

// NopRenderer ignores every notification.
type NopRenderer struct{}

func (NopRenderer) Messages([]models.Message) {}
func (NopRenderer) Draft(string)              {}
func (NopRenderer) Scroll()                   {}
func (NopRenderer) State(State)               {}
func (NopRenderer) Error(error)               {}
