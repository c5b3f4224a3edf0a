package push

// Event name carried in push frames. Frames with any other name are ignored.
const eventAnalysisUpdate = "analysis_update"

// UpdateEvent is a job update delivered over the push channel.
// No delivery-order or at-least-once guarantee is assumed.
type UpdateEvent struct {
	AnalysisID string `json:"analysis_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
}

// envelope is the wire frame: a named event wrapping its payload.
type envelope struct {
	Event string      `json:"event"`
	Data  UpdateEvent `json:"data"`
}

// State represents the push channel connection state.
type State int

const (
	Disconnected State = iota // no channel, no connect in progress
	Connecting                // dial or bounded reconnect in progress
	Connected                 // channel established, events flowing
	Exhausted                 // reconnect budget spent; terminal until Reset
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// StateChange is a connection state notification sent to subscribers.
type StateChange struct {
	State  State
	Reason string // populated for disconnects
}
