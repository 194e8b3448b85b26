package session

// Protocol states pushed over the matchmaking socket, in flow order.
const (
	StateConnecting        = "Connecting"
	StateQueueFull         = "QueueFull"
	StateWaiting           = "Waiting"
	StateQueued            = "Queued"
	StateSessionAssignment = "SessionAssignment"
	StateError             = "Error"
)

const (
	msgStatusUpdate = "StatusUpdate"
	msgPlay         = "Play"
)

type statusPayload struct {
	State            string `json:"state"`
	TicketID         string `json:"ticketId,omitempty"`
	QueuedPlayers    int    `json:"queuedPlayers,omitempty"`
	EstimatedWaitSec int    `json:"estimatedWaitSec,omitempty"`
	MatchID          string `json:"matchId,omitempty"`
	Message          string `json:"message,omitempty"`
}

type statusUpdate struct {
	Payload statusPayload `json:"payload"`
	Name    string        `json:"name"`
}

type playPayload struct {
	MatchID      string `json:"matchId"`
	SessionID    string `json:"sessionId"`
	JoinDelaySec int    `json:"joinDelaySec"`
	Token        string `json:"token"`
}

type playMessage struct {
	Payload playPayload `json:"payload"`
	Name    string      `json:"name"`
}
