package matchmaker

import "time"

type TicketStatus string

const (
	StatusConnecting      TicketStatus = "connecting"
	StatusQueued          TicketStatus = "queued"
	StatusSessionAssigned TicketStatus = "session_assigned"
)

// AssignedServer is the descriptor handed to a client once allocation
// succeeds.
type AssignedServer struct {
	ServerID string `json:"serverId"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Region   string `json:"region"`
	Playlist string `json:"playlist"`
}

// MatchTicket is one account's matchmaking attempt. At most one ticket exists
// per account; creating another silently replaces it.
type MatchTicket struct {
	AccountID  string            `json:"accountId"`
	TicketID   string            `json:"ticketId"`
	MatchID    string            `json:"matchId"`
	SessionID  string            `json:"sessionId"`
	BuildID    string            `json:"buildId"`
	Region     string            `json:"region"`
	Playlist   string            `json:"playlist"`
	GameMode   string            `json:"gameMode"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	Status     TicketStatus      `json:"status"`

	AssignedServer *AssignedServer `json:"assignedServer,omitempty"`
}

// PartitionKey identifies the queue bucket a ticket waits in.
func (t *MatchTicket) PartitionKey() string {
	return PartitionKey(t.Region, t.Playlist)
}

func PartitionKey(region, playlist string) string {
	return region + ":" + playlist
}

// ServerLease is a time-bounded exclusive claim on a game server. A server id
// present in the lease table is never handed out again until the lease
// expires, regardless of the registry's capacity fields.
type ServerLease struct {
	ServerID   string    `json:"serverId"`
	MatchID    string    `json:"matchId"`
	AccountID  string    `json:"accountId"`
	AssignedAt time.Time `json:"assignedAt"`
	RecycleAt  time.Time `json:"recycleAt"`
}
