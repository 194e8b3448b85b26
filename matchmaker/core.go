package matchmaker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"matchgate/config"
	"matchgate/metrics"
	"matchgate/registry"
)

// Core owns the three matchmaking tables: tickets by account, queue
// partitions keyed region:playlist, and server leases by server id. It is an
// injected value, not a package global, so tests instantiate isolated cores.
type Core struct {
	mu       sync.RWMutex
	tickets  map[string]*MatchTicket
	queues   map[string]map[string]struct{}
	leases   map[string]*ServerLease
	registry *registry.Registry
	cfg      *config.Config
	now      func() time.Time
}

func NewCore(cfg *config.Config, reg *registry.Registry) *Core {
	return &Core{
		tickets:  make(map[string]*MatchTicket),
		queues:   make(map[string]map[string]struct{}),
		leases:   make(map[string]*ServerLease),
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateTicket parses the bucket id (buildId:unused:region:playlist),
// normalizes the playlist against the game-mode table and records a fresh
// ticket for the account. Any prior ticket for the account is replaced,
// together with its queue membership.
func (c *Core) CreateTicket(accountID, bucketID string, attributes map[string]string) (*MatchTicket, error) {
	parts := strings.Split(bucketID, ":")
	if len(parts) < 4 || parts[2] == "" {
		return nil, ErrInvalidBucket
	}
	gm, ok := c.cfg.ResolvePlaylist(parts[3])
	if !ok {
		return nil, ErrUnknownPlaylist
	}

	t := &MatchTicket{
		AccountID:  accountID,
		TicketID:   uuid.NewString(),
		MatchID:    uuid.NewString(),
		SessionID:  uuid.NewString(),
		BuildID:    parts[0],
		Region:     parts[2],
		Playlist:   gm.Playlist,
		GameMode:   gm.Mode,
		Attributes: attributes,
		CreatedAt:  c.now(),
		Status:     StatusConnecting,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.tickets[accountID]; ok {
		c.removeFromQueueLocked(old)
	}
	c.tickets[accountID] = t
	metrics.TicketsCreated.Inc()
	log.Debug().Str("accountId", accountID).Str("region", t.Region).Str("playlist", t.Playlist).Msg("matchmaker: ticket created")

	cp := *t
	return &cp, nil
}

// GetTicket returns a copy of the account's ticket.
func (c *Core) GetTicket(accountID string) (*MatchTicket, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickets[accountID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// DeleteTicket drops the account's ticket and, as a side effect, its queue
// membership. No orphaned queue entries survive a ticket delete.
func (c *Core) DeleteTicket(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[accountID]
	if !ok {
		return
	}
	c.removeFromQueueLocked(t)
	delete(c.tickets, accountID)
}

// AddToQueue inserts the account into its ticket's partition. Returns false
// when there is no ticket or the partition already holds the configured
// maximum.
func (c *Core) AddToQueue(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[accountID]
	if !ok {
		return false
	}
	key := t.PartitionKey()
	set, ok := c.queues[key]
	if !ok {
		set = make(map[string]struct{})
		c.queues[key] = set
	}
	if _, member := set[accountID]; member {
		t.Status = StatusQueued
		return true
	}
	if len(set) >= c.cfg.MaxQueuedPlayers {
		return false
	}
	set[accountID] = struct{}{}
	t.Status = StatusQueued
	metrics.QueuedPlayers.Inc()
	return true
}

// RemoveFromQueue drops the account from whichever partition its ticket
// names. Empty partitions are deleted outright.
func (c *Core) RemoveFromQueue(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tickets[accountID]; ok {
		c.removeFromQueueLocked(t)
	}
}

func (c *Core) removeFromQueueLocked(t *MatchTicket) {
	key := t.PartitionKey()
	set, ok := c.queues[key]
	if !ok {
		return
	}
	if _, member := set[t.AccountID]; !member {
		return
	}
	delete(set, t.AccountID)
	metrics.QueuedPlayers.Dec()
	if len(set) == 0 {
		delete(c.queues, key)
	}
}

// QueuedPlayerCount returns the partition's set size.
func (c *Core) QueuedPlayerCount(region, playlist string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues[PartitionKey(region, playlist)])
}

// CanStartMatch reports whether the partition has reached quorum. This is a
// plain size check; ordering and skill are not modeled.
func (c *Core) CanStartMatch(region, playlist string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues[PartitionKey(region, playlist)]) >= c.cfg.MinPlayersToStart
}

// QueuedAccounts returns the members of a partition.
func (c *Core) QueuedAccounts(region, playlist string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.queues[PartitionKey(region, playlist)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// AssignServer binds the account's ticket to a concrete game server. The
// search runs in the ticket's region first and then across all regions,
// skipping any server already in the lease table. Returns nil when nothing
// is available.
func (c *Core) AssignServer(accountID string) *AssignedServer {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[accountID]
	if !ok {
		return nil
	}

	leased := func(serverID string) bool {
		_, held := c.leases[serverID]
		return held
	}
	srv := c.registry.FindAvailable(t.GameMode, t.Region, leased)
	if srv == nil {
		srv = c.registry.FindAvailable(t.GameMode, "", leased)
	}
	if srv == nil {
		metrics.AllocationsTotal.WithLabelValues("failure").Inc()
		metrics.AllocationDuration.Observe(time.Since(start).Seconds())
		return nil
	}

	now := c.now()
	c.leases[srv.ServerID] = &ServerLease{
		ServerID:   srv.ServerID,
		MatchID:    t.MatchID,
		AccountID:  accountID,
		AssignedAt: now,
		RecycleAt:  now.Add(c.cfg.TimeBetweenGamesFor(t.GameMode)),
	}
	t.AssignedServer = &AssignedServer{
		ServerID: srv.ServerID,
		Address:  srv.Address,
		Port:     srv.Port,
		Region:   srv.Region,
		Playlist: t.Playlist,
	}
	t.Status = StatusSessionAssigned

	metrics.AllocationsTotal.WithLabelValues("success").Inc()
	metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	log.Info().Str("accountId", accountID).Str("serverId", srv.ServerID).Str("matchId", t.MatchID).Msg("matchmaker: server assigned")

	cp := *t.AssignedServer
	return &cp
}

// IsLeased reports whether a server currently sits in the lease table.
func (c *Core) IsLeased(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, held := c.leases[serverID]
	return held
}

// RecycleServers deletes expired leases on the given interval until the
// context is cancelled.
func (c *Core) RecycleServers(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.recycleOnce()
		}
	}
}

func (c *Core) recycleOnce() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, lease := range c.leases {
		if now.After(lease.RecycleAt) {
			delete(c.leases, id)
			log.Debug().Str("serverId", id).Msg("matchmaker: lease recycled")
		}
	}
}

// InvalidateServer cascades a registry eviction: the server's lease is
// dropped and any ticket assigned to it is reset so the owning flow observes
// an allocation failure instead of a dead descriptor.
func (c *Core) InvalidateServer(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, serverID)
	for _, t := range c.tickets {
		if t.AssignedServer != nil && t.AssignedServer.ServerID == serverID {
			t.AssignedServer = nil
			t.Status = StatusConnecting
			log.Warn().Str("accountId", t.AccountID).Str("serverId", serverID).Msg("matchmaker: assignment invalidated, server evicted")
		}
	}
}
