package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"matchgate/metrics"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// GameServerRecord tracks one game server process in the fleet.
type GameServerRecord struct {
	ServerID       string    `json:"serverId"`
	Region         string    `json:"region"`
	GameMode       string    `json:"gameMode"`
	Address        string    `json:"address"`
	Port           int       `json:"port"`
	MaxPlayers     int       `json:"maxPlayers"`
	CurrentPlayers int       `json:"currentPlayers"`
	Status         string    `json:"status"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

// Registration is the payload a game server sends when it joins the fleet.
type Registration struct {
	Region         string `json:"region"`
	GameMode       string `json:"gameMode"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
	MaxPlayers     int    `json:"maxPlayers"`
	CurrentPlayers int    `json:"currentPlayers"`
}

// Registry holds the in-memory fleet table. Since this service is intended to
// run as a single process, records live in a mutex-guarded map.
type Registry struct {
	mu               sync.RWMutex
	servers          map[string]*GameServerRecord
	secret           string
	heartbeatTimeout time.Duration
	onEvict          func(serverID string)
	now              func() time.Time
}

func New(secret string, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		servers:          make(map[string]*GameServerRecord),
		secret:           secret,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// SetEvictHook installs the callback invoked (outside the registry lock) for
// every record removed by the liveness sweep. The matchmaker uses it to
// cascade-invalidate leases and tickets pointing at a dead server.
func (r *Registry) SetEvictHook(fn func(serverID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Register upserts a fleet record. The caller's shared secret must match the
// configured one.
func (r *Registry) Register(serverID string, reg Registration, secret string) error {
	if secret == "" || secret != r.secret {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.servers[serverID] = &GameServerRecord{
		ServerID:       serverID,
		Region:         reg.Region,
		GameMode:       reg.GameMode,
		Address:        reg.Address,
		Port:           reg.Port,
		MaxPlayers:     reg.MaxPlayers,
		CurrentPlayers: reg.CurrentPlayers,
		Status:         StatusOnline,
		LastHeartbeat:  r.now(),
	}
	metrics.RegisteredServers.Set(float64(len(r.servers)))
	log.Info().Str("serverId", serverID).Str("region", reg.Region).Str("gameMode", reg.GameMode).Msg("registry: server registered")
	return nil
}

// Heartbeat refreshes liveness for a known server. Returns false when the
// server id is unknown.
func (r *Registry) Heartbeat(serverID string, currentPlayers int, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.servers[serverID]
	if !ok {
		return false
	}
	rec.LastHeartbeat = r.now()
	rec.CurrentPlayers = currentPlayers
	if status != "" {
		rec.Status = status
	}
	return true
}

// Unregister removes a record. Idempotent.
func (r *Registry) Unregister(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverID)
	metrics.RegisteredServers.Set(float64(len(r.servers)))
}

// Get returns a copy of a record.
func (r *Registry) Get(serverID string) (GameServerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.servers[serverID]
	if !ok {
		return GameServerRecord{}, false
	}
	return *rec, true
}

// Count returns the number of registered servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// FindBestServer returns the online server for a game mode (optionally
// narrowed to a region) with spare capacity, preferring the one with the most
// players already in it. Returns nil when none match.
func (r *Registry) FindBestServer(gameMode, region string) *GameServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *GameServerRecord
	for _, rec := range r.servers {
		if rec.Status != StatusOnline || rec.GameMode != gameMode {
			continue
		}
		if region != "" && rec.Region != region {
			continue
		}
		if rec.CurrentPlayers >= rec.MaxPlayers {
			continue
		}
		if best == nil || rec.CurrentPlayers > best.CurrentPlayers {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// FindAvailable is the allocation-time search: online servers for the mode
// (optionally narrowed to a region) that the exclude predicate does not veto.
// Capacity fields are deliberately not consulted here; once a server has been
// assigned, the lease table is the sole occupancy truth.
func (r *Registry) FindAvailable(gameMode, region string, exclude func(serverID string) bool) *GameServerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *GameServerRecord
	for _, rec := range r.servers {
		if rec.Status != StatusOnline || rec.GameMode != gameMode {
			continue
		}
		if region != "" && rec.Region != region {
			continue
		}
		if exclude != nil && exclude(rec.ServerID) {
			continue
		}
		if best == nil || rec.CurrentPlayers > best.CurrentPlayers {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// SweepInactive evicts records whose heartbeat age exceeds the configured
// timeout, on the given interval, until the context is cancelled.
func (r *Registry) SweepInactive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := r.now()

	r.mu.Lock()
	var evicted []string
	for id, rec := range r.servers {
		if now.Sub(rec.LastHeartbeat) > r.heartbeatTimeout {
			delete(r.servers, id)
			evicted = append(evicted, id)
		}
	}
	metrics.RegisteredServers.Set(float64(len(r.servers)))
	hook := r.onEvict
	r.mu.Unlock()

	// The hook runs unlocked: the matchmaker takes its own lock and may call
	// back into the registry.
	for _, id := range evicted {
		log.Warn().Str("serverId", id).Msg("registry: evicting server after missed heartbeats")
		if hook != nil {
			hook(id)
		}
	}
}
