package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"matchgate/config"
	"matchgate/matchmaker"
	"matchgate/metrics"
	"matchgate/tokens"
)

const writeWait = 10 * time.Second

var errUnauthorized = errors.New("matchmaking connection rejected")

// Handler drives authenticated matchmaking connections through the
// Connecting → Queued → SessionAssignment → Play flow. One goroutine runs
// per connection; all waits are timer-based and re-check connection liveness
// before touching the socket again, so a closed socket is the cancellation
// signal.
type Handler struct {
	cfg    *config.Config
	core   *matchmaker.Core
	signer *tokens.Signer

	mu    sync.Mutex
	conns map[string]*playerConn
}

func NewHandler(cfg *config.Config, core *matchmaker.Core, signer *tokens.Signer) *Handler {
	return &Handler{
		cfg:    cfg,
		core:   core,
		signer: signer,
		conns:  make(map[string]*playerConn),
	}
}

type playerConn struct {
	ws        *websocket.Conn
	accountID string
	region    string
	playlist  string

	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (p *playerConn) markClosed() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *playerConn) open() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *playerConn) sendJSON(v any) bool {
	if !p.open() {
		return false
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		p.markClosed()
		return false
	}
	if err := p.ws.WriteJSON(v); err != nil {
		p.markClosed()
		return false
	}
	return true
}

func (p *playerConn) sendStatus(payload statusPayload) bool {
	return p.sendJSON(statusUpdate{Payload: payload, Name: msgStatusUpdate})
}

// Serve authenticates the socket and runs the matchmaking flow until the
// client disconnects or the flow terminates. It always deletes the account's
// ticket (and thereby its queue membership) on the way out.
func (h *Handler) Serve(ws *websocket.Conn, authHeader string) {
	claims, err := h.authenticate(authHeader)
	if err != nil {
		log.Debug().Err(err).Msg("session: closing unauthenticated connection")
		_ = ws.Close()
		return
	}

	ticket, ok := h.core.GetTicket(claims.PlayerID)
	if !ok {
		_ = ws.Close()
		return
	}

	pc := &playerConn{
		ws:        ws,
		accountID: claims.PlayerID,
		region:    ticket.Region,
		playlist:  ticket.Playlist,
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if prev, exists := h.conns[pc.accountID]; exists {
		prev.markClosed()
		_ = prev.ws.Close()
	}
	h.conns[pc.accountID] = pc
	h.mu.Unlock()

	metrics.ConnectionsOpen.WithLabelValues("matchmaking").Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("accountId", pc.accountID).Msg("session: handler panic, closing connection")
		}
		pc.markClosed()
		_ = ws.Close()
		h.core.DeleteTicket(pc.accountID)
		h.mu.Lock()
		if h.conns[pc.accountID] == pc {
			delete(h.conns, pc.accountID)
		}
		h.mu.Unlock()
		metrics.ConnectionsOpen.WithLabelValues("matchmaking").Dec()
	}()

	// Reader exists only to observe the close; clients send nothing
	// meaningful on this protocol.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				pc.markClosed()
				return
			}
		}
	}()

	h.run(pc, ticket)
}

func (h *Handler) authenticate(authHeader string) (*tokens.MatchmakingClaims, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 3 {
		return nil, errUnauthorized
	}
	claims, err := h.signer.VerifyMatchmakingPayload(parts[1])
	if err != nil {
		return nil, errUnauthorized
	}
	if claims.PlayerID == "" || claims.Region == "" {
		return nil, errUnauthorized
	}
	if _, ok := h.core.GetTicket(claims.PlayerID); !ok {
		return nil, errUnauthorized
	}
	return claims, nil
}

// pause suspends the flow for d while other connections keep being serviced.
// Returns false once the connection has closed; callers abandon silently.
func (h *Handler) pause(pc *playerConn, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-pc.done:
		return false
	case <-t.C:
	}
	return pc.open()
}

func (h *Handler) run(pc *playerConn, ticket *matchmaker.MatchTicket) {
	if !h.pause(pc, h.cfg.StateStepDelay) {
		return
	}
	if !pc.sendStatus(statusPayload{State: StateConnecting}) {
		return
	}
	if !h.pause(pc, h.cfg.StateStepDelay) {
		return
	}

	// Capacity gate: poll until the partition has room. Non-fatal by design;
	// the client just sees QueueFull until space frees or it gives up.
	for h.core.QueuedPlayerCount(pc.region, pc.playlist) >= h.cfg.MaxQueuedPlayers {
		if !pc.sendStatus(statusPayload{State: StateQueueFull}) {
			return
		}
		if !h.pause(pc, h.cfg.QueueFullInterval) {
			return
		}
	}

	if !pc.sendStatus(statusPayload{State: StateWaiting}) {
		return
	}
	if !h.pause(pc, h.cfg.StateStepDelay) {
		return
	}

	for !h.core.AddToQueue(pc.accountID) {
		// Lost a race to the last slot; back to the capacity gate.
		if !pc.sendStatus(statusPayload{State: StateQueueFull}) {
			return
		}
		if !h.pause(pc, h.cfg.QueueFullInterval) {
			return
		}
	}

	if !pc.sendStatus(statusPayload{
		State:         StateQueued,
		TicketID:      ticket.TicketID,
		QueuedPlayers: h.core.QueuedPlayerCount(pc.region, pc.playlist),
	}) {
		return
	}

	for !h.core.CanStartMatch(pc.region, pc.playlist) {
		if !h.pause(pc, h.cfg.QueuePollInterval) {
			return
		}
		h.broadcastQueued(pc.region, pc.playlist)
	}

	if !h.pause(pc, h.cfg.StateStepDelay) {
		return
	}
	if !pc.sendStatus(statusPayload{State: StateSessionAssignment, MatchID: ticket.MatchID}) {
		return
	}
	if !h.pause(pc, h.cfg.StateStepDelay) {
		return
	}

	assigned := h.core.AssignServer(pc.accountID)
	if assigned == nil {
		// The one terminal failure with user-visible signaling.
		pc.sendStatus(statusPayload{State: StateError, Message: "no game server available for this playlist"})
		pc.markClosed()
		_ = pc.ws.Close()
		return
	}

	joinToken, err := h.signer.SignJoinCredential(
		pc.accountID, assigned.ServerID, assigned.Address, assigned.Port, assigned.Playlist,
		h.cfg.JoinTokenTTL,
	)
	if err != nil {
		log.Error().Err(err).Str("accountId", pc.accountID).Msg("session: join credential signing failed")
		pc.sendStatus(statusPayload{State: StateError, Message: "internal error"})
		pc.markClosed()
		_ = pc.ws.Close()
		return
	}

	if !pc.sendJSON(playMessage{
		Payload: playPayload{
			MatchID:      ticket.MatchID,
			SessionID:    ticket.SessionID,
			JoinDelaySec: h.cfg.JoinDelaySec,
			Token:        joinToken,
		},
		Name: msgPlay,
	}) {
		return
	}

	// The client disconnects once it hands the credential to the game
	// server; hold the record until then.
	<-pc.done
}

// broadcastQueued pushes a fresh queue-size status to every connection
// waiting in the partition.
func (h *Handler) broadcastQueued(region, playlist string) {
	count := h.core.QueuedPlayerCount(region, playlist)

	h.mu.Lock()
	targets := make([]*playerConn, 0, len(h.conns))
	for _, pc := range h.conns {
		if pc.region == region && pc.playlist == playlist {
			targets = append(targets, pc)
		}
	}
	h.mu.Unlock()

	for _, pc := range targets {
		pc.sendStatus(statusPayload{State: StateQueued, QueuedPlayers: count})
	}
}
