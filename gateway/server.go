// Package gateway is the public HTTP/websocket surface: the matchmaking
// ticket endpoint, the game-server registration API, and the single
// websocket listener that routes connections to either the presence relay or
// the session protocol handler based on the negotiated sub-protocol.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"matchgate/config"
	"matchgate/matchmaker"
	"matchgate/registry"
	"matchgate/session"
	"matchgate/tokens"
)

// relayProtocol is the negotiated sub-protocol tag that selects the
// presence/messaging relay; anything else lands on the session handler.
const relayProtocol = "xmpp"

// SocketHandler serves one accepted websocket connection.
type SocketHandler interface {
	Serve(ws *websocket.Conn)
}

type Server struct {
	cfg      *config.Config
	core     *matchmaker.Core
	reg      *registry.Registry
	signer   *tokens.Signer
	sessions *session.Handler
	relay    SocketHandler
	router   chi.Router
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, core *matchmaker.Core, reg *registry.Registry, signer *tokens.Signer, sessions *session.Handler, relay SocketHandler) *Server {
	s := &Server{
		cfg:      cfg,
		core:     core,
		reg:      reg,
		signer:   signer,
		sessions: sessions,
		relay:    relay,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{relayProtocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Get("/matchmaking/session/findPlayer/{accountId}", s.FindPlayer)
	r.Get("/matchmaking/ws", s.Socket)

	r.Route("/api/v1/servers", func(r chi.Router) {
		r.Post("/{serverId}/register", s.RegisterServer)
		r.Post("/{serverId}/heartbeat", s.ServerHeartbeat)
		r.Delete("/{serverId}", s.UnregisterServer)
	})

	s.router = r
}

// ticketResponse is the ticket-endpoint payload: the signed matchmaking
// payload plus the websocket URL the client connects to next.
type ticketResponse struct {
	ServiceURL string `json:"serviceUrl"`
	TicketType string `json:"ticketType"`
	Payload    string `json:"payload"`
	ExpiresAt  string `json:"expiresAt"`
}

// FindPlayer creates (or replaces) the account's matchmaking ticket from the
// bucketId query parameter and returns the signed payload for the session
// socket.
func (s *Server) FindPlayer(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	bucketID := r.URL.Query().Get("bucketId")

	ticket, err := s.core.CreateTicket(accountID, bucketID, queryAttributes(r))
	if err != nil {
		status := http.StatusBadRequest
		var msg string
		switch {
		case errors.Is(err, matchmaker.ErrInvalidBucket):
			msg = "bucketId must be buildId:x:region:playlist"
		case errors.Is(err, matchmaker.ErrUnknownPlaylist):
			msg = "unknown playlist"
		default:
			status = http.StatusInternalServerError
			msg = "ticket creation failed"
		}
		respondError(w, status, msg)
		return
	}

	payload, err := s.signer.SignMatchmakingPayload(accountID, ticket.Region, bucketID, s.cfg.PayloadTTL)
	if err != nil {
		log.Error().Err(err).Str("accountId", accountID).Msg("gateway: payload signing failed")
		respondError(w, http.StatusInternalServerError, "payload signing failed")
		return
	}

	respondJSON(w, http.StatusOK, ticketResponse{
		ServiceURL: fmt.Sprintf("ws://%s/matchmaking/ws", s.cfg.PublicHost),
		TicketType: "mms-player",
		Payload:    payload,
		ExpiresAt:  time.Now().Add(s.cfg.PayloadTTL).UTC().Format(time.RFC3339),
	})
}

// queryAttributes forwards any extra query parameters as opaque client
// attributes on the ticket.
func queryAttributes(r *http.Request) map[string]string {
	attrs := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if k == "bucketId" || len(vs) == 0 {
			continue
		}
		attrs[k] = vs[0]
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// Socket upgrades the connection and hands it to whichever protocol the
// client negotiated. The two protocols are mutually exclusive per
// connection.
func (s *Server) Socket(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}

	if ws.Subprotocol() == relayProtocol {
		go s.relay.Serve(ws)
		return
	}
	go s.sessions.Serve(ws, authHeader)
}

// RegisterServer upserts a fleet record. The shared secret travels in the
// X-Server-Secret header.
func (s *Server) RegisterServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")

	var reg registry.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid registration body")
		return
	}

	if err := s.reg.Register(serverID, reg, r.Header.Get("X-Server-Secret")); err != nil {
		respondError(w, http.StatusUnauthorized, "registration rejected")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"serverId": serverID, "status": registry.StatusOnline})
}

type heartbeatRequest struct {
	CurrentPlayers int    `json:"currentPlayers"`
	Status         string `json:"status"`
}

func (s *Server) ServerHeartbeat(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")

	var hb heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		respondError(w, http.StatusBadRequest, "invalid heartbeat body")
		return
	}

	if !s.reg.Heartbeat(serverID, hb.CurrentPlayers, hb.Status) {
		respondError(w, http.StatusNotFound, "unknown server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) UnregisterServer(w http.ResponseWriter, r *http.Request) {
	s.reg.Unregister(chi.URLParam(r, "serverId"))
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
