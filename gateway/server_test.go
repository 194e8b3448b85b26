package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchgate/config"
	"matchgate/matchmaker"
	"matchgate/registry"
	"matchgate/session"
	"matchgate/tokens"
)

const (
	testServerSecret  = "fleet-secret"
	testSigningSecret = "signing-secret"
)

type stubRelay struct {
	served chan *websocket.Conn
}

func (s *stubRelay) Serve(ws *websocket.Conn) {
	s.served <- ws
}

type fixture struct {
	cfg    *config.Config
	core   *matchmaker.Core
	reg    *registry.Registry
	signer *tokens.Signer
	relay  *stubRelay
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		PublicHost:        "mm.example.com:8080",
		MaxQueuedPlayers:  10,
		MinPlayersToStart: 2,
		TimeBetweenGames:  25 * time.Minute,
		QueuePollInterval: 10 * time.Millisecond,
		QueueFullInterval: 5 * time.Millisecond,
		StateStepDelay:    5 * time.Millisecond,
		PayloadTTL:        time.Minute,
		JoinTokenTTL:      time.Minute,
		GameModes:         config.DefaultGameModes(),
	}
	reg := registry.New(testServerSecret, 90*time.Second)
	core := matchmaker.NewCore(cfg, reg)
	signer := tokens.NewSigner(testSigningSecret)
	sessions := session.NewHandler(cfg, core, signer)
	relay := &stubRelay{served: make(chan *websocket.Conn, 1)}

	s := New(cfg, core, reg, signer, sessions, relay)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{cfg: cfg, core: core, reg: reg, signer: signer, relay: relay, srv: srv}
}

func TestFindPlayer_CreatesTicket(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/matchmaking/session/findPlayer/acct1?bucketId=12345:x:NAE:Playlist_DefaultSolo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ServiceURL string `json:"serviceUrl"`
		TicketType string `json:"ticketType"`
		Payload    string `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ws://mm.example.com:8080/matchmaking/ws", body.ServiceURL)
	assert.Equal(t, "mms-player", body.TicketType)

	claims, err := f.signer.VerifyMatchmakingPayload(body.Payload)
	require.NoError(t, err)
	assert.Equal(t, "acct1", claims.PlayerID)
	assert.Equal(t, "NAE", claims.Region)

	ticket, ok := f.core.GetTicket("acct1")
	require.True(t, ok)
	assert.Equal(t, "NAE", ticket.Region)
	assert.Equal(t, "Playlist_DefaultSolo", ticket.Playlist)
	assert.Equal(t, matchmaker.StatusConnecting, ticket.Status)
}

func TestFindPlayer_BadBuckets(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		bucket string
	}{
		{"missing entirely", ""},
		{"too few segments", "12345:NAE"},
		{"unknown playlist", "12345:x:NAE:Playlist_50v50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(f.srv.URL + "/matchmaking/session/findPlayer/acct1?bucketId=" + tt.bucket)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServerRegistration_Lifecycle(t *testing.T) {
	f := newFixture(t)

	regBody := `{"region":"NAE","gameMode":"solo","address":"10.0.0.5","port":7777,"maxPlayers":100}`

	// Wrong secret.
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/servers/gs1/register", strings.NewReader(regBody))
	req.Header.Set("X-Server-Secret", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct secret.
	req, _ = http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/servers/gs1/register", strings.NewReader(regBody))
	req.Header.Set("X-Server-Secret", testServerSecret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.reg.Count())

	// Heartbeat.
	resp, err = http.Post(f.srv.URL+"/api/v1/servers/gs1/heartbeat", "application/json",
		bytes.NewReader([]byte(`{"currentPlayers":12,"status":"online"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	rec, _ := f.reg.Get("gs1")
	assert.Equal(t, 12, rec.CurrentPlayers)

	// Heartbeat for unknown server.
	resp, err = http.Post(f.srv.URL+"/api/v1/servers/ghost/heartbeat", "application/json",
		bytes.NewReader([]byte(`{"currentPlayers":0,"status":"online"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unregister, twice (idempotent).
	for i := 0; i < 2; i++ {
		req, _ = http.NewRequest(http.MethodDelete, f.srv.URL+"/api/v1/servers/gs1", nil)
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	assert.Equal(t, 0, f.reg.Count())
}

func TestSocket_RoutesXMPPToRelay(t *testing.T) {
	f := newFixture(t)

	d := websocket.Dialer{Subprotocols: []string{"xmpp"}}
	ws, _, err := d.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/matchmaking/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	select {
	case <-f.relay.served:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received the connection")
	}
}

func TestSocket_DefaultsToSessionHandler(t *testing.T) {
	f := newFixture(t)

	hdr := http.Header{}
	hdr.Set("Authorization", "bad header")
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/matchmaking/ws", hdr)
	require.NoError(t, err)
	defer ws.Close()

	// The session handler rejects the malformed auth header by closing.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)

	select {
	case <-f.relay.served:
		t.Fatal("relay should not receive a non-xmpp connection")
	default:
	}
}
