// Package presence implements the XMPP-subset relay multiplexed on the
// matchmaking listener: login presence, chat relay and party/friend event
// delivery over websocket framing.
package presence

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"matchgate/accounts"
	"matchgate/metrics"
)

const writeWait = 10 * time.Second

// partyInviteType is the one recognized JSON message kind relayed to its
// addressee; every other kind is echoed back to the sender to acknowledge
// delivery.
const partyInviteType = "com.epicgames.party.invitation"

var errStreamClosed = errors.New("stream closed")

// TokenVerifier checks the credential presented during SASL PLAIN auth and
// returns the account id it was minted for.
type TokenVerifier interface {
	VerifyAccessToken(token string) (string, error)
}

type connState int

const (
	stateOpen connState = iota
	stateAuthenticated
	stateBound
	stateEstablished
)

// client is one live relay connection's projected identity. state and
// accountID are touched only by the owning read loop; jid, away and status
// are shared with broadcast paths and are written under the relay's lock.
type client struct {
	ws        *websocket.Conn
	accountID string
	state     connState

	jid    string
	away   bool
	status string // opaque application blob

	writeMu sync.Mutex
}

func (c *client) send(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *client) sendRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Relay is the presence/messaging state machine and connected-client table.
type Relay struct {
	domain   string
	accounts *accounts.Store
	verifier TokenVerifier

	mu      sync.Mutex
	clients map[string]*client
}

func NewRelay(domain string, store *accounts.Store, verifier TokenVerifier) *Relay {
	return &Relay{
		domain:   domain,
		accounts: store,
		verifier: verifier,
		clients:  make(map[string]*client),
	}
}

// ClientCount returns the number of authenticated connections.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Serve runs one relay connection until it closes or misbehaves.
func (r *Relay) Serve(ws *websocket.Conn) {
	c := &client{ws: ws, state: stateOpen}

	metrics.ConnectionsOpen.WithLabelValues("xmpp").Inc()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("presence: handler panic, closing connection")
		}
		r.teardown(c)
		_ = ws.Close()
		metrics.ConnectionsOpen.WithLabelValues("xmpp").Dec()
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := r.handleFrame(c, frame); err != nil {
			return
		}
	}
}

type delivery struct {
	to    *client
	frame string
}

func (r *Relay) teardown(c *client) {
	if c.accountID == "" {
		return
	}
	r.mu.Lock()
	registered := r.clients[c.accountID] == c
	var outs []delivery
	if registered {
		delete(r.clients, c.accountID)
		// Tell everyone the client went away before forgetting it.
		for _, p := range r.clients {
			outs = append(outs, delivery{p, fmt.Sprintf(`<presence from="%s" to="%s" type="unavailable"/>`,
				xmlEscape(c.jid), xmlEscape(p.jid))})
		}
	}
	r.mu.Unlock()

	for _, d := range outs {
		_ = d.to.send(d.frame)
	}
}

func (r *Relay) handleFrame(c *client, frame []byte) error {
	st, err := parseStanza(frame)
	if err != nil {
		log.Debug().Err(err).Msg("presence: unparseable frame")
		return errStreamClosed
	}

	switch st.XMLName.Local {
	case "open":
		return r.handleOpen(c)
	case "auth":
		return r.handleAuth(c, st)
	case "iq":
		return r.handleIQ(c, st)
	case "message":
		return r.handleMessage(c, st, frame)
	case "presence":
		return r.handlePresence(c, st)
	case "close":
		_ = c.send(`<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`)
		return errStreamClosed
	default:
		// Unknown stanzas are ignored rather than fatal.
		return nil
	}
}

func (r *Relay) handleOpen(c *client) error {
	if err := c.send(fmt.Sprintf(
		`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" from="%s" id="%s" version="1.0" xml:lang="en"/>`,
		xmlEscape(r.domain), uuid.NewString())); err != nil {
		return err
	}
	if c.state == stateOpen {
		return c.send(`<stream:features xmlns:stream="http://etherx.jabber.org/streams">` +
			`<mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms>` +
			`</stream:features>`)
	}
	// Stream restart after SASL: advertise bind and session.
	return c.send(`<stream:features xmlns:stream="http://etherx.jabber.org/streams">` +
		`<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/>` +
		`<session xmlns="urn:ietf:params:xml:ns:xmpp-session"/>` +
		`</stream:features>`)
}

func (r *Relay) handleAuth(c *client, st *stanza) error {
	reject := func(reason string) error {
		log.Debug().Str("reason", reason).Msg("presence: auth rejected")
		_ = c.send(`<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure>`)
		return errStreamClosed
	}

	if c.state != stateOpen || st.Mechanism != "PLAIN" {
		return reject("bad state or mechanism")
	}
	raw, err := base64.StdEncoding.DecodeString(st.Text)
	if err != nil {
		return reject("bad base64")
	}
	parts := bytes.Split(raw, []byte{0})
	if len(parts) != 3 {
		return reject("credential is not a NUL-delimited triple")
	}
	accountID := string(parts[1])
	token := string(parts[2])

	if _, err := r.accounts.Lookup(accountID); err != nil {
		return reject("unknown account")
	}
	tokenAccount, err := r.verifier.VerifyAccessToken(token)
	if err != nil || tokenAccount != accountID {
		return reject("bad token")
	}

	r.mu.Lock()
	if _, dup := r.clients[accountID]; dup {
		r.mu.Unlock()
		// The existing connection stays; the newcomer is turned away.
		return reject("duplicate session")
	}
	c.accountID = accountID
	c.state = stateAuthenticated
	r.clients[accountID] = c
	r.mu.Unlock()

	log.Info().Str("accountId", accountID).Msg("presence: client authenticated")
	return c.send(`<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)
}

func (r *Relay) handleIQ(c *client, st *stanza) error {
	switch {
	case st.Bind != nil:
		if c.state != stateAuthenticated {
			return errStreamClosed
		}
		resource := st.Bind.Resource
		if resource == "" {
			resource = uuid.NewString()
		}
		r.mu.Lock()
		c.jid = fmt.Sprintf("%s@%s/%s", c.accountID, r.domain, resource)
		r.mu.Unlock()
		c.state = stateBound
		return c.send(fmt.Sprintf(
			`<iq to="%s" id="%s" type="result">`+
				`<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>%s</jid></bind>`+
				`</iq>`,
			xmlEscape(c.jid), xmlEscape(st.ID), xmlEscape(c.jid)))

	case st.Session != nil:
		if c.state != stateBound {
			return errStreamClosed
		}
		c.state = stateEstablished
		if err := c.send(fmt.Sprintf(`<iq to="%s" from="%s" id="%s" type="result"/>`,
			xmlEscape(c.jid), xmlEscape(r.domain), xmlEscape(st.ID))); err != nil {
			return err
		}
		r.replayPresences(c)
		return nil

	default:
		// Pings and anything else get an empty result.
		return c.send(fmt.Sprintf(`<iq to="%s" from="%s" id="%s" type="result"/>`,
			xmlEscape(c.jid), xmlEscape(r.domain), xmlEscape(st.ID)))
	}
}

// replayPresences pushes every other connected client's current presence to
// a newly established session.
func (r *Relay) replayPresences(c *client) {
	r.mu.Lock()
	var frames []string
	for id, p := range r.clients {
		if id != c.accountID {
			frames = append(frames, presenceFrame(p.jid, p.away, p.status, c.jid, "available"))
		}
	}
	r.mu.Unlock()

	for _, f := range frames {
		_ = c.send(f)
	}
}

func presenceFrame(fromJID string, away bool, status, toJID, presenceType string) string {
	show := ""
	if away {
		show = "<show>away</show>"
	}
	return fmt.Sprintf(`<presence from="%s" to="%s" type="%s">%s<status>%s</status></presence>`,
		xmlEscape(fromJID), xmlEscape(toJID), presenceType, show, xmlEscape(status))
}

func (r *Relay) lookupClient(addr string) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[bareAccountID(addr)]
}

func (r *Relay) handleMessage(c *client, st *stanza, frame []byte) error {
	if c.state != stateEstablished {
		return errStreamClosed
	}

	if st.Type == "chat" {
		target := r.lookupClient(st.To)
		if target == nil || target == c {
			// Unknown recipients and self-sends drop silently.
			return nil
		}
		return ignoreWriteErr(target.sendRaw(frame))
	}

	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(st.Body), &body); err != nil {
		return nil
	}
	switch body.Type {
	case partyInviteType:
		target := r.lookupClient(st.To)
		if target == nil || target == c {
			return nil
		}
		return ignoreWriteErr(target.sendRaw(frame))
	default:
		// Unrecognized kinds are echoed back so the sender still sees a
		// delivery acknowledgement.
		return c.sendRaw(frame)
	}
}

func (r *Relay) handlePresence(c *client, st *stanza) error {
	if c.state != stateEstablished {
		return errStreamClosed
	}

	r.mu.Lock()
	c.away = st.Show != ""
	c.status = st.Status
	var outs []delivery
	for id, p := range r.clients {
		if id != c.accountID {
			outs = append(outs, delivery{p, presenceFrame(c.jid, c.away, c.status, p.jid, "available")})
		}
	}
	r.mu.Unlock()

	for _, d := range outs {
		_ = d.to.send(d.frame)
	}
	return nil
}

// ignoreWriteErr keeps a peer's dead socket from tearing down the sender's
// stream; the peer's own read loop handles its teardown.
func ignoreWriteErr(error) error { return nil }
