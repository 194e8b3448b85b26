package presence

import (
	"encoding/xml"
	"strings"
)

// stanza is the lenient decode target for every inbound frame. The websocket
// XMPP framing (RFC 7395) guarantees one complete element per text frame, so
// XMLName carries the stanza kind and the rest of the fields fill in where
// present.
type stanza struct {
	XMLName   xml.Name
	Type      string       `xml:"type,attr"`
	To        string       `xml:"to,attr"`
	From      string       `xml:"from,attr"`
	ID        string       `xml:"id,attr"`
	Mechanism string       `xml:"mechanism,attr"`
	Text      string       `xml:",chardata"`
	Body      string       `xml:"body"`
	Show      string       `xml:"show"`
	Status    string       `xml:"status"`
	Bind      *bindRequest `xml:"bind"`
	Session   *xmlEmpty    `xml:"session"`
}

type bindRequest struct {
	Resource string `xml:"resource"`
}

type xmlEmpty struct{}

func parseStanza(frame []byte) (*stanza, error) {
	st := &stanza{}
	if err := xml.Unmarshal(frame, st); err != nil {
		return nil, err
	}
	return st, nil
}

// bareAccountID extracts the account id from a jid-ish address:
// "acct@domain/resource" → "acct". A bare account id passes through.
func bareAccountID(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
