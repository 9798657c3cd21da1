package socket

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TabID identifies a browser tab. The native side may send it as a JSON
// number or a string; both decode to the same key.
type TabID string

func (t *TabID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TabID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = TabID(n.String())
	return nil
}

// Order is one tab message carried over the socket. Outbound orders carry a
// sequence ID; inbound ones do not.
type Order struct {
	ID      int64           `json:"id,omitempty"`
	TabID   TabID           `json:"tabId"`
	Message json.RawMessage `json:"message"`
}

// initMessage is the handshake the native side sends after the socket opens.
type initMessage struct {
	WebsocketCompatible json.RawMessage `json:"websocketCompatible"`
	Capabilities        int             `json:"capabilities"`
}

func (m *initMessage) compatible() bool {
	return strings.Trim(string(m.WebsocketCompatible), `"`) == "1"
}

// inbound is the union of everything the native side sends.
type inbound struct {
	Init *initMessage `json:"init"`
	Order
}
