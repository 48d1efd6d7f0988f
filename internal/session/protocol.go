// Package session owns the long-lived connection to the command server: the
// newline-delimited JSON wire protocol, automatic reconnection with
// exponential backoff, and the feedback loop between server directives and
// the capture machine.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types.
const (
	TypeChat    = "chat"
	TypeError   = "error"
	TypeCommand = "command"
)

// Commands carried by command messages.
const (
	CommandLoginReq = "login req"
	CommandLoginAck = "login ack"
	CommandAsk      = "ask"
	CommandKWS      = "kws"
)

// Message is one newline-delimited JSON frame on the wire. Unset fields are
// omitted when encoding.
type Message struct {
	Type    string `json:"type,omitempty"`
	Command string `json:"command,omitempty"`
	Message string `json:"message,omitempty"`

	// Outcome carries the structured intent payload on outbound chat
	// messages.
	Outcome json.RawMessage `json:"outcome,omitempty"`

	// BotName is set on the server's login acknowledgment.
	BotName string `json:"bot_name,omitempty"`

	// WitContext is the dialog context attached to ask/kws directives and
	// forwarded verbatim on subsequent recognitions.
	WitContext json.RawMessage `json:"wit_context,omitempty"`

	// NoListener, when present with any value, suppresses the TTS side
	// effect of this message.
	NoListener json.RawMessage `json:"nolistener,omitempty"`

	// Body is the text of bare typeless frames, spoken directly.
	Body string `json:"body,omitempty"`

	// Sender envelope, stamped on every outbound message.
	From string `json:"from,omitempty"`
	Zone string `json:"zone,omitempty"`
	To   string `json:"to,omitempty"`
}

// Silent reports whether the message carries the nolistener key.
func (m *Message) Silent() bool {
	return len(m.NoListener) > 0
}

// NormalizedType returns the lowercased message type.
func (m *Message) NormalizedType() string {
	return strings.ToLower(m.Type)
}

// NormalizedCommand returns the lowercased command.
func (m *Message) NormalizedCommand() string {
	return strings.ToLower(m.Command)
}

// encode serialises m as one line, newline terminator included.
func encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("session: encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// decode parses one received line. A malformed line is a protocol fault for
// that single message; the session is otherwise unaffected.
func decode(line []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(line, m); err != nil {
		return nil, fmt.Errorf("session: decode message: %w", err)
	}
	return m, nil
}
