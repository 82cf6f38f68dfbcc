package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind identifies which of the three envelope shapes a frame carries.
type Kind string

const (
	// KindWelcome is sent once to every new connection.
	KindWelcome Kind = "welcome"
	// KindBroadcast wraps a payload received from any client.
	KindBroadcast Kind = "broadcast"
	// KindSystem wraps a payload from the administrative broadcast.
	KindSystem Kind = "system"
)

// WelcomeMessage is the fixed greeting carried by every welcome envelope.
const WelcomeMessage = "Connected to 2030 Community Platform"

// TimestampLayout renders ISO-8601 UTC with millisecond precision, e.g.
// 2030-04-01T12:00:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid reports whether k is one of the known envelope kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindWelcome, KindBroadcast, KindSystem:
		return true
	default:
		return false
	}
}

// Envelope is a frame sent by the relay. Message is only meaningful for
// welcome envelopes; Data only for broadcast and system envelopes.
type Envelope struct {
	Type      Kind
	Message   string
	Data      json.RawMessage
	Timestamp string
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewWelcome builds the greeting sent right after connect.
func NewWelcome(now time.Time) Envelope {
	return Envelope{Type: KindWelcome, Message: WelcomeMessage, Timestamp: FormatTimestamp(now)}
}

// NewBroadcast wraps a client payload for fan-out.
func NewBroadcast(data json.RawMessage, now time.Time) Envelope {
	return Envelope{Type: KindBroadcast, Data: data, Timestamp: FormatTimestamp(now)}
}

// NewSystem wraps an administrative payload for fan-out.
func NewSystem(data json.RawMessage, now time.Time) Envelope {
	return Envelope{Type: KindSystem, Data: data, Timestamp: FormatTimestamp(now)}
}

type welcomeWire struct {
	Type      Kind   `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type dataWire struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// MarshalJSON emits only the fields that belong to the envelope's kind.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case KindWelcome:
		return json.Marshal(welcomeWire{Type: e.Type, Message: e.Message, Timestamp: e.Timestamp})
	case KindBroadcast, KindSystem:
		data := e.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return json.Marshal(dataWire{Type: e.Type, Data: data, Timestamp: e.Timestamp})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
}

// Decode parses a frame received from the relay. Any structural problem is
// reported as a *ParseError.
func Decode(raw []byte) (Envelope, error) {
	var wire struct {
		Type      Kind            `json:"type"`
		Message   *string         `json:"message"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, &ParseError{Reason: "invalid JSON", Err: err}
	}
	if !wire.Type.IsValid() {
		return Envelope{}, &ParseError{Reason: fmt.Sprintf("unknown envelope type %q", wire.Type)}
	}
	if wire.Timestamp == "" {
		return Envelope{}, &ParseError{Reason: "missing timestamp"}
	}

	env := Envelope{Type: wire.Type, Timestamp: wire.Timestamp}
	switch wire.Type {
	case KindWelcome:
		if wire.Message == nil {
			return Envelope{}, &ParseError{Reason: "welcome envelope without message"}
		}
		env.Message = *wire.Message
	default:
		if len(wire.Data) == 0 {
			return Envelope{}, &ParseError{Reason: fmt.Sprintf("%s envelope without data", wire.Type)}
		}
		env.Data = wire.Data
	}
	return env, nil
}

// ParsePayload checks that raw holds exactly one JSON value and returns it
// compacted. Invalid UTF-8 is replaced with U+FFFD so every frame the relay
// writes is valid text. The relay otherwise treats the value as opaque.
func ParsePayload(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &ParseError{Reason: "empty payload"}
	}
	if !utf8.Valid(trimmed) {
		trimmed = bytes.ToValidUTF8(trimmed, []byte("\uFFFD"))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Err: err}
	}
	return json.RawMessage(buf.Bytes()), nil
}

// encodeData normalizes an administrative payload into JSON. Byte slices
// are taken to already hold JSON; anything else is marshaled.
func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return ParsePayload(v)
	case []byte:
		return ParsePayload(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &ParseError{Reason: "unencodable payload", Err: err}
		}
		return b, nil
	}
}
