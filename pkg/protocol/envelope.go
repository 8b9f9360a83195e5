// Package protocol defines the wire-level event envelope exchanged between
// the voice client and the conductor, together with its JSON codec.
//
// Every message on the socket is a single envelope. The codec enforces a
// byte cap before parsing and normalizes timestamps to ISO-8601 UTC with
// millisecond precision on the way out; inbound timestamps are accepted
// with or without fractional seconds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timestampFormat is the outbound timestamp layout: UTC, millisecond
// precision, trailing Z.
const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Codec failure modes, distinguishable with [errors.Is].
var (
	// ErrTooLarge reports a frame exceeding the configured byte cap.
	// Checked before any JSON parsing.
	ErrTooLarge = errors.New("protocol: event exceeds size limit")

	// ErrInvalidJSON reports a frame that is not a well-formed JSON object.
	ErrInvalidJSON = errors.New("protocol: event is not a JSON object")

	// ErrInvalidEvent reports a well-formed JSON object that is missing
	// required envelope fields or carries them with the wrong type.
	ErrInvalidEvent = errors.New("protocol: invalid event")
)

// Envelope is the wire-level wrapper for every event.
type Envelope struct {
	// ID uniquely identifies the event. Clients use it to dedupe.
	ID string

	// Type is a dot-separated constant from the closed set in this package.
	Type string

	// Timestamp is the event creation time. Always UTC.
	Timestamp time.Time

	// SessionID names the session this event belongs to.
	SessionID string

	// Payload is the type-specific body. Never nil after decoding; an
	// absent payload is normalized to an empty map.
	Payload map[string]any
}

// New builds an envelope of the given type with a fresh UUID id and the
// current UTC timestamp. A nil payload is normalized to an empty map.
func New(eventType, sessionID string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
}

// NewError builds an error envelope with the given code and message.
func NewError(sessionID, code, message string) *Envelope {
	return New(TypeError, sessionID, map[string]any{
		"code":    code,
		"message": message,
	})
}

// wireEnvelope is the JSON shape of an envelope on the socket.
type wireEnvelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Decode parses a raw frame into an envelope. maxBytes caps the frame size
// before any parsing happens. Failures wrap [ErrTooLarge], [ErrInvalidJSON]
// or [ErrInvalidEvent].
func Decode(data []byte, maxBytes int) (*Envelope, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(data), maxBytes)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	id, err := requiredString(raw, "id")
	if err != nil {
		return nil, err
	}
	eventType, err := requiredString(raw, "type")
	if err != nil {
		return nil, err
	}
	tsRaw, err := requiredString(raw, "timestamp")
	if err != nil {
		return nil, err
	}
	sessionID, err := requiredString(raw, "sessionId")
	if err != nil {
		return nil, err
	}

	// RFC3339Nano accepts both plain and fractional-second timestamps.
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q is not ISO-8601", ErrInvalidEvent, tsRaw)
	}

	payload := map[string]any{}
	if p, ok := raw["payload"]; ok {
		if err := json.Unmarshal(p, &payload); err != nil {
			return nil, fmt.Errorf("%w: payload is not an object", ErrInvalidEvent)
		}
	}

	return &Envelope{
		ID:        id,
		Type:      eventType,
		Timestamp: ts.UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}, nil
}

// Encode serializes an envelope to its wire form. The timestamp is emitted
// as ISO-8601 UTC with millisecond precision.
func Encode(env *Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID:        env.ID,
		Type:      env.Type,
		Timestamp: env.Timestamp.UTC().Format(timestampFormat),
		SessionID: env.SessionID,
		Payload:   env.Payload,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s event: %w", env.Type, err)
	}
	return data, nil
}

// requiredString extracts a non-empty string field or fails with
// [ErrInvalidEvent].
func requiredString(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidEvent, key)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidEvent, key)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %q must not be empty", ErrInvalidEvent, key)
	}
	return s, nil
}
