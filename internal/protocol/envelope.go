package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned for frames that cannot be decoded or lack
// required fields.
var ErrInvalidPayload = errors.New("invalid payload")

// Envelope frames every message on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Validator is implemented by every payload type.
type Validator interface {
	Validate() error
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Encode frames payload under event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

// ParseEnvelope decodes the outer frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		return Envelope{}, invalid("missing event")
	}
	return env, nil
}

// Decode unmarshals and validates a payload.
func Decode[T Validator](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, invalid("empty data")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}
