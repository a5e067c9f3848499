package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Position is an opaque, platform-tagged resumption token. Only the adapter
// that produced a payload may interpret it; everything else compares and
// forwards positions unchanged.
type Position struct {
	Platform Platform
	Payload  string
}

// NewPosition tags a payload with its platform.
func NewPosition(platform Platform, payload string) Position {
	return Position{Platform: platform, Payload: payload}
}

// IsZero reports whether the position is the empty "start from newest" marker.
func (p Position) IsZero() bool {
	return p.Payload == ""
}

// Equal compares two positions by tag and payload.
func (p Position) Equal(other Position) bool {
	return p.Platform == other.Platform && p.Payload == other.Payload
}

// String renders "platform|payload", or "" for the zero position.
func (p Position) String() string {
	if p.IsZero() {
		return ""
	}
	return string(p.Platform) + "|" + p.Payload
}

// ParsePosition reverses String.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return Position{}, nil
	}
	tag, payload, ok := strings.Cut(s, "|")
	if !ok {
		return Position{}, fmt.Errorf("malformed position %q", s)
	}
	platform, err := ParsePlatform(tag)
	if err != nil {
		return Position{}, fmt.Errorf("position tag: %w", err)
	}
	return Position{Platform: platform, Payload: payload}, nil
}

// MarshalJSON stores the position as its string form.
func (p Position) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(p.String())
	if err != nil {
		return nil, fmt.Errorf("marshal position: %w", err)
	}
	return data, nil
}

// UnmarshalJSON accepts the string form written by MarshalJSON.
func (p *Position) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal position: %w", err)
	}
	parsed, err := ParsePosition(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
