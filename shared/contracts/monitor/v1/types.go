// Package v1 defines the Beacon expiry-push wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the session core and any tooling that speaks the
// push protocol, to keep the wire format authoritative.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Frame is the canonical push frame emitted by the remote authority.
//
// All fields are optional on the wire. A frame that carries
// time_remaining_seconds is an expiry warning; call_refresh asks the
// client to refresh proactively rather than waiting for its own timer.
type Frame struct {
	TimeRemainingSeconds *float64 `json:"time_remaining_seconds,omitempty"`
	CallRefresh          bool     `json:"call_refresh,omitempty"`
	Message              string   `json:"message,omitempty"`
}

// ErrNotObject is returned when a frame is valid JSON but not an object.
var ErrNotObject = errors.New("frame is not a JSON object")

// DecodeFrame parses a text frame.
//
// Unknown fields are tolerated (the authority may extend the protocol),
// but the top level must be a JSON object.
func DecodeFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, ErrNotObject
	}

	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// HasRemaining reports whether the frame carries an expiry countdown.
func (f Frame) HasRemaining() bool { return f.TimeRemainingSeconds != nil }

// Remaining returns the countdown value, or 0 when absent.
func (f Frame) Remaining() float64 {
	if f.TimeRemainingSeconds == nil {
		return 0
	}
	return *f.TimeRemainingSeconds
}
