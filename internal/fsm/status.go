package fsm

import (
	"fmt"
)

// Status is the suspension point of a machine between events
type Status int

const (
	// WaitForMe is a transient marker for local work; never persisted
	WaitForMe Status = iota
	// WaitForUserInput stops the turn until the next inbound message
	WaitForUserInput
	// MoveForward continues the graph without new external input
	MoveForward
	// WaitForCallback stops the turn until a retrieval callback arrives
	WaitForCallback
	// WaitForPlugin stops the turn until a plugin callback arrives
	WaitForPlugin
	// End marks a completed conversation
	End
)

var statusNames = map[Status]string{
	WaitForMe:        "WAIT_FOR_ME",
	WaitForUserInput: "WAIT_FOR_USER_INPUT",
	MoveForward:      "MOVE_FORWARD",
	WaitForCallback:  "WAIT_FOR_CALLBACK",
	WaitForPlugin:    "WAIT_FOR_PLUGIN",
	End:              "END",
}

// String returns the wire name of the status
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus converts a wire name back into a Status. The empty string maps
// to WaitForUserInput, the state of a session that has never run.
func ParseStatus(name string) (Status, error) {
	if name == "" {
		return WaitForUserInput, nil
	}
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown fsm status %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown fsm status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Awaiting reports whether the status waits on an external callback
func (s Status) Awaiting() bool {
	return s == WaitForCallback || s == WaitForPlugin
}

// EndsTurn reports whether the engine stops invoking the machine at this status
func (s Status) EndsTurn() bool {
	switch s {
	case WaitForUserInput, WaitForCallback, WaitForPlugin, End:
		return true
	}
	return false
}
