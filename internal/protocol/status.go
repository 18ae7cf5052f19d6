package protocol

import (
	"encoding/json"
	"fmt"
)

// Status identifies the role of a frame in the connection state machine.
type Status int

const (
	StatusNormal Status = iota
	StatusAuthRequired
	StatusAuthRequested
	StatusAuthSuccess
	StatusAuthFailure
	StatusRemoved
	StatusDisconnecting
)

var statusNames = map[Status]string{
	StatusNormal:        "Normal",
	StatusAuthRequired:  "AuthRequired",
	StatusAuthRequested: "AuthRequested",
	StatusAuthSuccess:   "AuthSuccess",
	StatusAuthFailure:   "AuthFailure",
	StatusRemoved:       "Removed",
	StatusDisconnecting: "Disconnecting",
}

var statusValues = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for v, n := range statusNames {
		m[n] = v
	}
	return m
}()

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalJSON writes the status as its wire name, e.g. "AuthRequested".
func (s Status) MarshalJSON() ([]byte, error) {
	n, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return json.Marshal(n)
}

// UnmarshalJSON parses a wire name back into a Status. Unknown names are
// rejected so a corrupt header fails at parse time rather than being
// dispatched as Normal.
func (s *Status) UnmarshalJSON(b []byte) error {
	var n string
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, ok := statusValues[n]
	if !ok {
		return fmt.Errorf("unknown status %q", n)
	}
	*s = v
	return nil
}
