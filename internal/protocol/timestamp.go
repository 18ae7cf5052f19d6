package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the wire layout for Expiration and SenderTimestamp:
// ISO-8601 style with a UTC offset, exactly 32 characters.
const TimeLayout = "2006-01-02 15:04:05.000000-07:00"

// Timestamp wraps time.Time with the wire layout. The zero value marshals
// as JSON null; headers use *Timestamp so absent fields stay absent.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns a Timestamp normalised to UTC.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(TimeLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Millisecond-resolution senders emit a shorter fraction; accept it.
		parsed, err = time.Parse("2006-01-02 15:04:05.000-07:00", s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}
