package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is ISO-8601 with microseconds and a numeric offset, the
// format licensed clients parse.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// Timestamp is a UTC instant rendered as e.g.
// "2025-01-01T10:00:00.123456+00:00".
type Timestamp time.Time

// NewTimestamp converts t to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC())
}

// Time returns the underlying instant.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// tolerate RFC 3339 from other producers
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
	}
	*t = Timestamp(parsed.UTC())
	return nil
}
