package conductor

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixNano returns the current time as Unix nanoseconds. Instance and
// history timestamps use nanosecond precision so that updated_at strictly
// increases across back-to-back commits.
func NowUnixNano() int64 {
	return time.Now().UnixNano()
}
