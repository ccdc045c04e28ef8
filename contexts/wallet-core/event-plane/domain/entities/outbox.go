package entities

import "time"

// OutboxRecord is a pending (or already delivered) event row. Rows are written
// inside the owning domain transaction and only ever mutated by the dispatcher
// flipping Sent after broker acknowledgement. Rows are never deleted here;
// retention is an operational concern.
type OutboxRecord struct {
	ID            int64
	EventType     string
	Payload       []byte
	CorrelationID string
	CreatedAt     time.Time
	Sent          bool
}
