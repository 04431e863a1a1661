package queue

import (
	"github.com/bytedance/sonic"
)

// Token is the wire body carried through the queue. The jobUUID doubles as
// the deduplication key: sorted sets keyed by it hold at most one live entry
// per job.
type Token struct {
	JobID    string `json:"job_id"`
	JobUUID  string `json:"job_uuid"`
	Attempts int    `json:"attempts,omitempty"` // delivery attempts consumed
}

func (t Token) encode() (string, error) {
	b, err := sonic.Marshal(t)
	return string(b), err
}

func decodeToken(s string) (Token, error) {
	var t Token
	err := sonic.UnmarshalString(s, &t)
	return t, err
}

// registration is a repeating schedule held in the recurring hash.
type registration struct {
	JobID  string `json:"job_id"`
	Cron   string `json:"cron"`
	EndMS  int64  `json:"end_ms,omitempty"` // inclusive bound, 0 = none
	NextMS int64  `json:"next_ms"`          // next planned fire
}

func (r registration) encode() (string, error) {
	b, err := sonic.Marshal(r)
	return string(b), err
}

func decodeRegistration(s string) (registration, error) {
	var r registration
	err := sonic.UnmarshalString(s, &r)
	return r, err
}

// Delivery is a claimed token plus its lock handle.
type Delivery struct {
	Token
	lockValue string
}

// EventKind classifies advisory lifecycle notifications.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
)

// Event is an advisory queue lifecycle notification. Callbacks must not
// block.
type Event struct {
	Kind    EventKind
	JobUUID string
	Err     error
}
