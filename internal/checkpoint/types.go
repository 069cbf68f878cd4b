package checkpoint

import (
	"time"

	"github.com/skamalj/router-agent/internal/message"
)

// State is a durable snapshot of one conversation: its message history, the
// committed revision, and the absolute expiry. Mutated only through
// load-mutate-save cycles against the Store.
type State struct {
	ProfileID string            `json:"profile_id"`
	Messages  []message.Message `json:"messages"`
	Revision  int64             `json:"revision"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Empty reports whether the state carries no history yet.
func (s State) Empty() bool {
	return len(s.Messages) == 0
}

// Budget caps the store's read and write throughput shared across all keys.
// Contention blocks (queues) up to WaitCeiling, past which operations fail
// with ErrCapacityExceeded.
type Budget struct {
	ReadPerSecond  int
	WritePerSecond int
	WaitCeiling    time.Duration
}
