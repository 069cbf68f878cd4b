package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/skamalj/router-agent/internal/checkpoint"
	"github.com/skamalj/router-agent/internal/dispatch"
	"github.com/skamalj/router-agent/internal/identity"
)

// Item is one inbound batch item as delivered by a channel adapter.
type Item struct {
	ChannelType string `json:"channel_type"`
	From        string `json:"from"`
	Messages    string `json:"messages"`
}

// Validate reports the missing fields of an item, if any. An invalid item is
// skipped, logged, never fatal to its siblings.
func (i Item) Validate() []string {
	var missing []string
	if strings.TrimSpace(i.ChannelType) == "" {
		missing = append(missing, "channel_type")
	}
	if strings.TrimSpace(i.From) == "" {
		missing = append(missing, "from")
	}
	if strings.TrimSpace(i.Messages) == "" {
		missing = append(missing, "messages")
	}
	return missing
}

// Stage identifies how far a unit of work progressed.
type Stage string

const (
	StageReceived     Stage = "received"
	StageIdentified   Stage = "identified"
	StageStateLoaded  Stage = "state_loaded"
	StageAugmented    Stage = "augmented"
	StageInvoked      Stage = "invoked"
	StageDecided      Stage = "decided"
	StageDispatched   Stage = "dispatched"
	StageCheckpointed Stage = "checkpointed"
)

// Result reports the outcome of one unit of work. A skipped unit (malformed
// item, unregistered user) is complete, not failed.
type Result struct {
	Item       Item
	Stage      Stage
	Err        error
	Skipped    bool
	SkipReason string
	Execution  dispatch.ExecutionHandle
	Revision   int64
}

// Completed reports whether the unit finished without failure.
func (r Result) Completed() bool {
	return r.Err == nil
}

// IdentityResolver is the resolver capability the pipeline consumes.
type IdentityResolver interface {
	Resolve(ctx context.Context, channelUserID string) (string, error)
	Bindings(ctx context.Context, profileID string) ([]identity.Binding, error)
}

// CheckpointStore is the checkpoint capability the pipeline consumes.
type CheckpointStore interface {
	Load(ctx context.Context, profileID string) (checkpoint.State, error)
	Save(ctx context.Context, profileID string, state checkpoint.State, ttl time.Duration) (int64, error)
}

// Dispatcher is the workflow trigger capability the pipeline consumes.
type Dispatcher interface {
	Dispatch(ctx context.Context, decision dispatch.Decision) (dispatch.ExecutionHandle, error)
}
