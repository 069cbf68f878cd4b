// Package pipeline orchestrates one routing run per inbound message: resolve
// identity, load checkpoint, augment and prune history, invoke the reasoning
// step, dispatch the decision, and persist the updated state. Units of work
// are independent; a failure never aborts sibling items in the same batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skamalj/router-agent/internal/checkpoint"
	"github.com/skamalj/router-agent/internal/dispatch"
	"github.com/skamalj/router-agent/internal/history"
	"github.com/skamalj/router-agent/internal/identity"
	"github.com/skamalj/router-agent/internal/message"
	"github.com/skamalj/router-agent/internal/reasoning"
)

// Options are the immutable pipeline settings, constructed once at startup.
type Options struct {
	SystemPrompt     string
	MinKeep          int
	PruneTrigger     int
	CheckpointTTL    time.Duration
	DefaultAgent     string
	ConflictRetries  int
	TransientRetries int
	RetryBackoff     time.Duration
}

// Runner executes the routing pipeline.
type Runner struct {
	identity   IdentityResolver
	store      CheckpointStore
	invoker    reasoning.Invoker
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
}

// NewRunner creates a pipeline runner.
func NewRunner(log *slog.Logger, opts Options, resolver IdentityResolver, store CheckpointStore, invoker reasoning.Invoker, dispatcher Dispatcher) (*Runner, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := history.ValidateBounds(opts.MinKeep, opts.PruneTrigger); err != nil {
		return nil, err
	}
	if opts.CheckpointTTL <= 0 {
		return nil, fmt.Errorf("pipeline: checkpoint ttl must be positive")
	}
	if strings.TrimSpace(opts.DefaultAgent) == "" {
		return nil, fmt.Errorf("pipeline: default agent is required")
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	if opts.TransientRetries <= 0 {
		opts.TransientRetries = 2
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	return &Runner{
		identity:   resolver,
		store:      store,
		invoker:    invoker,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     log.With(slog.String("service", "pipeline")),
	}, nil
}

// ProcessBatch runs every item as an independent unit of work. Units execute
// concurrently; ordering across distinct conversation identities is not
// guaranteed, and per-identity write safety is the checkpoint store's
// optimistic-revision discipline.
func (r *Runner) ProcessBatch(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Process(ctx, items[i])
		}(i)
	}
	wg.Wait()

	for i := range results {
		res := results[i]
		switch {
		case res.Skipped:
			r.logger.Info("item skipped",
				slog.String("from", res.Item.From),
				slog.String("reason", res.SkipReason),
			)
		case res.Err != nil:
			r.logger.Error("item failed",
				slog.String("from", res.Item.From),
				slog.String("stage", string(res.Stage)),
				slog.Any("error", res.Err),
			)
		}
	}
	return results
}

// Process runs the full pipeline for one item. On a checkpoint revision
// conflict the whole load-mutate-save cycle is retried a bounded number of
// times; the workflow engine deduplicates re-dispatched executions by input.
func (r *Runner) Process(ctx context.Context, item Item) Result {
	result := Result{Item: item, Stage: StageReceived}

	if missing := item.Validate(); len(missing) > 0 {
		result.Skipped = true
		result.SkipReason = "missing fields: " + strings.Join(missing, ", ")
		return result
	}

	profileID, err := r.resolveProfile(ctx, item.From)
	if err != nil {
		if errors.Is(err, identity.ErrProfileNotFound) {
			// An unregistered user is an expected condition.
			result.Skipped = true
			result.SkipReason = "no profile bound to channel user id"
			return result
		}
		result.Err = err
		return result
	}
	result.Stage = StageIdentified

	bindings, err := r.identity.Bindings(ctx, profileID)
	if err != nil {
		result.Err = err
		return result
	}

	for attempt := 0; ; attempt++ {
		res := r.runCycle(ctx, item, profileID, bindings)
		if errors.Is(res.Err, checkpoint.ErrConflict) && attempt < r.opts.ConflictRetries-1 {
			r.logger.Warn("checkpoint conflict, retrying cycle",
				slog.String("profile_id", profileID),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		return res
	}
}

// runCycle is one complete load-mutate-save cycle for an identified item.
func (r *Runner) runCycle(ctx context.Context, item Item, profileID string, bindings []identity.Binding) Result {
	result := Result{Item: item, Stage: StageIdentified}

	state, err := r.load(ctx, profileID)
	if err != nil {
		result.Err = fmt.Errorf("load state: %w", err)
		return result
	}
	result.Stage = StageStateLoaded

	systemPrompt := r.promptWithBindings(bindings)
	augmented := r.augment(state.Messages, systemPrompt, item.Messages)
	result.Stage = StageAugmented

	reply, err := r.invoke(ctx, systemPrompt, augmented)
	if err != nil {
		result.Err = err
		return result
	}
	result.Stage = StageInvoked

	nextAgent := r.opts.DefaultAgent
	if decision, ok := reasoning.ParseDecision(reply.Content); ok {
		nextAgent = decision.AgentName
	} else {
		r.logger.Warn("unparseable routing decision, using default agent",
			slog.String("profile_id", profileID),
			slog.String("default_agent", nextAgent),
		)
	}
	result.Stage = StageDecided

	handle, err := r.dispatch(ctx, dispatch.Decision{
		NextAgent:     nextAgent,
		Message:       item.Messages,
		ProfileID:     profileID,
		ChannelType:   item.ChannelType,
		ChannelUserID: item.From,
	})
	if err != nil {
		result.Err = err
		return result
	}
	result.Stage = StageDispatched
	result.Execution = handle

	state.Messages = message.Renumber(history.Prune(
		append(augmented, message.Agent(reply.Content)),
		r.opts.MinKeep, r.opts.PruneTrigger,
	))
	revision, err := r.save(ctx, profileID, state)
	if err != nil {
		result.Err = fmt.Errorf("save state: %w", err)
		return result
	}
	result.Stage = StageCheckpointed
	result.Revision = revision
	return result
}

// augment replaces or prepends the system message, appends the inbound human
// message, and prunes so the reasoning step never sees more than the trigger
// count of messages.
func (r *Runner) augment(existing []message.Message, systemPrompt, inbound string) []message.Message {
	augmented := make([]message.Message, 0, len(existing)+2)
	if len(existing) > 0 && existing[0].IsSystem() {
		augmented = append(augmented, message.System(systemPrompt))
		augmented = append(augmented, existing[1:]...)
	} else {
		augmented = append(augmented, message.System(systemPrompt))
		augmented = append(augmented, existing...)
	}
	augmented = append(augmented, message.Human(inbound))
	return message.Renumber(history.Prune(augmented, r.opts.MinKeep, r.opts.PruneTrigger))
}

// promptWithBindings appends the user's known channel identities to the
// routing prompt so the model can reason about cross-channel context.
func (r *Runner) promptWithBindings(bindings []identity.Binding) string {
	if len(bindings) == 0 {
		return r.opts.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(r.opts.SystemPrompt)
	b.WriteString("\n\nKnown channel identities for this user:")
	for _, binding := range bindings {
		b.WriteString(fmt.Sprintf("\n- user id: %s, channel: %s", binding.ChannelUserID, binding.ChannelType))
	}
	return b.String()
}

func (r *Runner) resolveProfile(ctx context.Context, channelUserID string) (string, error) {
	var profileID string
	err := r.retryTransient(ctx, func() error {
		var err error
		profileID, err = r.identity.Resolve(ctx, channelUserID)
		return err
	}, func(err error) bool {
		return errors.Is(err, identity.ErrUnavailable)
	})
	if err != nil {
		return "", err
	}
	return profileID, nil
}

func (r *Runner) invoke(ctx context.Context, systemPrompt string, augmented []message.Message) (reasoning.Reply, error) {
	reply, err := r.invoker.Invoke(ctx, systemPrompt, augmented)
	if err != nil {
		if ctx.Err() != nil {
			// Batch deadline reached mid-invocation: abandon the unit,
			// commit nothing.
			return reasoning.Reply{}, fmt.Errorf("invocation abandoned: %w", ctx.Err())
		}
		return reasoning.Reply{}, err
	}
	return reply, nil
}

func (r *Runner) dispatch(ctx context.Context, decision dispatch.Decision) (dispatch.ExecutionHandle, error) {
	var handle dispatch.ExecutionHandle
	err := r.retryTransient(ctx, func() error {
		var err error
		handle, err = r.dispatcher.Dispatch(ctx, decision)
		return err
	}, func(err error) bool {
		return errors.Is(err, dispatch.ErrDispatch)
	})
	return handle, err
}

func (r *Runner) load(ctx context.Context, profileID string) (checkpoint.State, error) {
	var state checkpoint.State
	err := r.retryTransient(ctx, func() error {
		var err error
		state, err = r.store.Load(ctx, profileID)
		return err
	}, func(err error) bool {
		return !errors.Is(err, checkpoint.ErrCapacityExceeded)
	})
	return state, err
}

func (r *Runner) save(ctx context.Context, profileID string, state checkpoint.State) (int64, error) {
	var revision int64
	err := r.retryTransient(ctx, func() error {
		var err error
		revision, err = r.store.Save(ctx, profileID, state, r.opts.CheckpointTTL)
		return err
	}, func(err error) bool {
		// Conflicts restart the whole cycle; capacity errors are not
		// retried blindly against an exhausted budget.
		return !errors.Is(err, checkpoint.ErrConflict) && !errors.Is(err, checkpoint.ErrCapacityExceeded)
	})
	return revision, err
}

// retryTransient retries fn with doubling backoff while isTransient accepts
// the error, bounded by the configured attempt budget.
func (r *Runner) retryTransient(ctx context.Context, fn func() error, isTransient func(error) bool) error {
	backoff := r.opts.RetryBackoff
	var err error
	for attempt := 0; attempt <= r.opts.TransientRetries; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		if attempt == r.opts.TransientRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
