package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skamalj/router-agent/internal/checkpoint"
	"github.com/skamalj/router-agent/internal/dispatch"
	"github.com/skamalj/router-agent/internal/identity"
	"github.com/skamalj/router-agent/internal/message"
	"github.com/skamalj/router-agent/internal/reasoning"
)

type fakeResolver struct {
	profiles    map[string]string
	bindings    map[string][]identity.Binding
	outages     int
	resolveHits int
}

func (f *fakeResolver) Resolve(ctx context.Context, channelUserID string) (string, error) {
	f.resolveHits++
	if f.outages > 0 {
		f.outages--
		return "", fmt.Errorf("%w: dial refused", identity.ErrUnavailable)
	}
	profileID, ok := f.profiles[channelUserID]
	if !ok {
		return "", identity.ErrProfileNotFound
	}
	return profileID, nil
}

func (f *fakeResolver) Bindings(ctx context.Context, profileID string) ([]identity.Binding, error) {
	return f.bindings[profileID], nil
}

type fakeStore struct {
	mu        sync.Mutex
	states    map[string]checkpoint.State
	conflicts int
	saves     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]checkpoint.State{}}
}

func (f *fakeStore) Load(ctx context.Context, profileID string) (checkpoint.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[profileID]
	if !ok {
		return checkpoint.State{ProfileID: profileID}, nil
	}
	return state, nil
}

func (f *fakeStore) Save(ctx context.Context, profileID string, state checkpoint.State, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return 0, fmt.Errorf("save checkpoint %q: %w", profileID, checkpoint.ErrConflict)
	}
	current := f.states[profileID].Revision
	if state.Revision != current {
		return 0, fmt.Errorf("save checkpoint %q base %d: %w", profileID, state.Revision, checkpoint.ErrConflict)
	}
	state.Revision = current + 1
	state.ExpiresAt = time.Now().Add(ttl)
	f.states[profileID] = state
	f.saves++
	return state.Revision, nil
}

type fakeInvoker struct {
	reply     string
	err       error
	calls     int
	lastInput []message.Message
	prompt    string
	block     bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, systemPrompt string, history []message.Message) (reasoning.Reply, error) {
	f.calls++
	f.prompt = systemPrompt
	f.lastInput = append([]message.Message(nil), history...)
	if f.block {
		<-ctx.Done()
		return reasoning.Reply{}, fmt.Errorf("%w: %v", reasoning.ErrInvocation, ctx.Err())
	}
	if f.err != nil {
		return reasoning.Reply{}, f.err
	}
	return reasoning.Reply{Content: f.reply}, nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	decisions []dispatch.Decision
	failures  int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, decision dispatch.Decision) (dispatch.ExecutionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return dispatch.ExecutionHandle{}, fmt.Errorf("%w: status 503", dispatch.ErrDispatch)
	}
	f.decisions = append(f.decisions, decision)
	return dispatch.ExecutionHandle{ExecutionID: fmt.Sprintf("exec-%d", len(f.decisions))}, nil
}

func testOptions() Options {
	return Options{
		SystemPrompt:  "decide the next agent",
		MinKeep:       20,
		PruneTrigger:  30,
		CheckpointTTL: time.Hour,
		DefaultAgent:  "default-agent",
		RetryBackoff:  time.Millisecond,
	}
}

func newTestRunner(t *testing.T, resolver *fakeResolver, store *fakeStore, invoker *fakeInvoker, dispatcher *fakeDispatcher) *Runner {
	t.Helper()
	runner, err := NewRunner(nil, testOptions(), resolver, store, invoker, dispatcher)
	require.NoError(t, err)
	return runner
}

func boundResolver() *fakeResolver {
	return &fakeResolver{
		profiles: map[string]string{"u1": "p1"},
		bindings: map[string][]identity.Binding{
			"p1": {
				{ProfileID: "p1", ChannelUserID: "u1", ChannelType: "whatsapp"},
				{ProfileID: "p1", ChannelUserID: "u2", ChannelType: "email"},
			},
		},
	}
}

func TestProcessFirstContact(t *testing.T) {
	t.Parallel()

	resolver := boundResolver()
	store := newFakeStore()
	invoker := &fakeInvoker{reply: `{"agent_name": "support-agent"}`}
	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, resolver, store, invoker, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hello",
	})

	require.NoError(t, result.Err)
	require.False(t, result.Skipped)
	require.Equal(t, StageCheckpointed, result.Stage)
	require.Equal(t, int64(1), result.Revision)

	// The reasoning step saw [system, human] and the profile's other binding
	// in its prompt context.
	require.Len(t, invoker.lastInput, 2)
	require.True(t, invoker.lastInput[0].IsSystem())
	require.Equal(t, message.RoleHuman, invoker.lastInput[1].Role)
	require.Equal(t, "hello", invoker.lastInput[1].Content)
	require.Contains(t, invoker.prompt, "u2")
	require.Contains(t, invoker.prompt, "email")

	require.Len(t, dispatcher.decisions, 1)
	decision := dispatcher.decisions[0]
	require.Equal(t, "support-agent", decision.NextAgent)
	require.Equal(t, "p1", decision.ProfileID)
	require.Equal(t, "u1", decision.ChannelUserID)
	require.Equal(t, "whatsapp", decision.ChannelType)
	require.Equal(t, "hello", decision.Message)

	saved := store.states["p1"]
	require.Equal(t, int64(1), saved.Revision)
	require.Len(t, saved.Messages, 3)
	require.True(t, saved.Messages[0].IsSystem())
	require.Equal(t, "hello", saved.Messages[1].Content)
	require.Equal(t, message.RoleAgent, saved.Messages[2].Role)
}

func TestProcessSkipsMalformedItem(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, boundResolver(), store, &fakeInvoker{reply: "{}"}, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
	})

	require.True(t, result.Skipped)
	require.NoError(t, result.Err)
	require.Contains(t, result.SkipReason, "messages")
	require.Empty(t, dispatcher.decisions)
	require.Zero(t, store.saves)
}

func TestProcessSkipsUnregisteredUser(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, boundResolver(), store, &fakeInvoker{reply: "{}"}, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "stranger",
		Messages:    "hi",
	})

	require.True(t, result.Skipped)
	require.NoError(t, result.Err)
	require.Empty(t, dispatcher.decisions)
	require.Zero(t, store.saves)
}

func TestProcessUnparseableDecisionFallsBack(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, boundResolver(), newFakeStore(), &fakeInvoker{reply: "certainly! route to billing"}, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hi",
	})

	require.NoError(t, result.Err)
	require.Equal(t, StageCheckpointed, result.Stage)
	require.Len(t, dispatcher.decisions, 1)
	require.Equal(t, "default-agent", dispatcher.decisions[0].NextAgent)
}

func TestProcessInvocationErrorFailsUnit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	invoker := &fakeInvoker{err: fmt.Errorf("%w: provider exploded", reasoning.ErrInvocation)}
	runner := newTestRunner(t, boundResolver(), store, invoker, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hi",
	})

	require.Error(t, result.Err)
	require.Equal(t, StageAugmented, result.Stage)
	require.Empty(t, dispatcher.decisions)
	require.Zero(t, store.saves)
}

func TestProcessResolverOutageRetriesThenFails(t *testing.T) {
	t.Parallel()

	resolver := boundResolver()
	resolver.outages = 10
	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, resolver, newFakeStore(), &fakeInvoker{reply: "{}"}, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hi",
	})

	require.ErrorIs(t, result.Err, identity.ErrUnavailable)
	require.Greater(t, resolver.resolveHits, 1)
	require.Empty(t, dispatcher.decisions)
}

func TestProcessResolverOutageRecovers(t *testing.T) {
	t.Parallel()

	resolver := boundResolver()
	resolver.outages = 1
	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, resolver, newFakeStore(), &fakeInvoker{reply: `{"agent_name":"a"}`}, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hi",
	})

	require.NoError(t, result.Err)
	require.Len(t, dispatcher.decisions, 1)
}

func TestProcessDispatchFailureLeavesCheckpointUntouched(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher := &fakeDispatcher{failures: 10}
	runner := newTestRunner(t, boundResolver(), store, &fakeInvoker{reply: `{"agent_name":"a"}`}, dispatcher)

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hi",
	})

	require.ErrorIs(t, result.Err, dispatch.ErrDispatch)
	require.Equal(t, StageDecided, result.Stage)
	require.Zero(t, store.saves)
	require.Empty(t, store.states["p1"].Messages)
}

func TestProcessConflictRetriesWholeCycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.conflicts = 1
	invoker := &fakeInvoker{reply: `{"agent_name":"a"}`}
	runner := newTestRunner(t, boundResolver(), store, invoker, &fakeDispatcher{})

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hi",
	})

	require.NoError(t, result.Err)
	require.Equal(t, StageCheckpointed, result.Stage)
	require.Equal(t, 2, invoker.calls, "the whole load-mutate-save cycle is retried")
	require.Equal(t, 1, store.saves)
}

func TestProcessConflictBudgetExhausted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.conflicts = 100
	runner := newTestRunner(t, boundResolver(), store, &fakeInvoker{reply: `{"agent_name":"a"}`}, &fakeDispatcher{})

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "hi",
	})

	require.ErrorIs(t, result.Err, checkpoint.ErrConflict)
	require.Zero(t, store.saves)
}

func TestProcessBoundsPersistedHistory(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	existing := []message.Message{message.System("old prompt")}
	for i := 0; i < 29; i++ {
		existing = append(existing, message.Message{
			Role:    message.RoleHuman,
			Content: fmt.Sprintf("old-%d", i),
			Seq:     i + 1,
		})
	}
	store.states["p1"] = checkpoint.State{
		ProfileID: "p1",
		Messages:  existing,
		Revision:  4,
		ExpiresAt: time.Now().Add(time.Hour),
	}

	invoker := &fakeInvoker{reply: `{"agent_name":"a"}`}
	runner := newTestRunner(t, boundResolver(), store, invoker, &fakeDispatcher{})

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "newest",
	})

	require.NoError(t, result.Err)
	require.Equal(t, int64(5), result.Revision)

	// 30 existing plus the inbound message crossed the trigger: the
	// reasoning step saw at most the trigger count.
	require.LessOrEqual(t, len(invoker.lastInput), 30)
	require.Equal(t, "newest", invoker.lastInput[len(invoker.lastInput)-1].Content)

	saved := store.states["p1"]
	require.LessOrEqual(t, len(saved.Messages), 30)
	require.Equal(t, message.RoleAgent, saved.Messages[len(saved.Messages)-1].Role)
	for i, m := range saved.Messages {
		require.Equal(t, i, m.Seq)
	}
}

func TestProcessReplacesStoredSystemMessage(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.states["p1"] = checkpoint.State{
		ProfileID: "p1",
		Messages: []message.Message{
			message.System("stale template"),
			message.Human("earlier"),
		},
		Revision:  1,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	invoker := &fakeInvoker{reply: `{"agent_name":"a"}`}
	runner := newTestRunner(t, boundResolver(), store, invoker, &fakeDispatcher{})

	result := runner.Process(context.Background(), Item{
		ChannelType: "whatsapp",
		From:        "u1",
		Messages:    "now",
	})

	require.NoError(t, result.Err)
	require.True(t, invoker.lastInput[0].IsSystem())
	require.NotEqual(t, "stale template", invoker.lastInput[0].Content)
	require.True(t, strings.HasPrefix(invoker.lastInput[0].Content, "decide the next agent"))
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, boundResolver(), newFakeStore(), &fakeInvoker{reply: `{"agent_name":"a"}`}, dispatcher)

	results := runner.ProcessBatch(context.Background(), []Item{
		{ChannelType: "whatsapp", From: "u1", Messages: "hello"},
		{ChannelType: "email"}, // missing from and messages
		{ChannelType: "whatsapp", From: "nobody", Messages: "hi"},
	})

	require.Len(t, results, 3)
	require.True(t, results[0].Completed())
	require.False(t, results[0].Skipped)
	require.True(t, results[1].Skipped)
	require.True(t, results[2].Skipped)
	require.Len(t, dispatcher.decisions, 1)
}

func TestProcessBatchDeadlineAbandonsInvocation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(t, boundResolver(), store, &fakeInvoker{block: true}, dispatcher)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	results := runner.ProcessBatch(ctx, []Item{
		{ChannelType: "whatsapp", From: "u1", Messages: "hello"},
	})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	require.Empty(t, dispatcher.decisions)
	require.Zero(t, store.saves, "partial results are never persisted")
}

func TestNewRunnerRejectsBadBounds(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.MinKeep = 31
	opts.PruneTrigger = 30
	_, err := NewRunner(nil, opts, boundResolver(), newFakeStore(), &fakeInvoker{}, &fakeDispatcher{})
	require.Error(t, err)
}
