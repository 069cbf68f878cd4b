// Package checkpoint persists versioned, TTL-bounded conversation state.
// Writes are serialized per conversation through optimistic revisions: a save
// whose base revision has been overtaken fails with ErrConflict and the
// caller retries the whole load-mutate-save cycle.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/skamalj/router-agent/internal/db"
	"github.com/skamalj/router-agent/internal/message"
)

var (
	// ErrConflict means the stored revision advanced since the caller's load.
	ErrConflict = errors.New("checkpoint revision conflict")
	// ErrCapacityExceeded means the throughput budget could not be acquired
	// within the configured wait ceiling.
	ErrCapacityExceeded = errors.New("checkpoint capacity exceeded")
)

// Store is the checkpoint store backed by the conversation_checkpoints table.
type Store struct {
	pool    *pgxpool.Pool
	reads   *rate.Limiter
	writes  *rate.Limiter
	ceiling time.Duration
	logger  *slog.Logger
}

// NewStore creates a checkpoint store with the given throughput budget.
// Zero or negative budget values disable the corresponding limiter.
func NewStore(log *slog.Logger, pool *pgxpool.Pool, budget Budget) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:    pool,
		reads:   newLimiter(budget.ReadPerSecond),
		writes:  newLimiter(budget.WritePerSecond),
		ceiling: budget.WaitCeiling,
		logger:  log.With(slog.String("service", "checkpoint")),
	}
}

func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// Load returns the checkpoint for profileID. A missing or expired checkpoint
// yields a fresh empty state, not an error: a new conversation is the normal
// path. An expired row keeps its committed revision so the next save remains
// monotonic.
func (s *Store) Load(ctx context.Context, profileID string) (State, error) {
	if s.pool == nil {
		return State{}, fmt.Errorf("checkpoint pool not configured")
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return State{}, fmt.Errorf("profile id is required")
	}
	if err := s.acquire(ctx, s.reads); err != nil {
		return State{}, err
	}

	var (
		payload   []byte
		revision  int64
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT messages, revision, expires_at
		 FROM conversation_checkpoints WHERE profile_id = $1`,
		profileID,
	).Scan(&payload, &revision, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{ProfileID: profileID}, nil
		}
		return State{}, fmt.Errorf("load checkpoint %q: %w", profileID, err)
	}

	if !expiresAt.After(time.Now()) {
		// Lazy TTL reclamation: an elapsed expiry reads as a new
		// conversation, but the revision chain continues.
		return State{ProfileID: profileID, Revision: revision}, nil
	}

	var messages []message.Message
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &messages); err != nil {
			return State{}, fmt.Errorf("decode checkpoint %q: %w", profileID, err)
		}
	}
	return State{
		ProfileID: profileID,
		Messages:  messages,
		Revision:  revision,
		ExpiresAt: expiresAt,
	}, nil
}

// Save commits state for profileID with a refreshed absolute expiry and
// returns the committed revision. The save is rejected with ErrConflict when
// the stored revision no longer matches state.Revision, forcing the caller to
// retry its whole load-mutate-save cycle.
func (s *Store) Save(ctx context.Context, profileID string, state State, ttl time.Duration) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("checkpoint pool not configured")
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return 0, fmt.Errorf("profile id is required")
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("checkpoint ttl must be positive")
	}
	if err := s.acquire(ctx, s.writes); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(state.Messages)
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint %q: %w", profileID, err)
	}
	expiresAt := time.Now().Add(ttl)

	if state.Revision == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO conversation_checkpoints (profile_id, messages, revision, expires_at)
			 VALUES ($1, $2, 1, $3)`,
			profileID, payload, expiresAt,
		)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return 0, fmt.Errorf("save checkpoint %q: %w", profileID, ErrConflict)
			}
			return 0, fmt.Errorf("save checkpoint %q: %w", profileID, err)
		}
		return 1, nil
	}

	var committed int64
	err = s.pool.QueryRow(ctx,
		`UPDATE conversation_checkpoints
		 SET messages = $2, revision = revision + 1, expires_at = $3
		 WHERE profile_id = $1 AND revision = $4
		 RETURNING revision`,
		profileID, payload, expiresAt, state.Revision,
	).Scan(&committed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("save checkpoint %q base %d: %w", profileID, state.Revision, ErrConflict)
		}
		return 0, fmt.Errorf("save checkpoint %q: %w", profileID, err)
	}
	return committed, nil
}

// SweepExpired deletes checkpoints whose expiry has elapsed and returns the
// number of rows reclaimed. Load treats expired rows as empty regardless;
// sweeping is housekeeping, not correctness.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("checkpoint pool not configured")
	}
	if err := s.acquire(ctx, s.writes); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_checkpoints WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

// acquire blocks on the limiter until a slot frees up or the wait ceiling is
// reached. Contention surfaces as latency, not failure, below the ceiling.
func (s *Store) acquire(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	waitCtx := ctx
	if s.ceiling > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.ceiling)
		defer cancel()
	}
	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
	}
	return nil
}
