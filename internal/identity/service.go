// Package identity maps channel-scoped user identifiers to canonical profile
// identities and back to all bound channel identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrProfileNotFound means no profile is bound to the queried channel
	// user id. An unregistered user is an expected condition, not a fault.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrUnavailable means the identity store could not be reached. Callers
	// must not conflate it with ErrProfileNotFound.
	ErrUnavailable = errors.New("identity store unavailable")
)

// Service resolves channel user ids against the channel_bindings table.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates an identity service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "identity")),
	}
}

// Resolve returns the profile id bound to channelUserID via the secondary
// index on channel_user_id. Read-only and idempotent.
func (s *Service) Resolve(ctx context.Context, channelUserID string) (string, error) {
	if s.pool == nil {
		return "", fmt.Errorf("identity pool not configured")
	}
	channelUserID = strings.TrimSpace(channelUserID)
	if channelUserID == "" {
		return "", fmt.Errorf("channel user id is required")
	}
	var profileID string
	err := s.pool.QueryRow(ctx,
		`SELECT profile_id FROM channel_bindings WHERE channel_user_id = $1`,
		channelUserID,
	).Scan(&profileID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProfileNotFound
		}
		return "", fmt.Errorf("%w: resolve %q: %v", ErrUnavailable, channelUserID, err)
	}
	return profileID, nil
}

// Bindings returns all channel bindings of a profile via the primary keyed
// scan. Read-only and idempotent.
func (s *Service) Bindings(ctx context.Context, profileID string) ([]Binding, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("identity pool not configured")
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return nil, fmt.Errorf("profile id is required")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT profile_id, channel_user_id, channel_type, created_at
		 FROM channel_bindings WHERE profile_id = $1
		 ORDER BY created_at, channel_user_id`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list bindings for %q: %v", ErrUnavailable, profileID, err)
	}
	defer rows.Close()

	var bindings []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ProfileID, &b.ChannelUserID, &b.ChannelType, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan binding: %v", ErrUnavailable, err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list bindings for %q: %v", ErrUnavailable, profileID, err)
	}
	return bindings, nil
}

// Register creates a binding between a profile and a channel user id.
// Intended for admin provisioning, not the inbound pipeline.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Binding, error) {
	if s.pool == nil {
		return Binding{}, fmt.Errorf("identity pool not configured")
	}
	profileID := strings.TrimSpace(req.ProfileID)
	channelUserID := strings.TrimSpace(req.ChannelUserID)
	channelType := strings.ToLower(strings.TrimSpace(req.ChannelType))
	if profileID == "" || channelUserID == "" || channelType == "" {
		return Binding{}, fmt.Errorf("profile_id, channel_user_id and channel_type are required")
	}
	var b Binding
	err := s.pool.QueryRow(ctx,
		`INSERT INTO channel_bindings (profile_id, channel_user_id, channel_type)
		 VALUES ($1, $2, $3)
		 RETURNING profile_id, channel_user_id, channel_type, created_at`,
		profileID, channelUserID, channelType,
	).Scan(&b.ProfileID, &b.ChannelUserID, &b.ChannelType, &b.CreatedAt)
	if err != nil {
		return Binding{}, fmt.Errorf("register binding: %w", err)
	}
	return b, nil
}
