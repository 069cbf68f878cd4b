// Package schedule runs periodic housekeeping jobs. The only job today is
// active TTL reclamation of expired conversation checkpoints; lazy expiry on
// load remains the correctness guarantee.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep once an hour.
const DefaultSweepSchedule = "@hourly"

// ExpiredSweeper reclaims expired checkpoints.
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweeper schedules checkpoint reclamation with cron.
type Sweeper struct {
	cron    *cron.Cron
	store   ExpiredSweeper
	pattern string
	logger  *slog.Logger
}

// NewSweeper creates a sweeper for the given store and cron pattern.
func NewSweeper(log *slog.Logger, store ExpiredSweeper, pattern string) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("sweeper: store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(pattern); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", pattern, err)
	}
	return &Sweeper{
		cron:    cron.New(cron.WithParser(parser)),
		store:   store,
		pattern: pattern,
		logger:  log.With(slog.String("service", "sweeper")),
	}, nil
}

// Start schedules the sweep job and starts the cron runner.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.pattern, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		reclaimed, err := s.store.SweepExpired(ctx)
		if err != nil {
			s.logger.Error("checkpoint sweep failed", slog.Any("error", err))
			return
		}
		if reclaimed > 0 {
			s.logger.Info("expired checkpoints reclaimed", slog.Int64("count", reclaimed))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for a running job to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
