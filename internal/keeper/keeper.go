// Package keeper runs the periodic evaluation schedule.
//
// Every interval the scheduler pages through all registered predicates and
// triggers each one, rate limited, then runs the advisory timeout so that
// requests the oracle never answered stop blocking future triggers.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/ir"
)

// Defaults used when a Config field is left zero.
const (
	DefaultInterval       = time.Minute
	DefaultPendingTimeout = 10 * time.Minute
)

// Lister pages through registered predicates.
type Lister interface {
	List(ctx context.Context, opts ir.ListOpts) ([]ir.PredicateRecord, error)
}

// Evaluator starts evaluations and clears stale ones. *bridge.Bridge implements it.
type Evaluator interface {
	Trigger(ctx context.Context, cred access.Credential, id ir.PredicateID) (string, error)
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Config tunes the schedule.
type Config struct {
	Interval       time.Duration
	PendingTimeout time.Duration

	// TriggerRate caps triggers per second; zero means unlimited.
	TriggerRate float64
	Burst       int

	PageSize int
}

// Report summarises one sweep.
type Report struct {
	Triggered  int `json:"triggered"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Expired    int `json:"expired"`
}

// Scheduler triggers every predicate on a fixed interval.
type Scheduler struct {
	lister    Lister
	evaluator Evaluator
	cred      access.Credential
	cfg       Config
	limiter   *rate.Limiter
}

// New creates a Scheduler that triggers as cred.
func New(lister Lister, evaluator Evaluator, cred access.Credential, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	cfg.PageSize = ir.PageLimit(cfg.PageSize)

	limit := rate.Inf
	if cfg.TriggerRate > 0 {
		limit = rate.Limit(cfg.TriggerRate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Scheduler{
		lister:    lister,
		evaluator: evaluator,
		cred:      cred,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
	}
}

// Run sweeps immediately and then once per interval until ctx is cancelled.
// A failed sweep is logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("keeper starting", "interval", s.cfg.Interval, "pending_timeout", s.cfg.PendingTimeout)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if report, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("keeper stopping: context cancelled")
				return ctx.Err()
			}
			slog.Error("keeper sweep failed", "error", err)
		} else {
			slog.Debug("keeper sweep done",
				"triggered", report.Triggered,
				"in_progress", report.InProgress,
				"failed", report.Failed,
				"expired", report.Expired,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("keeper stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep triggers every predicate once and then expires stale requests.
//
// EVALUATION_IN_PROGRESS is expected and counted, not an error. Oracle
// submission failures are counted and the sweep continues. Any other
// trigger error aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	var report Report
	opts := ir.ListOpts{Limit: s.cfg.PageSize}
	for {
		page, err := s.lister.List(ctx, opts)
		if err != nil {
			return report, fmt.Errorf("keeper: list predicates: %w", err)
		}
		for _, rec := range page {
			if err := s.limiter.Wait(ctx); err != nil {
				return report, fmt.Errorf("keeper: %w", err)
			}
			if err := s.trigger(ctx, rec.ID, &report); err != nil {
				return report, err
			}
		}
		if len(page) < opts.Limit {
			break
		}
		opts.AfterID = page[len(page)-1].ID
	}

	n, err := s.evaluator.ExpireStale(ctx, s.cfg.PendingTimeout)
	if err != nil {
		return report, fmt.Errorf("keeper: %w", err)
	}
	report.Expired = n
	return report, nil
}

func (s *Scheduler) trigger(ctx context.Context, id ir.PredicateID, report *Report) error {
	_, err := s.evaluator.Trigger(ctx, s.cred, id)
	switch {
	case err == nil:
		report.Triggered++
	case errors.Is(err, ir.ErrEvaluationInProgress):
		report.InProgress++
	case errors.Is(err, ir.ErrOracleSubmission):
		report.Failed++
		slog.Warn("keeper trigger failed", "id", id, "error", err)
	default:
		return fmt.Errorf("keeper: trigger %s: %w", id, err)
	}
	return nil
}
