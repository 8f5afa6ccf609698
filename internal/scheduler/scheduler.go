// Package scheduler triggers the daily billing batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/redis"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/subscription"
)

// ErrRunInProgress is returned when another batch holds the run lock.
var ErrRunInProgress = errors.New("billing batch already running")

// Config controls the daily trigger.
type Config struct {
	Enabled    bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`
	RunHour    int           `envconfig:"SCHEDULER_RUN_HOUR" default:"9"`
	Tick       time.Duration `envconfig:"SCHEDULER_TICK" default:"1m"`
	RunTimeout time.Duration `envconfig:"SCHEDULER_RUN_TIMEOUT" default:"30m"`
	Gateway    string        `envconfig:"SCHEDULER_GATEWAY"`
}

// Batch selects and settles due users.
type Batch interface {
	DueUsers(ctx context.Context, date time.Time) ([]string, error)
	RunDue(ctx context.Context, userIDs []string, preferredGateway string) *billing.BatchResult
}

// Locker is a distributed lock. Acquire returns redis.ErrLockHeld when the
// key is taken.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// RunRequest describes one batch run. Without UserIDs the users due on Date
// are selected.
type RunRequest struct {
	Date    time.Time
	UserIDs []string
	Gateway string
}

// Runner runs billing batches, one at a time across replicas when a Locker is
// configured.
type Runner struct {
	batch  Batch
	config Config
	locker Locker
	clock  Clock
	logger *slog.Logger

	// local serializes runs in this process; the Locker covers other replicas.
	local   sync.Mutex
	mu      sync.Mutex
	lastRun string
}

const batchLockKey = "billing-batch"

// New creates a runner. locker may be nil.
func New(batch Batch, cfg Config, locker Locker, logger *slog.Logger) *Runner {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	return &Runner{
		batch:  batch,
		config: cfg,
		locker: locker,
		clock:  systemClock{},
		logger: logger.With("component", "scheduler"),
	}
}

// WithClock replaces the clock used by the daily trigger.
func (r *Runner) WithClock(c Clock) *Runner {
	r.clock = c
	return r
}

// Start polls every Tick and runs the batch once per UTC day after RunHour.
// It returns when ctx is done.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("scheduler started", "run_hour", r.config.RunHour, "tick", r.config.Tick)

	ticker := time.NewTicker(r.config.Tick)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs the daily batch if it is due and has not run today. It reports
// whether a batch ran.
func (r *Runner) Tick(ctx context.Context) bool {
	now := r.clock.Now().UTC()
	today := now.Format(subscription.DateLayout)

	r.mu.Lock()
	done := r.lastRun == today
	r.mu.Unlock()
	if done || now.Hour() < r.config.RunHour {
		return false
	}

	// One replica claims the day. The marker is never released; it expires.
	var unclaim func(context.Context) error
	if r.locker != nil {
		var err error
		if unclaim, err = r.locker.Acquire(ctx, "billing-daily:"+today, 24*time.Hour); err != nil {
			if errors.Is(err, redis.ErrLockHeld) {
				r.logger.Info("daily batch claimed by another replica", "date", today)
				r.markRun(today)
			} else {
				r.logger.Error("failed to claim daily batch", "error", err, "date", today)
			}
			return false
		}
	}

	result, err := r.Run(ctx, RunRequest{Date: now, Gateway: r.config.Gateway})
	if err != nil {
		r.logger.Error("daily batch failed to start", "error", err, "date", today)
		if errors.Is(err, ErrRunInProgress) {
			r.markRun(today)
		} else if unclaim != nil {
			if err := unclaim(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to release daily claim", "error", err, "date", today)
			}
		}
		return false
	}

	r.markRun(today)
	r.logger.Info("daily batch finished",
		"date", today,
		"batch_id", result.ID,
		"successful", result.Successful,
		"failed", result.Failed,
	)
	return true
}

func (r *Runner) markRun(day string) {
	r.mu.Lock()
	r.lastRun = day
	r.mu.Unlock()
}

// Run executes one batch bounded by RunTimeout.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*billing.BatchResult, error) {
	if !r.local.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.local.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.config.RunTimeout)
	defer cancel()

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, batchLockKey, r.config.RunTimeout)
		if errors.Is(err, redis.ErrLockHeld) {
			return nil, ErrRunInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("acquiring batch lock: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				r.logger.Warn("failed to release batch lock", "error", err)
			}
		}()
	}

	users := req.UserIDs
	if len(users) == 0 {
		date := req.Date
		if date.IsZero() {
			date = r.clock.Now()
		}
		var err error
		users, err = r.batch.DueUsers(ctx, date)
		if err != nil {
			return nil, fmt.Errorf("selecting due users: %w", err)
		}
	}

	return r.batch.RunDue(ctx, users, req.Gateway), nil
}
