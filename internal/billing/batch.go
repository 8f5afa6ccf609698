package billing

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/events"
)

// UserResult is one user's outcome within a batch.
type UserResult struct {
	UserID       string       `json:"userId"`
	Status       Status       `json:"status"`
	Transaction  *Transaction `json:"transaction,omitempty"`
	ErrorMessage string       `json:"error,omitempty"`
}

// BatchResult aggregates a batch run.
type BatchResult struct {
	ID             string       `json:"batchId"`
	PerUser        []UserResult `json:"results"`
	TotalProcessed int          `json:"totalProcessed"`
	Successful     int          `json:"successful"`
	Failed         int          `json:"failed"`
	StartedAt      time.Time    `json:"startedAt"`
	CompletedAt    time.Time    `json:"completedAt"`
}

// Scheduler runs settlements for a set of due users.
type Scheduler struct {
	engine    *Engine
	workers   int
	publisher events.EventPublisher
	metrics   Recorder
	logger    *slog.Logger
}

// NewScheduler creates a batch scheduler over engine. workers below 2 runs
// users sequentially in the given order.
func NewScheduler(engine *Engine, workers int, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		engine:    engine,
		workers:   workers,
		publisher: engine.deps.Publisher,
		metrics:   engine.deps.Metrics,
		logger:    logger,
	}
}

// RunDue settles every user in userIDs. One user's failure never stops the
// batch. Results keep the order of userIDs. Users not yet started when ctx
// is cancelled are reported failed without an attempt.
func (s *Scheduler) RunDue(ctx context.Context, userIDs []string, preferredGateway string) *BatchResult {
	if preferredGateway == "" && s.engine.deps.Gateways != nil {
		preferredGateway = string(s.engine.deps.Gateways.Default())
	}
	result := &BatchResult{
		ID:        "batch_" + ulid.Make().String(),
		PerUser:   make([]UserResult, len(userIDs)),
		StartedAt: s.engine.now(),
	}

	logger := s.logger.With("batch_id", result.ID, "gateway", preferredGateway)
	logger.Info("starting billing batch", "users", len(userIDs), "workers", s.workers)

	if s.workers == 1 {
		for i, userID := range userIDs {
			result.PerUser[i] = s.runOne(ctx, userID, preferredGateway)
		}
	} else {
		jobs := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < s.workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					result.PerUser[i] = s.runOne(ctx, userIDs[i], preferredGateway)
				}
			}()
		}
		for i := range userIDs {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	}

	for _, r := range result.PerUser {
		if r.Status == StatusSuccess {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	result.TotalProcessed = len(result.PerUser)
	result.CompletedAt = s.engine.now()

	status := "completed"
	if ctx.Err() != nil {
		status = "cancelled"
	}
	s.metrics.ObserveBatch(status, result.CompletedAt.Sub(result.StartedAt))

	logger.Info("billing batch completed",
		"status", status,
		"total_processed", result.TotalProcessed,
		"successful", result.Successful,
		"failed", result.Failed,
		"duration_ms", result.CompletedAt.Sub(result.StartedAt).Milliseconds(),
	)

	s.publishCompleted(ctx, result, preferredGateway)
	return result
}

func (s *Scheduler) runOne(ctx context.Context, userID, preferredGateway string) (res UserResult) {
	res = UserResult{UserID: userID, Status: StatusFailed}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("settlement panicked",
				"user_id", userID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = UserResult{UserID: userID, Status: StatusFailed, ErrorMessage: fmt.Sprintf("unexpected error: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		res.ErrorMessage = "batch cancelled: " + err.Error()
		return res
	}

	txn, err := s.engine.Process(ctx, Request{UserID: userID, Gateway: preferredGateway})
	if err != nil {
		s.logger.Warn("billing failed for user", "user_id", userID, "error", err)
		res.ErrorMessage = err.Error()
		return res
	}

	res.Status = txn.Status
	res.Transaction = txn
	if !txn.Succeeded() {
		res.ErrorMessage = txn.Description
	}
	return res
}

func (s *Scheduler) publishCompleted(ctx context.Context, result *BatchResult, gw string) {
	if s.publisher == nil {
		return
	}
	data := events.BatchCompletedData{
		BatchID:        result.ID,
		Gateway:        gw,
		TotalProcessed: result.TotalProcessed,
		Successful:     result.Successful,
		Failed:         result.Failed,
		StartedAt:      result.StartedAt,
		CompletedAt:    result.CompletedAt,
	}
	evt, err := events.NewEvent(events.EventBatchCompleted, events.AggregateBatch, result.ID, data)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish batch completion", "error", err, "batch_id", result.ID)
	}
}

// DueUsers lists the users with a subscription due on or before date, in
// billing order.
func (s *Scheduler) DueUsers(ctx context.Context, date time.Time) ([]string, error) {
	subs, err := s.engine.deps.Subscriptions.ListDue(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("listing due subscriptions: %w", err)
	}
	seen := make(map[string]bool, len(subs))
	users := make([]string, 0, len(subs))
	for _, sub := range subs {
		if seen[sub.UserID] {
			continue
		}
		seen[sub.UserID] = true
		users = append(users, sub.UserID)
	}
	return users, nil
}
