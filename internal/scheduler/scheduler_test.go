package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/redis"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeBatch struct {
	mu       sync.Mutex
	due      []string
	dueErr   error
	dueDates []time.Time
	runs     [][]string
	gateways []string
	entered  chan struct{}
	block    chan struct{}
}

func (b *fakeBatch) DueUsers(_ context.Context, date time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dueDates = append(b.dueDates, date)
	return b.due, b.dueErr
}

func (b *fakeBatch) RunDue(_ context.Context, userIDs []string, gw string) *billing.BatchResult {
	if b.entered != nil {
		close(b.entered)
	}
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs = append(b.runs, userIDs)
	b.gateways = append(b.gateways, gw)
	return &billing.BatchResult{ID: "batch_1", TotalProcessed: len(userIDs), Successful: len(userIDs)}
}

func (b *fakeBatch) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

// memLocker mimics the Redis locker.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held[key] {
		return nil, redis.ErrLockHeld
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

func testConfig() Config {
	return Config{Enabled: true, RunHour: 9, Tick: time.Minute, RunTimeout: time.Minute, Gateway: "stripe"}
}

func TestTickRunsOncePerDayAfterRunHour(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 2, 1, 8, 59, 0, 0, time.UTC)}
	batch := &fakeBatch{due: []string{"user_123", "user_456"}}
	r := New(batch, testConfig(), nil, discard).WithClock(clock)

	assert.False(t, r.Tick(context.Background()))

	clock.Advance(time.Minute)
	assert.True(t, r.Tick(context.Background()))
	assert.False(t, r.Tick(context.Background()))

	clock.Advance(24 * time.Hour)
	assert.True(t, r.Tick(context.Background()))

	require.Equal(t, 2, batch.Runs())
	assert.Equal(t, []string{"user_123", "user_456"}, batch.runs[0])
	assert.Equal(t, "stripe", batch.gateways[0])
	assert.Equal(t, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), batch.dueDates[0])
}

func TestTickSkipsDayClaimedByAnotherReplica(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)}
	locker := &memLocker{held: map[string]bool{"billing-daily:2024-02-01": true}}
	batch := &fakeBatch{}
	r := New(batch, testConfig(), locker, discard).WithClock(clock)

	assert.False(t, r.Tick(context.Background()))
	assert.Zero(t, batch.Runs())
}

func TestTickRetriesAfterDueLookupFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)}
	batch := &fakeBatch{dueErr: errors.New("db down")}
	r := New(batch, testConfig(), nil, discard).WithClock(clock)

	assert.False(t, r.Tick(context.Background()))

	batch.mu.Lock()
	batch.dueErr = nil
	batch.due = []string{"user_123"}
	batch.mu.Unlock()

	assert.True(t, r.Tick(context.Background()))
}

func TestRunWithExplicitUsers(t *testing.T) {
	batch := &fakeBatch{due: []string{"ignored"}}
	r := New(batch, testConfig(), &memLocker{held: map[string]bool{}}, discard)

	result, err := r.Run(context.Background(), RunRequest{UserIDs: []string{"user_789"}, Gateway: "paypal"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalProcessed)
	assert.Equal(t, []string{"user_789"}, batch.runs[0])
	assert.Empty(t, batch.dueDates)
}

func TestRunReportsLockHeld(t *testing.T) {
	locker := &memLocker{held: map[string]bool{batchLockKey: true}}
	r := New(&fakeBatch{}, testConfig(), locker, discard)

	_, err := r.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunReleasesLock(t *testing.T) {
	locker := &memLocker{held: map[string]bool{}}
	r := New(&fakeBatch{due: []string{"u"}}, testConfig(), locker, discard)

	_, err := r.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Empty(t, locker.held)
}

func TestRunRejectsOverlapInProcess(t *testing.T) {
	batch := &fakeBatch{due: []string{"u"}, entered: make(chan struct{}), block: make(chan struct{})}
	r := New(batch, testConfig(), nil, discard)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), RunRequest{})
		done <- err
	}()
	<-batch.entered

	_, err := r.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(batch.block)
	assert.NoError(t, <-done)
}

func TestTickReleasesClaimWhenRunCannotStart(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)}
	locker := &memLocker{held: map[string]bool{}}
	batch := &fakeBatch{dueErr: errors.New("db down")}
	r := New(batch, testConfig(), locker, discard).WithClock(clock)

	assert.False(t, r.Tick(context.Background()))
	assert.Empty(t, locker.held)

	batch.mu.Lock()
	batch.dueErr = nil
	batch.mu.Unlock()
	assert.True(t, r.Tick(context.Background()))
	assert.True(t, locker.held["billing-daily:2024-02-01"])
}

func TestRunLockerError(t *testing.T) {
	r := New(&fakeBatch{}, testConfig(), &memLocker{err: errors.New("redis down")}, discard)

	_, err := r.Run(context.Background(), RunRequest{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunInProgress)
}

func TestStartStopsOnCancel(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)}
	batch := &fakeBatch{due: []string{"u"}}
	cfg := testConfig()
	cfg.Tick = 10 * time.Millisecond
	r := New(batch, cfg, nil, discard).WithClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return batch.Runs() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, batch.Runs())
}
