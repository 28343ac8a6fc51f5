package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeItemStore struct {
	mu      sync.Mutex
	items   map[string]*models.QueueItem
	order   []string
	nextID  int
	avgMs   int64
	execs   *fakeExecStore
	failed  []string
	posBy   map[string]int
}

func newFakeItemStore(execs *fakeExecStore) *fakeItemStore {
	return &fakeItemStore{
		items: make(map[string]*models.QueueItem),
		execs: execs,
		posBy: make(map[string]int),
	}
}

func (s *fakeItemStore) CreateItem(item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	item.ID = fmt.Sprintf("item-%d", s.nextID)
	item.CreatedAt = time.Now()
	copied := *item
	s.items[item.ID] = &copied
	s.order = append(s.order, item.ID)
	return nil
}

func (s *fakeItemStore) GetItem(id string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("item not found: %s", id)
	}
	copied := *item
	return &copied, nil
}

func (s *fakeItemStore) GetItemByExecution(execID string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if s.items[id].ExecutionID == execID {
			copied := *s.items[id]
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("no item for execution %s", execID)
}

func (s *fakeItemStore) ListByStatus(status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueItem
	for _, id := range s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		if s.items[id].Status == status {
			out = append(out, *s.items[id])
		}
	}
	return out, nil
}

func (s *fakeItemStore) ListClaimable(limit int) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueItem
	for _, id := range s.order {
		st := s.items[id].Status
		if st == models.QueueStatusQueued || st == models.QueueStatusReady {
			out = append(out, *s.items[id])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PriorityScore > out[j].PriorityScore
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeItemStore) CountProcessing() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if item.Status == models.QueueStatusProcessing {
			n++
		}
	}
	return n, nil
}

func (s *fakeItemStore) UpdateStatus(itemID string, from, to models.QueueStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return false, fmt.Errorf("item not found: %s", itemID)
	}
	if item.Status != from {
		return false, nil
	}
	item.Status = to
	return true, nil
}

func (s *fakeItemStore) Claim(itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return false, fmt.Errorf("item not found: %s", itemID)
	}
	if item.Status != models.QueueStatusQueued && item.Status != models.QueueStatusReady {
		return false, nil
	}
	item.Status = models.QueueStatusProcessing
	now := time.Now()
	item.ClaimedAt = &now
	return true, nil
}

func (s *fakeItemStore) Finish(itemID string, status models.QueueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("item not found: %s", itemID)
	}
	item.Status = status
	now := time.Now()
	item.CompletedAt = &now
	return nil
}

func (s *fakeItemStore) SetPriority(itemID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("item not found: %s", itemID)
	}
	item.PriorityScore = score
	return nil
}

func (s *fakeItemStore) Stats() (*models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.QueueStats{AvgExecMs: s.avgMs}
	for _, item := range s.items {
		switch item.Status {
		case models.QueueStatusQueued:
			stats.Queued++
		case models.QueueStatusReady:
			stats.Ready++
		case models.QueueStatusBlocked:
			stats.Blocked++
		case models.QueueStatusProcessing:
			stats.Processing++
		case models.QueueStatusCompleted:
			stats.Completed++
		case models.QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *fakeItemStore) RecentAvgExecutionMs(n int) (int64, error) {
	return s.avgMs, nil
}

func (s *fakeItemStore) Position(itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.posBy[itemID]; ok {
		return pos, nil
	}
	return 0, nil
}

func (s *fakeItemStore) ListFailedExecutions(limit int) ([]string, error) {
	if limit > 0 && len(s.failed) > limit {
		return s.failed[:limit], nil
	}
	return s.failed, nil
}

func (s *fakeItemStore) CountTerminalExecutions(execIDs []string, status models.ExecutionStatus) (int, error) {
	n := 0
	for _, id := range execIDs {
		if s.execs.status(id) == status {
			n++
		}
	}
	return n, nil
}

func (s *fakeItemStore) statusOf(itemID string) models.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[itemID]; ok {
		return item.Status
	}
	return ""
}

type fakeExecStore struct {
	mu       sync.Mutex
	statuses map[string]models.ExecutionStatus
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{statuses: make(map[string]models.ExecutionStatus)}
}

func (s *fakeExecStore) add(execID string, st models.ExecutionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[execID] = st
}

func (s *fakeExecStore) status(execID string) models.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[execID]
}

func (s *fakeExecStore) GetExecution(id string) (*models.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	return &models.PipelineExecution{
		ID:           id,
		ClientID:     "client-1",
		TemplateName: "research-report",
		Status:       st,
	}, nil
}

func (s *fakeExecStore) UpdateStatus(execID string, fromStatus, toStatus models.ExecutionStatus, reason string, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[execID] != fromStatus {
		return fmt.Errorf("execution %s is %s, not %s", execID, s.statuses[execID], fromStatus)
	}
	s.statuses[execID] = toStatus
	return nil
}

// blockingRunner holds every execution until released, recording dispatch
// order and the peak number of simultaneous executions.
type blockingRunner struct {
	mu         sync.Mutex
	release    chan struct{}
	dispatched []string
	running    int
	peak       int
	execs      *fakeExecStore
	outcome    models.ExecutionStatus
}

func newBlockingRunner(execs *fakeExecStore) *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		execs:   execs,
		outcome: models.ExecutionStatusCompleted,
	}
}

func (r *blockingRunner) Execute(ctx context.Context, exec *models.PipelineExecution) *models.ExecutionResult {
	r.mu.Lock()
	r.dispatched = append(r.dispatched, exec.ID)
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	r.mu.Unlock()

	status := r.outcome
	select {
	case <-r.release:
	case <-ctx.Done():
		status = models.ExecutionStatusCancelled
	}

	r.mu.Lock()
	r.running--
	r.mu.Unlock()

	// Mirror what the real executor persists so dependency checks see
	// the terminal state.
	r.execs.mu.Lock()
	r.execs.statuses[exec.ID] = status
	r.execs.mu.Unlock()

	return &models.ExecutionResult{ExecutionID: exec.ID, Status: status, TotalTimeMs: 10}
}

func (r *blockingRunner) currentRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *blockingRunner) peakRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *blockingRunner) dispatchOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dispatched))
	copy(out, r.dispatched)
	return out
}

type queueFixture struct {
	manager *Manager
	items   *fakeItemStore
	execs   *fakeExecStore
	runner  *blockingRunner
}

func newQueueFixture(t *testing.T, maxConcurrent int) *queueFixture {
	t.Helper()
	execs := newFakeExecStore()
	items := newFakeItemStore(execs)
	runner := newBlockingRunner(execs)
	return &queueFixture{
		manager: NewManager(items, execs, runner, maxConcurrent, zap.NewNop()),
		items:   items,
		execs:   execs,
		runner:  runner,
	}
}

func (f *queueFixture) enqueue(t *testing.T, execID string, priority models.Priority, deps []string) *models.QueueItem {
	t.Helper()
	f.execs.add(execID, models.ExecutionStatusPending)
	item, err := f.manager.Enqueue(context.Background(), execID, priority, deps)
	require.NoError(t, err)
	return item
}

func TestEnqueueRunsExecutionToCompletion(t *testing.T) {
	f := newQueueFixture(t, 2)
	close(f.runner.release)

	item := f.enqueue(t, "exec-1", models.PriorityNormal, nil)

	assert.Eventually(t, func() bool {
		return f.items.statusOf(item.ID) == models.QueueStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ExecutionStatusCompleted, f.execs.status("exec-1"))
}

func TestConcurrencyBoundHolds(t *testing.T) {
	f := newQueueFixture(t, 2)

	for i := 1; i <= 4; i++ {
		f.enqueue(t, fmt.Sprintf("exec-%d", i), models.PriorityNormal, nil)
	}

	// Two slots fill; the remaining two items wait.
	assert.Eventually(t, func() bool {
		return f.runner.currentRunning() == 2
	}, 2*time.Second, 10*time.Millisecond)
	processing, err := f.items.CountProcessing()
	require.NoError(t, err)
	assert.Equal(t, 2, processing)

	close(f.runner.release)

	assert.Eventually(t, func() bool {
		stats, _ := f.items.Stats()
		return stats.Completed == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.runner.peakRunning(), "concurrency bound must never be exceeded")
}

func TestHigherPriorityClaimedFirst(t *testing.T) {
	f := newQueueFixture(t, 1)

	f.enqueue(t, "exec-blocker", models.PriorityNormal, nil)
	assert.Eventually(t, func() bool {
		return f.runner.currentRunning() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.enqueue(t, "exec-low", models.PriorityLow, nil)
	f.enqueue(t, "exec-critical", models.PriorityCritical, nil)

	close(f.runner.release)

	assert.Eventually(t, func() bool {
		return len(f.runner.dispatchOrder()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"exec-blocker", "exec-critical", "exec-low"}, f.runner.dispatchOrder())
}

func TestDependencyGating(t *testing.T) {
	f := newQueueFixture(t, 2)

	f.enqueue(t, "exec-upstream", models.PriorityNormal, nil)
	downstream := f.enqueue(t, "exec-downstream", models.PriorityNormal, []string{"exec-upstream"})

	assert.Eventually(t, func() bool {
		return f.runner.currentRunning() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The downstream item must not run while its dependency is live.
	assert.Eventually(t, func() bool {
		f.manager.Advance(context.Background())
		return f.items.statusOf(downstream.ID) == models.QueueStatusBlocked
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"exec-upstream"}, f.runner.dispatchOrder())

	close(f.runner.release)
	assert.Eventually(t, func() bool {
		return f.execs.status("exec-upstream") == models.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	f.manager.PromoteBlocked(context.Background())
	f.manager.Advance(context.Background())

	assert.Eventually(t, func() bool {
		return f.items.statusOf(downstream.ID) == models.QueueStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelQueuedItem(t *testing.T) {
	f := newQueueFixture(t, 1)

	f.enqueue(t, "exec-blocker", models.PriorityNormal, nil)
	assert.Eventually(t, func() bool {
		return f.runner.currentRunning() == 1
	}, 2*time.Second, 10*time.Millisecond)

	waiting := f.enqueue(t, "exec-waiting", models.PriorityNormal, nil)
	require.NoError(t, f.manager.CancelQueued(waiting.ID))
	assert.Equal(t, models.QueueStatusCancelled, f.items.statusOf(waiting.ID))
	assert.Equal(t, models.ExecutionStatusCancelled, f.execs.status("exec-waiting"))

	// A processing item is past the point of queue-level cancellation.
	blocker, err := f.items.GetItemByExecution("exec-blocker")
	require.NoError(t, err)
	assert.ErrorIs(t, f.manager.CancelQueued(blocker.ID), ErrNotCancellable)

	close(f.runner.release)
}

func TestCancelRunningExecution(t *testing.T) {
	f := newQueueFixture(t, 1)

	item := f.enqueue(t, "exec-1", models.PriorityNormal, nil)
	assert.Eventually(t, func() bool {
		return f.runner.currentRunning() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.manager.CancelRunning("exec-1"))

	assert.Eventually(t, func() bool {
		return f.items.statusOf(item.ID) == models.QueueStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ExecutionStatusCancelled, f.execs.status("exec-1"))

	// Unknown executions report not-found.
	assert.False(t, f.manager.CancelRunning("exec-unknown"))
}

func TestNoOrphanedProcessingAfterRunnerPanic(t *testing.T) {
	execs := newFakeExecStore()
	items := newFakeItemStore(execs)
	manager := NewManager(items, execs, panicRunner{}, 1, zap.NewNop())

	execs.add("exec-1", models.ExecutionStatusPending)
	item, err := manager.Enqueue(context.Background(), "exec-1", models.PriorityNormal, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return items.statusOf(item.ID) == models.QueueStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

type panicRunner struct{}

func (panicRunner) Execute(ctx context.Context, exec *models.PipelineExecution) *models.ExecutionResult {
	panic("executor blew up")
}

func TestAdjustPriority(t *testing.T) {
	f := newQueueFixture(t, 1)

	f.enqueue(t, "exec-blocker", models.PriorityNormal, nil)
	assert.Eventually(t, func() bool {
		return f.runner.currentRunning() == 1
	}, 2*time.Second, 10*time.Millisecond)

	item := f.enqueue(t, "exec-1", models.PriorityLow, nil)
	require.NoError(t, f.manager.AdjustPriority(item.ID, models.PriorityCritical))

	got, err := f.items.GetItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityCritical.Score(), got.PriorityScore)

	close(f.runner.release)
}

func TestGetQueueStatsCarriesConcurrencyBound(t *testing.T) {
	f := newQueueFixture(t, 7)
	f.items.avgMs = 45000

	stats, err := f.manager.GetQueueStats()
	require.NoError(t, err)
	assert.Equal(t, 7, stats.MaxConcurrent)
	assert.Equal(t, int64(45000), stats.AvgExecMs)
}

func TestEstimateWaitTime(t *testing.T) {
	f := newQueueFixture(t, 2)
	f.items.avgMs = 30000

	f.execs.add("exec-1", models.ExecutionStatusPending)
	item, err := f.manager.Enqueue(context.Background(), "exec-1", models.PriorityNormal, nil)
	require.NoError(t, err)
	f.items.posBy[item.ID] = 7

	wait, err := f.manager.EstimateWaitTime(item.ID)
	require.NoError(t, err)
	// Seven ahead at two per wave: three full waves of 30s each.
	assert.Equal(t, 90*time.Second, wait)

	close(f.runner.release)
}

func TestReprocessFailed(t *testing.T) {
	f := newQueueFixture(t, 1)
	close(f.runner.release)

	f.execs.add("exec-failed-1", models.ExecutionStatusFailed)
	f.execs.add("exec-failed-2", models.ExecutionStatusFailed)
	f.items.failed = []string{"exec-failed-1", "exec-failed-2"}

	n, err := f.manager.ReprocessFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Requeued at low priority and run back to a terminal state.
	assert.Eventually(t, func() bool {
		return f.execs.status("exec-failed-1") == models.ExecutionStatusCompleted &&
			f.execs.status("exec-failed-2") == models.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
