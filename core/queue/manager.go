package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pipeline-orchestrator/core/models"

	"go.uber.org/zap"
)

// ItemStore persists queue items; satisfied by repository.QueueRepository
type ItemStore interface {
	CreateItem(item *models.QueueItem) error
	GetItem(id string) (*models.QueueItem, error)
	GetItemByExecution(execID string) (*models.QueueItem, error)
	ListByStatus(status models.QueueStatus, limit int) ([]models.QueueItem, error)
	ListClaimable(limit int) ([]models.QueueItem, error)
	CountProcessing() (int, error)
	UpdateStatus(itemID string, from, to models.QueueStatus) (bool, error)
	Claim(itemID string) (bool, error)
	Finish(itemID string, status models.QueueStatus) error
	SetPriority(itemID string, score int) error
	Stats() (*models.QueueStats, error)
	RecentAvgExecutionMs(n int) (int64, error)
	Position(itemID string) (int, error)
	ListFailedExecutions(limit int) ([]string, error)
	CountTerminalExecutions(execIDs []string, status models.ExecutionStatus) (int, error)
}

// ExecutionStore is the slice of the execution repository the queue needs
type ExecutionStore interface {
	GetExecution(id string) (*models.PipelineExecution, error)
	UpdateStatus(execID string, fromStatus, toStatus models.ExecutionStatus, reason string, meta map[string]interface{}) error
}

// PipelineRunner runs one admitted execution to a terminal state;
// satisfied by executor.Executor.
type PipelineRunner interface {
	Execute(ctx context.Context, exec *models.PipelineExecution) *models.ExecutionResult
}

// Manager admits pipeline executions into a bounded-concurrency run queue,
// resolves inter-execution dependencies, and drives admitted executions to
// completion through the executor.
type Manager struct {
	items         ItemStore
	executions    ExecutionStore
	runner        PipelineRunner
	maxConcurrent int
	logger        *zap.Logger

	advancing atomic.Bool
	stopChan  chan struct{}
	observer  Observer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Observer receives finished-execution notifications; satisfied by
// monitoring.Metrics.
type Observer interface {
	ObserveExecution(clientID, template string, status models.ExecutionStatus, totalTimeMs int64, costUSD float64)
}

// NewManager creates a queue manager
func NewManager(items ItemStore, executions ExecutionStore, runner PipelineRunner, maxConcurrent int, logger *zap.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Manager{
		items:         items,
		executions:    executions,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		stopChan:      make(chan struct{}),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// SetObserver attaches a finished-execution observer
func (m *Manager) SetObserver(obs Observer) {
	m.observer = obs
}

// Start runs the periodic advance loop until the context or Stop ends it
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Advance(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.PromoteBlocked(ctx)
			m.Advance(ctx)
		}
	}
}

// Stop stops the advance loop
func (m *Manager) Stop() {
	close(m.stopChan)
}

// Enqueue admits an execution into the queue with a priority and an
// optional dependency set.
func (m *Manager) Enqueue(ctx context.Context, executionID string, priority models.Priority, dependencies []string) (*models.QueueItem, error) {
	if err := m.executions.UpdateStatus(executionID, models.ExecutionStatusPending, models.ExecutionStatusQueued, "enqueued", nil); err != nil {
		return nil, err
	}

	item := &models.QueueItem{
		ExecutionID:   executionID,
		PriorityScore: priority.Score(),
		Dependencies:  dependencies,
		Status:        models.QueueStatusQueued,
	}
	if err := m.items.CreateItem(item); err != nil {
		return nil, err
	}

	m.logger.Info("execution enqueued",
		zap.String("execution_id", executionID),
		zap.Int("priority_score", item.PriorityScore),
		zap.Int("dependencies", len(dependencies)),
	)

	go m.Advance(ctx)
	return item, nil
}

// Advance fills free concurrency slots with the highest-priority claimable
// items whose dependencies are met. Safe to invoke re-entrantly: a single
// in-flight guard prevents double-dispatch.
func (m *Manager) Advance(ctx context.Context) {
	if !m.advancing.CompareAndSwap(false, true) {
		return
	}
	defer m.advancing.Store(false)

	for {
		processing, err := m.items.CountProcessing()
		if err != nil {
			m.logger.Error("failed to count processing items", zap.Error(err))
			return
		}
		if processing >= m.maxConcurrent {
			return
		}

		items, err := m.items.ListClaimable(2 * m.maxConcurrent)
		if err != nil {
			m.logger.Error("failed to list claimable items", zap.Error(err))
			return
		}

		claimed := false
		for i := range items {
			item := items[i]

			met, err := m.dependenciesMet(item.Dependencies)
			if err != nil {
				m.logger.Error("dependency check failed", zap.String("queue_id", item.ID), zap.Error(err))
				continue
			}
			if !met {
				if item.Status == models.QueueStatusQueued {
					if _, err := m.items.UpdateStatus(item.ID, models.QueueStatusQueued, models.QueueStatusBlocked); err != nil {
						m.logger.Error("failed to block item", zap.String("queue_id", item.ID), zap.Error(err))
					}
				}
				continue
			}

			won, err := m.items.Claim(item.ID)
			if err != nil {
				m.logger.Error("claim failed", zap.String("queue_id", item.ID), zap.Error(err))
				continue
			}
			if !won {
				continue
			}

			go m.dispatch(item)
			claimed = true
			break
		}

		if !claimed {
			return
		}
	}
}

// PromoteBlocked re-scans blocked items and readies those whose
// dependencies have since completed.
func (m *Manager) PromoteBlocked(ctx context.Context) {
	blocked, err := m.items.ListByStatus(models.QueueStatusBlocked, 100)
	if err != nil {
		m.logger.Error("failed to list blocked items", zap.Error(err))
		return
	}

	for _, item := range blocked {
		met, err := m.dependenciesMet(item.Dependencies)
		if err != nil || !met {
			continue
		}
		if _, err := m.items.UpdateStatus(item.ID, models.QueueStatusBlocked, models.QueueStatusReady); err != nil {
			m.logger.Error("failed to promote item", zap.String("queue_id", item.ID), zap.Error(err))
			continue
		}
		m.logger.Info("dependencies cleared", zap.String("queue_id", item.ID), zap.String("execution_id", item.ExecutionID))
	}
}

// dispatch hands one claimed item to the executor and finishes the item
// with the executor's outcome. An item never stays processing after the
// executor returns or fails to start.
func (m *Manager) dispatch(item models.QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dispatch panicked", zap.String("queue_id", item.ID), zap.Any("panic", r))
			if err := m.items.Finish(item.ID, models.QueueStatusFailed); err != nil {
				m.logger.Error("failed to fail queue item", zap.String("queue_id", item.ID), zap.Error(err))
			}
		}
		m.unregisterCancel(item.ExecutionID)

		// Free slot: immediately try to fill it.
		m.Advance(context.Background())
	}()

	exec, err := m.executions.GetExecution(item.ExecutionID)
	if err != nil {
		m.logger.Error("failed to load execution for dispatch",
			zap.String("queue_id", item.ID),
			zap.String("execution_id", item.ExecutionID),
			zap.Error(err),
		)
		if err := m.items.Finish(item.ID, models.QueueStatusFailed); err != nil {
			m.logger.Error("failed to fail queue item", zap.String("queue_id", item.ID), zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.registerCancel(item.ExecutionID, cancel)
	defer cancel()

	result := m.runner.Execute(ctx, exec)

	if m.observer != nil {
		m.observer.ObserveExecution(exec.ClientID, exec.TemplateName, result.Status, result.TotalTimeMs, result.TotalCostUSD)
	}

	itemStatus := models.QueueStatusCompleted
	if result.Status != models.ExecutionStatusCompleted {
		itemStatus = models.QueueStatusFailed
	}
	if result.Status == models.ExecutionStatusCancelled {
		itemStatus = models.QueueStatusCancelled
	}
	if err := m.items.Finish(item.ID, itemStatus); err != nil {
		m.logger.Error("failed to finish queue item", zap.String("queue_id", item.ID), zap.Error(err))
	}
}

// CancelQueued cancels an item that has not started processing
func (m *Manager) CancelQueued(itemID string) error {
	item, err := m.items.GetItem(itemID)
	if err != nil {
		return err
	}

	cancelled := false
	for _, from := range []models.QueueStatus{models.QueueStatusQueued, models.QueueStatusReady, models.QueueStatusBlocked} {
		ok, err := m.items.UpdateStatus(itemID, from, models.QueueStatusCancelled)
		if err != nil {
			return err
		}
		if ok {
			cancelled = true
			break
		}
	}
	if !cancelled {
		return ErrNotCancellable
	}

	if err := m.executions.UpdateStatus(item.ExecutionID, models.ExecutionStatusQueued, models.ExecutionStatusCancelled, "cancelled_in_queue", nil); err != nil {
		m.logger.Warn("failed to cancel execution record",
			zap.String("execution_id", item.ExecutionID),
			zap.Error(err),
		)
	}
	return nil
}

// CancelRunning asks a running execution to stop at its next stage
// boundary. In-flight worker calls are bounded by their stage timeout, not
// interrupted.
func (m *Manager) CancelRunning(executionID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[executionID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// AdjustPriority changes the priority of a not-yet-claimed item
func (m *Manager) AdjustPriority(itemID string, priority models.Priority) error {
	return m.items.SetPriority(itemID, priority.Score())
}

// GetQueueStats returns queue depth by status
func (m *Manager) GetQueueStats() (*models.QueueStats, error) {
	stats, err := m.items.Stats()
	if err != nil {
		return nil, err
	}
	stats.MaxConcurrent = m.maxConcurrent
	return stats, nil
}

// EstimateWaitTime predicts how long an item will wait for a slot:
// position ÷ concurrency × recent average execution time.
func (m *Manager) EstimateWaitTime(itemID string) (time.Duration, error) {
	position, err := m.items.Position(itemID)
	if err != nil {
		return 0, err
	}
	avgMs, err := m.items.RecentAvgExecutionMs(50)
	if err != nil {
		return 0, err
	}
	if avgMs == 0 {
		avgMs = 60_000
	}

	waves := position / m.maxConcurrent
	return time.Duration(int64(waves)*avgMs) * time.Millisecond, nil
}

// ReprocessFailed bulk re-enqueues failed executions at low priority
func (m *Manager) ReprocessFailed(ctx context.Context, limit int) (int, error) {
	execIDs, err := m.items.ListFailedExecutions(limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, execID := range execIDs {
		if err := m.executions.UpdateStatus(execID, models.ExecutionStatusFailed, models.ExecutionStatusQueued, "reprocess_requested", nil); err != nil {
			m.logger.Warn("failed to reset execution for reprocessing",
				zap.String("execution_id", execID),
				zap.Error(err),
			)
			continue
		}
		item := &models.QueueItem{
			ExecutionID:   execID,
			PriorityScore: models.PriorityLow.Score(),
			Status:        models.QueueStatusQueued,
		}
		if err := m.items.CreateItem(item); err != nil {
			m.logger.Warn("failed to requeue execution",
				zap.String("execution_id", execID),
				zap.Error(err),
			)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		go m.Advance(ctx)
	}
	return requeued, nil
}

// dependenciesMet reports whether every dependency reached completed
func (m *Manager) dependenciesMet(deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	completed, err := m.items.CountTerminalExecutions(deps, models.ExecutionStatusCompleted)
	if err != nil {
		return false, err
	}
	return completed == len(deps), nil
}

func (m *Manager) registerCancel(executionID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[executionID] = cancel
}

func (m *Manager) unregisterCancel(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, executionID)
}
