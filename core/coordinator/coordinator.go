package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pipeline-orchestrator/config"
	"pipeline-orchestrator/core/models"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Sentinel errors distinguishing the failure kinds of §worker invocation.
// An unresolvable or at-capacity worker is not the same failure as a worker
// that answered and declined, or one that timed out mid-process.
var (
	ErrWorkerUnknown     = errors.New("worker not registered")
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrInvocationTimeout = errors.New("worker invocation timed out")
)

const handshakeTimeout = 10 * time.Second

// ActiveCounter reports running stages per worker from persisted rows;
// satisfied by repository.StageRepository.
type ActiveCounter interface {
	CountActiveByWorker(workerName string) (int, error)
}

// PacketLog durably records handshake packets; satisfied by
// repository.HandshakeLogRepository.
type PacketLog interface {
	LogPacket(workerName string, packet *models.HandshakePacket) error
}

// MetricsStore upserts per-(worker, day) aggregates; satisfied by
// repository.WorkerMetricsRepository.
type MetricsStore interface {
	RecordInvocation(workerName string, executionTimeMs int64, success bool, costUSD float64) error
}

// worker is one registered downstream service
type worker struct {
	config  config.WorkerConfig
	breaker *gobreaker.CircuitBreaker
}

// Coordinator maintains the registry of downstream workers and runs the
// two-phase handshake/process protocol against them.
type Coordinator struct {
	workers    map[string]*worker
	active     ActiveCounter
	packetLog  PacketLog
	metrics    MetricsStore
	httpClient *http.Client
	authToken  string
	identity   string
	logger     *zap.Logger

	mu     sync.RWMutex
	health map[string]models.WorkerHealth
}

// NewCoordinator builds the worker registry from configuration
func NewCoordinator(workers []config.WorkerConfig, active ActiveCounter, packetLog PacketLog, metrics MetricsStore, authToken, identity string, logger *zap.Logger) *Coordinator {
	registry := make(map[string]*worker, len(workers))
	health := make(map[string]models.WorkerHealth, len(workers))
	for _, wc := range workers {
		registry[wc.Name] = &worker{
			config: wc,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    wc.Name,
				Timeout: 30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			}),
		}
		health[wc.Name] = models.WorkerHealthy
	}

	return &Coordinator{
		workers:    registry,
		active:     active,
		packetLog:  packetLog,
		metrics:    metrics,
		httpClient: &http.Client{},
		authToken:  authToken,
		identity:   identity,
		logger:     logger,
		health:     health,
	}
}

// GetWorkerStatus joins a liveness probe with the DB-backed active count
func (c *Coordinator) GetWorkerStatus(ctx context.Context, name string) (*models.WorkerStatus, error) {
	w, ok := c.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerUnknown, name)
	}

	health := c.probe(ctx, w)
	c.setHealth(name, health)

	active, err := c.active.CountActiveByWorker(name)
	if err != nil {
		return nil, fmt.Errorf("count active executions for %s: %w", name, err)
	}

	return &models.WorkerStatus{
		Name:             name,
		Health:           health,
		ActiveExecutions: active,
		MaxConcurrent:    w.config.MaxConcurrent,
		Capabilities:     w.config.Capabilities,
	}, nil
}

// CanWorkerAcceptTask is the sole per-worker concurrency admission gate.
// False if the worker is unknown, unhealthy, or at its concurrency bound.
func (c *Coordinator) CanWorkerAcceptTask(ctx context.Context, name string) (bool, error) {
	status, err := c.GetWorkerStatus(ctx, name)
	if err != nil {
		if errors.Is(err, ErrWorkerUnknown) {
			return false, err
		}
		return false, nil
	}
	if status.Health == models.WorkerUnhealthy || status.Health == models.WorkerInactive {
		return false, nil
	}
	if status.ActiveExecutions >= status.MaxConcurrent {
		return false, nil
	}
	return true, nil
}

// RecordWorkerMetrics folds one invocation into the worker's daily aggregate
func (c *Coordinator) RecordWorkerMetrics(name string, executionTimeMs int64, success bool, costUSD float64) {
	if err := c.metrics.RecordInvocation(name, executionTimeMs, success, costUSD); err != nil {
		c.logger.Warn("failed to record worker metrics",
			zap.String("worker", name),
			zap.Error(err),
		)
	}
}

// Health returns the coordinator's current view of one worker
func (c *Coordinator) Health(name string) models.WorkerHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.health[name]; ok {
		return h
	}
	return models.WorkerInactive
}

// probe performs the lightweight GET /health liveness check
func (c *Coordinator) probe(ctx context.Context, w *worker) models.WorkerHealth {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.config.Endpoint+"/health", nil)
	if err != nil {
		return models.WorkerUnhealthy
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.WorkerUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.WorkerUnhealthy
	}

	// A probe succeeding does not clear degraded: only time does, so a
	// slow worker keeps shedding load for a while after a timeout.
	if c.Health(w.config.Name) == models.WorkerDegraded {
		return models.WorkerDegraded
	}
	return models.WorkerHealthy
}

func (c *Coordinator) setHealth(name string, health models.WorkerHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[name] = health
}

// markDegraded downgrades a worker after a timeout so admission checks
// route load away from it.
func (c *Coordinator) markDegraded(name string) {
	c.setHealth(name, models.WorkerDegraded)
	c.logger.Warn("worker marked degraded", zap.String("worker", name))
}

// ClearDegraded restores a degraded worker to healthy. Called by the
// periodic health sweep once the worker probes clean again.
func (c *Coordinator) ClearDegraded(ctx context.Context, name string) {
	w, ok := c.workers[name]
	if !ok {
		return
	}
	if c.Health(name) != models.WorkerDegraded {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.config.Endpoint+"/health", nil)
	if err != nil {
		return
	}
	c.setAuthHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		c.setHealth(name, models.WorkerHealthy)
		c.logger.Info("worker recovered from degraded", zap.String("worker", name))
	}
}

// SweepHealth re-probes every degraded worker
func (c *Coordinator) SweepHealth(ctx context.Context) {
	c.mu.RLock()
	var degraded []string
	for name, h := range c.health {
		if h == models.WorkerDegraded {
			degraded = append(degraded, name)
		}
	}
	c.mu.RUnlock()

	for _, name := range degraded {
		c.ClearDegraded(ctx, name)
	}
}

// WorkerNames lists the registered workers
func (c *Coordinator) WorkerNames() []string {
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	return names
}

func (c *Coordinator) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("X-Worker-Identity", c.identity)
	req.Header.Set("Content-Type", "application/json")
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
