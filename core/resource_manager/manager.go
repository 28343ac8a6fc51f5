package resource_manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pipeline-orchestrator/core/cache"
	"pipeline-orchestrator/core/models"

	"go.uber.org/zap"
)

// ErrResourceExhausted is returned when a reservation cannot be satisfied
var ErrResourceExhausted = errors.New("resource exhausted")

const (
	snapshotTTL       = 30 * time.Second
	snapshotKeyPrefix = "pool:"
)

// AllocationStore is the slice of the allocation repository the manager
// needs; satisfied by repository.AllocationRepository.
type AllocationStore interface {
	CreateAllocation(alloc *models.ResourceAllocation) error
	Activate(allocationIDs []string) error
	Release(allocationIDs []string) error
	ReleaseByExecution(execID string) error
	ExpireStale() ([]models.ResourceAllocation, error)
	SumReserved(resourceType models.ResourceType, resourceName string) (float64, error)
	GetAllocationsByExecution(execID string) ([]models.ResourceAllocation, error)
}

// UsageStore is the slice of the usage ledger the manager needs; satisfied
// by repository.UsageRepository.
type UsageStore interface {
	AppendUsage(usage *models.ResourceUsage) error
	SumUsageSince(resourceType models.ResourceType, resourceName string, since time.Time) (float64, error)
	SumCostByExecution(execID string) (float64, error)
}

// Manager is the single writer of allocation rows. All quota mutation goes
// through Reserve/Activate/Release; no component decrements pools directly.
type Manager struct {
	pools         map[string]models.ResourcePool
	allocations   AllocationStore
	usage         UsageStore
	cache         cache.Cache
	pricing       PricingTable
	allocationTTL time.Duration
	logger        *zap.Logger
}

// NewManager creates a resource manager over the configured pools
func NewManager(pools []models.ResourcePool, allocations AllocationStore, usage UsageStore, c cache.Cache, allocationTTL time.Duration, logger *zap.Logger) *Manager {
	index := make(map[string]models.ResourcePool, len(pools))
	for _, p := range pools {
		index[poolKey(p.Type, p.Name)] = p
	}
	return &Manager{
		pools:         index,
		allocations:   allocations,
		usage:         usage,
		cache:         c,
		pricing:       DefaultPricing(),
		allocationTTL: allocationTTL,
		logger:        logger,
	}
}

type poolSnapshot struct {
	Used     float64   `json:"used"`
	Reserved float64   `json:"reserved"`
	TakenAt  time.Time `json:"taken_at"`
}

// CheckAvailability reports whether a quantity can be reserved from a pool.
// available = limit − used(period) − currently reserved. Errors never grant
// access: on ambiguous state the answer is a denial with a reason.
func (m *Manager) CheckAvailability(ctx context.Context, resourceType models.ResourceType, resourceName string, quantity float64) (*models.Availability, error) {
	pool, ok := m.pools[poolKey(resourceType, resourceName)]
	if !ok {
		return &models.Availability{
			Available: false,
			Reason:    fmt.Sprintf("unknown resource pool %s/%s", resourceType, resourceName),
		}, nil
	}

	snap, err := m.snapshot(ctx, pool)
	if err != nil {
		m.logger.Warn("availability check failed",
			zap.String("pool", poolKey(resourceType, resourceName)),
			zap.Error(err),
		)
		return &models.Availability{
			Available: false,
			Reason:    "availability check failed: " + err.Error(),
		}, nil
	}

	remaining := pool.Limit - snap.Used - snap.Reserved
	if quantity > remaining {
		utilization := (snap.Used + snap.Reserved) / pool.Limit
		return &models.Availability{
			Available:  false,
			Reason:     fmt.Sprintf("pool %s/%s has %.2f %s remaining, %.2f requested", resourceType, resourceName, remaining, pool.Unit, quantity),
			WaitTimeMs: waitTimeFor(utilization).Milliseconds(),
		}, nil
	}

	return &models.Availability{Available: true}, nil
}

// Reserve allocates all requested resources or none. Any single failure
// rolls back every allocation made earlier in the same call, so a
// multi-resource stage never holds a partial lock.
func (m *Manager) Reserve(ctx context.Context, executionID string, requests []models.ResourceRequest) (*models.ReservationResult, error) {
	result := &models.ReservationResult{}
	var createdIDs []string

	for _, req := range requests {
		avail, err := m.CheckAvailability(ctx, req.ResourceType, req.ResourceName, req.Quantity)
		if err != nil || !avail.Available {
			reason := "availability check error"
			var waitMs int64
			if avail != nil {
				reason = avail.Reason
				waitMs = avail.WaitTimeMs
			}
			result.Failures = append(result.Failures, models.ReservationFailure{
				ResourceType: req.ResourceType,
				ResourceName: req.ResourceName,
				Reason:       reason,
				WaitTimeMs:   waitMs,
			})
			m.rollback(ctx, createdIDs)
			result.Success = false
			result.Allocations = nil
			return result, nil
		}

		alloc := &models.ResourceAllocation{
			ExecutionID:  executionID,
			ResourceType: req.ResourceType,
			ResourceName: req.ResourceName,
			Quantity:     req.Quantity,
			Status:       models.AllocationStatusReserved,
			ExpiresAt:    time.Now().Add(m.allocationTTL),
		}
		if err := m.allocations.CreateAllocation(alloc); err != nil {
			result.Failures = append(result.Failures, models.ReservationFailure{
				ResourceType: req.ResourceType,
				ResourceName: req.ResourceName,
				Reason:       "allocation write failed: " + err.Error(),
			})
			m.rollback(ctx, createdIDs)
			result.Success = false
			result.Allocations = nil
			return result, nil
		}

		createdIDs = append(createdIDs, alloc.ID)
		result.Allocations = append(result.Allocations, *alloc)
		m.invalidateSnapshot(ctx, req.ResourceType, req.ResourceName)
	}

	result.Success = true
	m.logger.Info("reserved resources",
		zap.String("execution_id", executionID),
		zap.Int("allocations", len(result.Allocations)),
	)
	return result, nil
}

// Activate marks reserved allocations as in-use. Idempotent.
func (m *Manager) Activate(allocationIDs []string) error {
	return m.allocations.Activate(allocationIDs)
}

// Release marks allocations released and invalidates availability snapshots.
// Releasing an already-released allocation is a no-op.
func (m *Manager) Release(ctx context.Context, allocationIDs []string) error {
	if err := m.allocations.Release(allocationIDs); err != nil {
		return err
	}
	m.invalidateAllSnapshots(ctx)
	return nil
}

// ReleaseExecution releases every live allocation held by an execution.
// Called on every executor exit path, so no allocation survives a terminal
// execution state.
func (m *Manager) ReleaseExecution(ctx context.Context, executionID string) error {
	if err := m.allocations.ReleaseByExecution(executionID); err != nil {
		return err
	}
	m.invalidateAllSnapshots(ctx)
	return nil
}

// RecordUsage appends immutable ledger rows for measured consumption and
// returns the total cost across the items.
func (m *Manager) RecordUsage(ctx context.Context, executionID, stageID string, items []models.UsageItem) (float64, error) {
	var totalCost float64
	var stageRef *string
	if stageID != "" {
		stageRef = &stageID
	}

	for _, item := range items {
		pool, ok := m.pools[poolKey(item.ResourceType, item.ResourceName)]
		costPerUnit := 0.0
		if ok {
			costPerUnit = pool.CostPerUnit
		}
		cost := m.pricing.Cost(item.ResourceType, item.Quantity, costPerUnit)

		row := &models.ResourceUsage{
			ResourceType: item.ResourceType,
			ResourceName: item.ResourceName,
			ExecutionID:  executionID,
			StageID:      stageRef,
			Quantity:     item.Quantity,
			Unit:         item.Unit,
			CostUSD:      cost,
		}
		if err := m.usage.AppendUsage(row); err != nil {
			return totalCost, fmt.Errorf("append usage row: %w", err)
		}
		totalCost += cost
		m.invalidateSnapshot(ctx, item.ResourceType, item.ResourceName)
	}

	return totalCost, nil
}

// ReapExpired sweeps live allocations past their expiry into expired state.
// Run periodically so a crash mid-stage cannot pin a pool forever.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	expired, err := m.allocations.ExpireStale()
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		m.invalidateAllSnapshots(ctx)
		for _, a := range expired {
			m.logger.Warn("allocation expired without release",
				zap.String("allocation_id", a.ID),
				zap.String("execution_id", a.ExecutionID),
				zap.String("pool", poolKey(a.ResourceType, a.ResourceName)),
			)
		}
	}
	return len(expired), nil
}

// snapshot returns the current usage/reservation totals for a pool, served
// from the cache when fresh. Cache loss degrades to direct computation.
func (m *Manager) snapshot(ctx context.Context, pool models.ResourcePool) (*poolSnapshot, error) {
	key := snapshotKeyPrefix + poolKey(pool.Type, pool.Name)

	if data, err := m.cache.Get(ctx, key); err == nil {
		var snap poolSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	used, err := m.usage.SumUsageSince(pool.Type, pool.Name, periodStart(pool.ResetPeriod, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("sum usage: %w", err)
	}
	reserved, err := m.allocations.SumReserved(pool.Type, pool.Name)
	if err != nil {
		return nil, fmt.Errorf("sum reserved: %w", err)
	}

	snap := &poolSnapshot{Used: used, Reserved: reserved, TakenAt: time.Now()}
	if data, err := json.Marshal(snap); err == nil {
		if err := m.cache.Set(ctx, key, data, snapshotTTL); err != nil {
			m.logger.Debug("snapshot cache write failed", zap.Error(err))
		}
	}
	return snap, nil
}

func (m *Manager) invalidateSnapshot(ctx context.Context, resourceType models.ResourceType, resourceName string) {
	key := snapshotKeyPrefix + poolKey(resourceType, resourceName)
	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.Debug("snapshot invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) invalidateAllSnapshots(ctx context.Context) {
	for key := range m.pools {
		if err := m.cache.Delete(ctx, snapshotKeyPrefix+key); err != nil {
			m.logger.Debug("snapshot invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// rollback releases partially-created allocations from a failed reserve call
func (m *Manager) rollback(ctx context.Context, allocationIDs []string) {
	if len(allocationIDs) == 0 {
		return
	}
	if err := m.Release(ctx, allocationIDs); err != nil {
		m.logger.Error("reservation rollback failed",
			zap.Strings("allocation_ids", allocationIDs),
			zap.Error(err),
		)
	}
}

// Utilization reports the consumed-plus-reserved fraction of every pool,
// keyed by type/name. Pools whose state cannot be read are omitted.
func (m *Manager) Utilization(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, len(m.pools))
	for key, pool := range m.pools {
		if pool.Limit <= 0 {
			continue
		}
		snap, err := m.snapshot(ctx, pool)
		if err != nil {
			continue
		}
		out[key] = (snap.Used + snap.Reserved) / pool.Limit
	}
	return out
}

// waitTimeFor is a step function of pool utilization informing callers
// whether to retry immediately or back off.
func waitTimeFor(utilization float64) time.Duration {
	switch {
	case utilization < 0.5:
		return 0
	case utilization < 0.75:
		return time.Minute
	case utilization < 0.9:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// periodStart returns the beginning of the pool's current reset window
func periodStart(period models.ResetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.ResetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func poolKey(resourceType models.ResourceType, resourceName string) string {
	return string(resourceType) + "/" + resourceName
}
