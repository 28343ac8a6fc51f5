package resource_manager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pipeline-orchestrator/core/cache"
	"pipeline-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAllocationStore struct {
	allocations map[string]*models.ResourceAllocation
	nextID      int
	failOn      string // pool key whose CreateAllocation fails
	released    []string
}

func newFakeAllocationStore() *fakeAllocationStore {
	return &fakeAllocationStore{allocations: make(map[string]*models.ResourceAllocation)}
}

func (s *fakeAllocationStore) CreateAllocation(alloc *models.ResourceAllocation) error {
	if s.failOn != "" && s.failOn == string(alloc.ResourceType)+"/"+alloc.ResourceName {
		return fmt.Errorf("insert failed")
	}
	s.nextID++
	alloc.ID = fmt.Sprintf("alloc-%d", s.nextID)
	alloc.CreatedAt = time.Now()
	copied := *alloc
	s.allocations[alloc.ID] = &copied
	return nil
}

func (s *fakeAllocationStore) Activate(allocationIDs []string) error {
	for _, id := range allocationIDs {
		if a, ok := s.allocations[id]; ok && a.Status == models.AllocationStatusReserved {
			a.Status = models.AllocationStatusActive
		}
	}
	return nil
}

func (s *fakeAllocationStore) Release(allocationIDs []string) error {
	for _, id := range allocationIDs {
		a, ok := s.allocations[id]
		if !ok {
			continue
		}
		if a.Status == models.AllocationStatusReserved || a.Status == models.AllocationStatusActive {
			a.Status = models.AllocationStatusReleased
			now := time.Now()
			a.ReleasedAt = &now
			s.released = append(s.released, id)
		}
	}
	return nil
}

func (s *fakeAllocationStore) ReleaseByExecution(execID string) error {
	var ids []string
	for id, a := range s.allocations {
		if a.ExecutionID == execID {
			ids = append(ids, id)
		}
	}
	return s.Release(ids)
}

func (s *fakeAllocationStore) ExpireStale() ([]models.ResourceAllocation, error) {
	var expired []models.ResourceAllocation
	now := time.Now()
	for _, a := range s.allocations {
		if (a.Status == models.AllocationStatusReserved || a.Status == models.AllocationStatusActive) && a.ExpiresAt.Before(now) {
			a.Status = models.AllocationStatusExpired
			expired = append(expired, *a)
		}
	}
	return expired, nil
}

func (s *fakeAllocationStore) SumReserved(resourceType models.ResourceType, resourceName string) (float64, error) {
	var total float64
	for _, a := range s.allocations {
		if a.ResourceType == resourceType && a.ResourceName == resourceName &&
			(a.Status == models.AllocationStatusReserved || a.Status == models.AllocationStatusActive) {
			total += a.Quantity
		}
	}
	return total, nil
}

func (s *fakeAllocationStore) GetAllocationsByExecution(execID string) ([]models.ResourceAllocation, error) {
	var out []models.ResourceAllocation
	for _, a := range s.allocations {
		if a.ExecutionID == execID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeAllocationStore) liveCount() int {
	n := 0
	for _, a := range s.allocations {
		if a.Status == models.AllocationStatusReserved || a.Status == models.AllocationStatusActive {
			n++
		}
	}
	return n
}

type fakeUsageStore struct {
	rows []models.ResourceUsage
}

func (s *fakeUsageStore) AppendUsage(usage *models.ResourceUsage) error {
	usage.ID = int64(len(s.rows) + 1)
	usage.RecordedAt = time.Now()
	s.rows = append(s.rows, *usage)
	return nil
}

func (s *fakeUsageStore) SumUsageSince(resourceType models.ResourceType, resourceName string, since time.Time) (float64, error) {
	var total float64
	for _, r := range s.rows {
		if r.ResourceType == resourceType && r.ResourceName == resourceName && !r.RecordedAt.Before(since) {
			total += r.Quantity
		}
	}
	return total, nil
}

func (s *fakeUsageStore) SumCostByExecution(execID string) (float64, error) {
	var total float64
	for _, r := range s.rows {
		if r.ExecutionID == execID {
			total += r.CostUSD
		}
	}
	return total, nil
}

func testPools() []models.ResourcePool {
	return []models.ResourcePool{
		{Type: models.ResourceTypeAPITokens, Name: "openai", Limit: 100000, Unit: "tokens", ResetPeriod: models.ResetDaily, CostPerUnit: 0.002},
		{Type: models.ResourceTypeStorage, Name: "blob", Limit: 10 * 1024 * 1024 * 1024, Unit: "bytes", ResetPeriod: models.ResetMonthly, CostPerUnit: 0.02},
		{Type: models.ResourceTypeCompute, Name: "workers", Limit: 3600000, Unit: "ms", ResetPeriod: models.ResetDaily, CostPerUnit: 0.0001},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeAllocationStore, *fakeUsageStore) {
	t.Helper()
	allocs := newFakeAllocationStore()
	usage := &fakeUsageStore{}
	mgr := NewManager(testPools(), allocs, usage, cache.NewMemoryCache(), time.Hour, zap.NewNop())
	return mgr, allocs, usage
}

func TestReserveAllOrNothing(t *testing.T) {
	mgr, allocs, _ := newTestManager(t)
	ctx := context.Background()

	// Second request exceeds its pool limit, so the whole reservation
	// must fail and the first allocation must be rolled back.
	result, err := mgr.Reserve(ctx, "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 5000},
		{ResourceType: models.ResourceTypeCompute, ResourceName: "workers", Quantity: 99999999},
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Empty(t, result.Allocations)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, models.ResourceTypeCompute, result.Failures[0].ResourceType)

	assert.Equal(t, 0, allocs.liveCount(), "partial allocation must not survive a failed reserve")
}

func TestReserveSuccess(t *testing.T) {
	mgr, allocs, _ := newTestManager(t)
	ctx := context.Background()

	result, err := mgr.Reserve(ctx, "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 5000},
		{ResourceType: models.ResourceTypeCompute, ResourceName: "workers", Quantity: 60000},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Allocations, 2)
	assert.Empty(t, result.Failures)
	assert.Equal(t, 2, allocs.liveCount())

	for _, a := range result.Allocations {
		assert.Equal(t, models.AllocationStatusReserved, a.Status)
		assert.NotEmpty(t, a.ID)
	}
}

func TestReserveUnknownPool(t *testing.T) {
	mgr, allocs, _ := newTestManager(t)

	result, err := mgr.Reserve(context.Background(), "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "nonexistent", Quantity: 10},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, result.Failures, 1)
	assert.Equal(t, 0, allocs.liveCount())
}

func TestReserveRollsBackOnWriteFailure(t *testing.T) {
	mgr, allocs, _ := newTestManager(t)
	allocs.failOn = "compute/workers"

	result, err := mgr.Reserve(context.Background(), "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 100},
		{ResourceType: models.ResourceTypeCompute, ResourceName: "workers", Quantity: 100},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 0, allocs.liveCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr, allocs, _ := newTestManager(t)
	ctx := context.Background()

	result, err := mgr.Reserve(ctx, "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 100},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	id := result.Allocations[0].ID

	require.NoError(t, mgr.Release(ctx, []string{id}))
	require.NoError(t, mgr.Release(ctx, []string{id}))

	// Only one release transition recorded despite two calls.
	assert.Equal(t, []string{id}, allocs.released)
	assert.Equal(t, 0, allocs.liveCount())
}

func TestReleaseExecutionClosesAllAllocations(t *testing.T) {
	mgr, allocs, _ := newTestManager(t)
	ctx := context.Background()

	result, err := mgr.Reserve(ctx, "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 100},
		{ResourceType: models.ResourceTypeCompute, ResourceName: "workers", Quantity: 100},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	ids := []string{result.Allocations[0].ID, result.Allocations[1].ID}
	require.NoError(t, mgr.Activate(ids))
	require.NoError(t, mgr.ReleaseExecution(ctx, "exec-1"))

	assert.Equal(t, 0, allocs.liveCount())
}

func TestCheckAvailabilityAccountsForReservedAndUsed(t *testing.T) {
	mgr, _, usage := newTestManager(t)
	ctx := context.Background()

	// 40k used this period, 30k reserved: 30k remaining of the 100k limit.
	require.NoError(t, usage.AppendUsage(&models.ResourceUsage{
		ResourceType: models.ResourceTypeAPITokens,
		ResourceName: "openai",
		ExecutionID:  "exec-prev",
		Quantity:     40000,
	}))
	result, err := mgr.Reserve(ctx, "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 30000},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	avail, err := mgr.CheckAvailability(ctx, models.ResourceTypeAPITokens, "openai", 30000)
	require.NoError(t, err)
	assert.True(t, avail.Available)

	avail, err = mgr.CheckAvailability(ctx, models.ResourceTypeAPITokens, "openai", 30001)
	require.NoError(t, err)
	assert.False(t, avail.Available)
	assert.NotEmpty(t, avail.Reason)
	// 70% utilized: callers should back off one minute.
	assert.Equal(t, time.Minute.Milliseconds(), avail.WaitTimeMs)
}

func TestWaitTimeSteps(t *testing.T) {
	assert.Equal(t, time.Duration(0), waitTimeFor(0.3))
	assert.Equal(t, time.Minute, waitTimeFor(0.6))
	assert.Equal(t, 5*time.Minute, waitTimeFor(0.8))
	assert.Equal(t, 15*time.Minute, waitTimeFor(0.95))
}

func TestRecordUsagePricing(t *testing.T) {
	mgr, _, usage := newTestManager(t)
	ctx := context.Background()

	cost, err := mgr.RecordUsage(ctx, "exec-1", "stage-1", []models.UsageItem{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 2500, Unit: "tokens"},
		{ResourceType: models.ResourceTypeCompute, ResourceName: "workers", Quantity: 45000, Unit: "ms"},
	})
	require.NoError(t, err)

	// 2500 tokens at $0.002/1K = $0.005; 45s at $0.0001/s = $0.0045.
	assert.InDelta(t, 0.0095, cost, 1e-9)
	require.Len(t, usage.rows, 2)
	assert.InDelta(t, 0.005, usage.rows[0].CostUSD, 1e-9)
	assert.InDelta(t, 0.0045, usage.rows[1].CostUSD, 1e-9)

	total, err := usage.SumCostByExecution("exec-1")
	require.NoError(t, err)
	assert.InDelta(t, cost, total, 1e-9)
}

func TestPricingTableCanonicalUnits(t *testing.T) {
	pricing := DefaultPricing()

	gb := float64(1024 * 1024 * 1024)
	assert.InDelta(t, 0.02, pricing.Cost(models.ResourceTypeStorage, gb, 0.02), 1e-9)
	assert.InDelta(t, 0.004, pricing.Cost(models.ResourceTypeAPITokens, 2000, 0.002), 1e-9)
	assert.InDelta(t, 0.01, pricing.Cost(models.ResourceTypeCompute, 10000, 0.001), 1e-9)

	// Unknown types price linearly.
	assert.InDelta(t, 15.0, pricing.Cost(models.ResourceType("custom"), 3, 5), 1e-9)
}

func TestReapExpired(t *testing.T) {
	allocs := newFakeAllocationStore()
	usage := &fakeUsageStore{}
	// TTL already in the past so reserved rows expire immediately.
	mgr := NewManager(testPools(), allocs, usage, cache.NewMemoryCache(), -time.Minute, zap.NewNop())
	ctx := context.Background()

	result, err := mgr.Reserve(ctx, "exec-1", []models.ResourceRequest{
		{ResourceType: models.ResourceTypeAPITokens, ResourceName: "openai", Quantity: 100},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	n, err := mgr.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, allocs.liveCount())
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2025, 6, 15, 13, 45, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), periodStart(models.ResetDaily, now))
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), periodStart(models.ResetMonthly, now))
}
