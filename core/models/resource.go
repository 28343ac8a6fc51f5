package models

import "time"

// ResourceType classifies a finite resource pool
type ResourceType string

const (
	ResourceTypeAPITokens ResourceType = "api_tokens"
	ResourceTypeStorage   ResourceType = "storage"
	ResourceTypeCompute   ResourceType = "compute"
)

// ResetPeriod is the window after which pool usage resets
type ResetPeriod string

const (
	ResetDaily   ResetPeriod = "daily"
	ResetMonthly ResetPeriod = "monthly"
)

// ResourcePool is a configured finite resource with a usage limit per period
type ResourcePool struct {
	Type        ResourceType
	Name        string
	Limit       float64
	Unit        string
	ResetPeriod ResetPeriod
	CostPerUnit float64
}

// AllocationStatus represents the lifecycle state of a reservation
type AllocationStatus string

const (
	AllocationStatusReserved AllocationStatus = "reserved"
	AllocationStatusActive   AllocationStatus = "active"
	AllocationStatusReleased AllocationStatus = "released"
	AllocationStatusExpired  AllocationStatus = "expired"
)

// ResourceAllocation is a reservation against a pool for one execution
type ResourceAllocation struct {
	ID           string
	ExecutionID  string
	ResourceType ResourceType
	ResourceName string
	Quantity     float64
	Status       AllocationStatus
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ReleasedAt   *time.Time
}

// ResourceRequest asks for a quantity of one pool
type ResourceRequest struct {
	ResourceType ResourceType
	ResourceName string
	Quantity     float64
}

// Availability is the answer to an availability check
type Availability struct {
	Available  bool
	Reason     string
	WaitTimeMs int64
}

// ReservationResult reports an all-or-nothing reserve call
type ReservationResult struct {
	Success     bool
	Allocations []ResourceAllocation
	Failures    []ReservationFailure
}

// ReservationFailure names the pool that could not be reserved
type ReservationFailure struct {
	ResourceType ResourceType
	ResourceName string
	Reason       string
	WaitTimeMs   int64
}

// UsageItem is one measured consumption a worker or stage reports
type UsageItem struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceName string       `json:"resource_name"`
	Quantity     float64      `json:"quantity"`
	Unit         string       `json:"unit"`
}

// ResourceUsage is an immutable usage-ledger row
type ResourceUsage struct {
	ID           int64
	ResourceType ResourceType
	ResourceName string
	ExecutionID  string
	StageID      *string
	Quantity     float64
	Unit         string
	CostUSD      float64
	RecordedAt   time.Time
}
