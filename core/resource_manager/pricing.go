package resource_manager

import "pipeline-orchestrator/core/models"

// PricingFunc converts a raw measured quantity into cost, given the pool's
// configured cost-per-unit.
type PricingFunc func(quantity, costPerUnit float64) float64

// PricingTable maps resource types to pricing functions
type PricingTable map[models.ResourceType]PricingFunc

// Canonical units: API quantities are tokens priced per 1K tokens, storage
// quantities are bytes priced per GB, compute quantities are milliseconds
// priced per second. All conversion happens here and nowhere else.
const bytesPerGB = 1024 * 1024 * 1024

// DefaultPricing returns the standard pricing table
func DefaultPricing() PricingTable {
	return PricingTable{
		models.ResourceTypeAPITokens: func(tokens, perThousand float64) float64 {
			return tokens / 1000 * perThousand
		},
		models.ResourceTypeStorage: func(bytes, perGB float64) float64 {
			return bytes / bytesPerGB * perGB
		},
		models.ResourceTypeCompute: func(ms, perSecond float64) float64 {
			return ms / 1000 * perSecond
		},
	}
}

// Cost prices a quantity for a resource type. Unknown types price linearly.
func (t PricingTable) Cost(resourceType models.ResourceType, quantity, costPerUnit float64) float64 {
	if fn, ok := t[resourceType]; ok {
		return fn(quantity, costPerUnit)
	}
	return quantity * costPerUnit
}
