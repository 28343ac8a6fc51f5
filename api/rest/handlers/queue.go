package handlers

import (
	"encoding/json"
	"net/http"

	"pipeline-orchestrator/core/coordinator"
	"pipeline-orchestrator/core/models"
	"pipeline-orchestrator/core/queue"
	"pipeline-orchestrator/core/resource_manager"

	"github.com/gorilla/mux"
)

// QueueHandler handles queue and operational HTTP requests
type QueueHandler struct {
	queueMgr    *queue.Manager
	resourceMgr *resource_manager.Manager
	coord       *coordinator.Coordinator
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(queueMgr *queue.Manager, resourceMgr *resource_manager.Manager, coord *coordinator.Coordinator) *QueueHandler {
	return &QueueHandler{
		queueMgr:    queueMgr,
		resourceMgr: resourceMgr,
		coord:       coord,
	}
}

// GetStats handles GET /v1/queue/stats
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queueMgr.GetQueueStats()
	if err != nil {
		http.Error(w, "Failed to get queue stats: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// AdjustPriorityRequest represents the request to change a queue item's priority
type AdjustPriorityRequest struct {
	Priority string `json:"priority"`
}

// AdjustPriority handles POST /v1/queue/{id}/priority
func (h *QueueHandler) AdjustPriority(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	itemID := vars["id"]

	var req AdjustPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	priority := models.Priority(req.Priority)
	switch priority {
	case models.PriorityCritical, models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
	default:
		http.Error(w, "Invalid priority: "+req.Priority, http.StatusBadRequest)
		return
	}

	if err := h.queueMgr.AdjustPriority(itemID, priority); err != nil {
		http.Error(w, "Failed to adjust priority: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":             itemID,
		"priority":       priority,
		"priority_score": priority.Score(),
	})
}

// GetWaitTime handles GET /v1/queue/{id}/wait
func (h *QueueHandler) GetWaitTime(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	itemID := vars["id"]

	wait, err := h.queueMgr.EstimateWaitTime(itemID)
	if err != nil {
		http.Error(w, "Queue item not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":                itemID,
		"estimated_wait_ms": wait.Milliseconds(),
	})
}

// ReprocessFailedRequest represents the request to re-queue failed executions
type ReprocessFailedRequest struct {
	Limit int `json:"limit"`
}

// ReprocessFailed handles POST /v1/queue/reprocess-failed
func (h *QueueHandler) ReprocessFailed(w http.ResponseWriter, r *http.Request) {
	var req ReprocessFailedRequest
	if r.Body != nil {
		// Body is optional; an empty body means the default limit.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	n, err := h.queueMgr.ReprocessFailed(r.Context(), req.Limit)
	if err != nil {
		http.Error(w, "Failed to reprocess: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"requeued": n,
	})
}

// GetWorkers handles GET /v1/workers
func (h *QueueHandler) GetWorkers(w http.ResponseWriter, r *http.Request) {
	names := h.coord.WorkerNames()
	workers := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		status, err := h.coord.GetWorkerStatus(r.Context(), name)
		if err != nil {
			continue
		}
		workers = append(workers, map[string]interface{}{
			"name":              name,
			"health":            status.Health,
			"active_executions": status.ActiveExecutions,
			"max_concurrent":    status.MaxConcurrent,
			"capabilities":      status.Capabilities,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workers": workers,
	})
}

// GetPools handles GET /v1/resources/pools
func (h *QueueHandler) GetPools(w http.ResponseWriter, r *http.Request) {
	util := h.resourceMgr.Utilization(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pools": util,
	})
}

// Health handles GET /health
func (h *QueueHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
