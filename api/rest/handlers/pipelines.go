package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"pipeline-orchestrator/core/cache"
	"pipeline-orchestrator/core/executor"
	"pipeline-orchestrator/core/models"
	"pipeline-orchestrator/core/queue"
	"pipeline-orchestrator/core/repository"
	"pipeline-orchestrator/core/templates"

	"github.com/gorilla/mux"
)

// PipelineHandler handles pipeline-related HTTP requests
type PipelineHandler struct {
	execRepo        *repository.ExecutionRepository
	stageRepo       *repository.StageRepository
	queueRepo       *repository.QueueRepository
	deliverableRepo *repository.DeliverableRepository
	queueMgr        *queue.Manager
	catalog         templates.Catalog
	cache           cache.Cache
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(
	execRepo *repository.ExecutionRepository,
	stageRepo *repository.StageRepository,
	queueRepo *repository.QueueRepository,
	deliverableRepo *repository.DeliverableRepository,
	queueMgr *queue.Manager,
	catalog templates.Catalog,
	c cache.Cache,
) *PipelineHandler {
	return &PipelineHandler{
		execRepo:        execRepo,
		stageRepo:       stageRepo,
		queueRepo:       queueRepo,
		deliverableRepo: deliverableRepo,
		queueMgr:        queueMgr,
		catalog:         catalog,
		cache:           c,
	}
}

// SubmitPipelineRequest represents the request to submit a pipeline execution
type SubmitPipelineRequest struct {
	ClientID     string                 `json:"client_id"`
	TemplateName string                 `json:"template_name"`
	Parameters   map[string]interface{} `json:"parameters"`
	Priority     string                 `json:"priority"`
	Dependencies []string               `json:"dependencies"`
}

// SubmitPipelineResponse represents the response after submitting a pipeline
type SubmitPipelineResponse struct {
	ID          string    `json:"id"`
	QueueItemID string    `json:"queue_item_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubmitPipeline handles POST /v1/pipelines
func (h *PipelineHandler) SubmitPipeline(w http.ResponseWriter, r *http.Request) {
	var req SubmitPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" || req.TemplateName == "" {
		http.Error(w, "client_id and template_name are required", http.StatusBadRequest)
		return
	}

	tmpl, err := h.catalog.GetTemplate(r.Context(), req.TemplateName)
	if err != nil {
		if errors.Is(err, templates.ErrTemplateInvalid) {
			http.Error(w, "Unknown or invalid template: "+req.TemplateName, http.StatusBadRequest)
			return
		}
		http.Error(w, "Template catalog unavailable: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := templates.Validate(tmpl); err != nil {
		http.Error(w, "Invalid template: "+err.Error(), http.StatusBadRequest)
		return
	}

	priority := models.Priority(req.Priority)
	switch priority {
	case models.PriorityCritical, models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
	case "":
		priority = models.PriorityNormal
	default:
		http.Error(w, "Invalid priority: "+req.Priority, http.StatusBadRequest)
		return
	}

	exec := &models.PipelineExecution{
		ClientID:     req.ClientID,
		TemplateName: req.TemplateName,
		Parameters:   req.Parameters,
		Priority:     priority,
	}
	if err := h.execRepo.CreateExecution(exec); err != nil {
		http.Error(w, "Failed to create execution: "+err.Error(), http.StatusInternalServerError)
		return
	}

	item, err := h.queueMgr.Enqueue(r.Context(), exec.ID, priority, req.Dependencies)
	if err != nil {
		http.Error(w, "Failed to enqueue execution: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := SubmitPipelineResponse{
		ID:          exec.ID,
		QueueItemID: item.ID,
		Status:      string(models.ExecutionStatusQueued),
		CreatedAt:   exec.CreatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// GetPipeline handles GET /v1/pipelines/{id}
func (h *PipelineHandler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	execID := vars["id"]

	exec, err := h.execRepo.GetExecution(execID)
	if err != nil {
		http.Error(w, "Execution not found", http.StatusNotFound)
		return
	}

	stages, _ := h.stageRepo.GetStagesByExecution(execID)
	deliverables, _ := h.deliverableRepo.GetDeliverablesByExecution(execID)

	response := map[string]interface{}{
		"id":            exec.ID,
		"client_id":     exec.ClientID,
		"template_name": exec.TemplateName,
		"status":        exec.Status,
		"priority":      exec.Priority,
		"created_at":    exec.CreatedAt,
		"started_at":    exec.StartedAt,
		"completed_at":  exec.CompletedAt,
		"stages":        stages,
		"deliverables":  deliverables,
		"cost": map[string]interface{}{
			"total_usd": exec.TotalCostUSD,
		},
		"total_time_ms": exec.TotalTimeMs,
	}
	if exec.ErrorMessage != nil {
		response["error_message"] = *exec.ErrorMessage
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ListPipelines handles GET /v1/pipelines
func (h *PipelineHandler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")

	var status *models.ExecutionStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := models.ExecutionStatus(s)
		status = &st
	}

	execs, err := h.execRepo.ListExecutions(clientID, status, 100)
	if err != nil {
		http.Error(w, "Failed to list executions: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// GetProgress handles GET /v1/pipelines/{id}/progress
func (h *PipelineHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	execID := vars["id"]

	snap, err := executor.GetProgress(r.Context(), h.cache, execID)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
		return
	}
	if !errors.Is(err, cache.ErrMiss) {
		http.Error(w, "Failed to read progress: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// No live snapshot; fall back to the durable stage rows.
	exec, err := h.execRepo.GetExecution(execID)
	if err != nil {
		http.Error(w, "Execution not found", http.StatusNotFound)
		return
	}
	stages, _ := h.stageRepo.GetStagesByExecution(execID)
	completed := 0
	current := ""
	for _, st := range stages {
		switch st.Status {
		case models.StageStatusCompleted, models.StageStatusSkipped:
			completed++
		case models.StageStatusRunning:
			current = st.WorkerName + "/" + st.Action
		}
	}
	percent := 0.0
	if len(stages) > 0 {
		percent = float64(completed) / float64(len(stages)) * 100
	}
	if exec.Status.Terminal() && exec.Status == models.ExecutionStatusCompleted {
		percent = 100
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(executor.ProgressSnapshot{
		ExecutionID:     execID,
		CurrentStage:    current,
		StagesCompleted: completed,
		StagesTotal:     len(stages),
		Percent:         percent,
		UpdatedAt:       time.Now().Unix(),
	})
}

// CancelPipeline handles POST /v1/pipelines/{id}/cancel
func (h *PipelineHandler) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	execID := vars["id"]

	exec, err := h.execRepo.GetExecution(execID)
	if err != nil {
		http.Error(w, "Execution not found", http.StatusNotFound)
		return
	}
	if exec.Status.Terminal() {
		http.Error(w, "Execution already finished", http.StatusConflict)
		return
	}

	if exec.Status == models.ExecutionStatusRunning {
		if !h.queueMgr.CancelRunning(execID) {
			http.Error(w, "Execution is not cancellable", http.StatusConflict)
			return
		}
	} else {
		item, err := h.queueRepo.GetItemByExecution(execID)
		if err != nil {
			http.Error(w, "Queue item not found", http.StatusNotFound)
			return
		}
		if err := h.queueMgr.CancelQueued(item.ID); err != nil {
			if errors.Is(err, queue.ErrNotCancellable) {
				http.Error(w, "Execution is not cancellable", http.StatusConflict)
				return
			}
			http.Error(w, "Failed to cancel: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":     execID,
		"status": "cancelling",
	})
}

// GetEvents handles GET /v1/pipelines/{id}/events
func (h *PipelineHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	execID := vars["id"]

	events, err := h.execRepo.GetEvents(execID)
	if err != nil {
		http.Error(w, "Failed to get events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"execution_id": execID,
		"events":       events,
	})
}

// GetDeliverable handles GET /v1/pipelines/{id}/deliverable
func (h *PipelineHandler) GetDeliverable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	execID := vars["id"]

	d, err := h.deliverableRepo.GetLatestDeliverable(execID)
	if err != nil {
		http.Error(w, "Deliverable not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d)
}
