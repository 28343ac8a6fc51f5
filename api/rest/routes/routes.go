package routes

import (
	"pipeline-orchestrator/api/rest/handlers"
	"pipeline-orchestrator/core/cache"
	"pipeline-orchestrator/core/coordinator"
	"pipeline-orchestrator/core/queue"
	"pipeline-orchestrator/core/repository"
	"pipeline-orchestrator/core/resource_manager"
	"pipeline-orchestrator/core/templates"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes
func SetupRoutes(
	r *mux.Router,
	db *repository.DB,
	queueMgr *queue.Manager,
	resourceMgr *resource_manager.Manager,
	coord *coordinator.Coordinator,
	catalog templates.Catalog,
	c cache.Cache,
	registry *prometheus.Registry,
) {
	execRepo := repository.NewExecutionRepository(db)
	stageRepo := repository.NewStageRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	deliverableRepo := repository.NewDeliverableRepository(db)

	pipelineHandler := handlers.NewPipelineHandler(execRepo, stageRepo, queueRepo, deliverableRepo, queueMgr, catalog, c)
	queueHandler := handlers.NewQueueHandler(queueMgr, resourceMgr, coord)

	api := r.PathPrefix("/v1").Subrouter()

	// Pipeline endpoints
	api.HandleFunc("/pipelines", pipelineHandler.SubmitPipeline).Methods("POST")
	api.HandleFunc("/pipelines", pipelineHandler.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/{id}", pipelineHandler.GetPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{id}/progress", pipelineHandler.GetProgress).Methods("GET")
	api.HandleFunc("/pipelines/{id}/cancel", pipelineHandler.CancelPipeline).Methods("POST")
	api.HandleFunc("/pipelines/{id}/events", pipelineHandler.GetEvents).Methods("GET")
	api.HandleFunc("/pipelines/{id}/deliverable", pipelineHandler.GetDeliverable).Methods("GET")

	// Queue endpoints
	api.HandleFunc("/queue/stats", queueHandler.GetStats).Methods("GET")
	api.HandleFunc("/queue/reprocess-failed", queueHandler.ReprocessFailed).Methods("POST")
	api.HandleFunc("/queue/{id}/priority", queueHandler.AdjustPriority).Methods("POST")
	api.HandleFunc("/queue/{id}/wait", queueHandler.GetWaitTime).Methods("GET")

	// Operational endpoints
	api.HandleFunc("/workers", queueHandler.GetWorkers).Methods("GET")
	api.HandleFunc("/resources/pools", queueHandler.GetPools).Methods("GET")

	r.HandleFunc("/health", queueHandler.Health).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
