package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"pipeline-orchestrator/core/cache"
	"pipeline-orchestrator/core/coordinator"
	"pipeline-orchestrator/core/models"
	"pipeline-orchestrator/core/templates"

	"go.uber.org/zap"
)

// ResourceManager is the slice of the resource manager the executor needs
type ResourceManager interface {
	Reserve(ctx context.Context, executionID string, requests []models.ResourceRequest) (*models.ReservationResult, error)
	Activate(allocationIDs []string) error
	ReleaseExecution(ctx context.Context, executionID string) error
	RecordUsage(ctx context.Context, executionID, stageID string, items []models.UsageItem) (float64, error)
}

// WorkerGate is the slice of the worker coordinator the executor needs
type WorkerGate interface {
	CanWorkerAcceptTask(ctx context.Context, name string) (bool, error)
	InvokeWorker(ctx context.Context, req coordinator.InvocationRequest) (*models.ProcessResult, error)
	RecordWorkerMetrics(name string, executionTimeMs int64, success bool, costUSD float64)
}

// BlobStore is the slice of the storage manager the executor needs
type BlobStore interface {
	StoreData(ctx context.Context, executionID, stageID string, data []byte, contentType string) (*models.DataReference, error)
	RetrieveData(ctx context.Context, ref *models.DataReference) ([]byte, error)
	StoreDeliverable(ctx context.Context, executionID, name string, data []byte, deliverableType string) (*models.DeliverableRecord, error)
}

// ExecutionStore persists execution state transitions; satisfied by
// repository.ExecutionRepository.
type ExecutionStore interface {
	UpdateStatus(execID string, fromStatus, toStatus models.ExecutionStatus, reason string, meta map[string]interface{}) error
	FinishExecution(execID string, status models.ExecutionStatus, totalCostUSD float64, totalTimeMs int64, errorMessage string) error
	SaveCheckpoint(execID string, checkpoint map[string]interface{}) error
}

// StageStore persists stage records; satisfied by repository.StageRepository.
type StageStore interface {
	CreateStage(stage *models.StageExecution) error
	MarkRunning(stageID string, inputRef *models.DataReference) error
	MarkCompleted(stageID string, outputRef *models.DataReference, summary *models.StageSummary, costUSD float64, timeMs int64) error
	MarkFailed(stageID string, errorMessage string, timeMs int64) error
	MarkSkipped(stageID string) error
	CreateRetryAttempt(attempt *models.RetryAttempt) error
}

// Executor drives a single pipeline execution through its stage state
// machine. It is the error boundary for the execution: every exit path
// releases resources and persists a terminal state.
type Executor struct {
	resources  ResourceManager
	workers    WorkerGate
	storage    BlobStore
	catalog    templates.Catalog
	executions ExecutionStore
	stages     StageStore
	progress   *progressPublisher
	logger     *zap.Logger
}

// NewExecutor creates a pipeline executor
func NewExecutor(
	resources ResourceManager,
	workers WorkerGate,
	storage BlobStore,
	catalog templates.Catalog,
	executions ExecutionStore,
	stages StageStore,
	progressCache cache.Cache,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		resources:  resources,
		workers:    workers,
		storage:    storage,
		catalog:    catalog,
		executions: executions,
		stages:     stages,
		progress:   &progressPublisher{cache: progressCache, logger: logger},
		logger:     logger,
	}
}

// stageOutcome is the sum type of a stage attempt: continue with output,
// halt the pipeline early, or fail with an error.
type stageOutcome struct {
	kind    outcomeKind
	output  []byte
	summary *models.StageSummary
	err     error
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeHalt
	outcomeFail
)

// Execute runs one pipeline execution to a terminal state. The returned
// result always reflects the persisted final state; the result is named so
// the panic-recovery path below returns the failed result too.
func (e *Executor) Execute(ctx context.Context, exec *models.PipelineExecution) (result *models.ExecutionResult) {
	log := e.logger.With(
		zap.String("execution_id", exec.ID),
		zap.String("template", exec.TemplateName),
	)
	started := time.Now()

	result = &models.ExecutionResult{ExecutionID: exec.ID}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// Release must not be bound to a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.resources.ReleaseExecution(releaseCtx, exec.ID); err != nil {
			log.Error("failed to release allocations", zap.Error(err))
		}
	}

	fail := func(msg string, failedStage string) *models.ExecutionResult {
		release()
		result.Status = models.ExecutionStatusFailed
		result.ErrorMessage = msg
		result.FailedStage = failedStage
		result.TotalTimeMs = time.Since(started).Milliseconds()
		if err := e.executions.FinishExecution(exec.ID, models.ExecutionStatusFailed, result.TotalCostUSD, result.TotalTimeMs, msg); err != nil {
			log.Error("failed to persist terminal state", zap.Error(err))
		}
		log.Warn("execution failed", zap.String("reason", msg), zap.String("stage", failedStage))
		return result
	}

	cancelled := func() *models.ExecutionResult {
		release()
		result.Status = models.ExecutionStatusCancelled
		result.TotalTimeMs = time.Since(started).Milliseconds()
		if err := e.executions.FinishExecution(exec.ID, models.ExecutionStatusCancelled, result.TotalCostUSD, result.TotalTimeMs, "cancelled"); err != nil {
			log.Error("failed to persist cancelled state", zap.Error(err))
		}
		log.Info("execution cancelled", zap.Int("stages_completed", result.StagesCompleted))
		return result
	}

	// The executor is the error boundary: an unexpected panic must still
	// release resources and leave the execution in a terminal state.
	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			fail(fmt.Sprintf("internal error: %v", r), result.FailedStage)
		}
	}()

	if err := e.executions.UpdateStatus(exec.ID, models.ExecutionStatusQueued, models.ExecutionStatusRunning, "executor_claimed", nil); err != nil {
		result.Status = models.ExecutionStatusFailed
		result.ErrorMessage = "claim failed: " + err.Error()
		return result
	}

	tmpl, err := e.catalog.GetTemplate(ctx, exec.TemplateName)
	if err != nil {
		return fail("template resolution failed: "+err.Error(), "")
	}
	result.StagesTotal = len(tmpl.Stages)

	// Reserve the aggregate needs up front, all-or-nothing. A denied
	// reservation fails the execution before any stage runs.
	requests := estimateResources(tmpl, exec.Parameters)
	if len(requests) > 0 {
		reservation, err := e.resources.Reserve(ctx, exec.ID, requests)
		if err != nil {
			return fail("resource allocation failed: "+err.Error(), "")
		}
		if !reservation.Success {
			return fail("resource allocation failed: "+reservationReason(reservation), "")
		}

		ids := make([]string, len(reservation.Allocations))
		for i, a := range reservation.Allocations {
			ids[i] = a.ID
		}
		if err := e.resources.Activate(ids); err != nil {
			return fail("resource activation failed: "+err.Error(), "")
		}
	}

	input, err := json.Marshal(exec.Parameters)
	if err != nil {
		return fail("marshal parameters: "+err.Error(), "")
	}

	halted := false
	var finalOutput []byte

	for i, stage := range tmpl.Stages {
		if ctx.Err() != nil {
			return cancelled()
		}

		if halted {
			e.recordSkipped(exec.ID, stage, i)
			continue
		}

		e.progress.publish(ctx, exec.ID, stage.WorkerName+"/"+stage.Action, result.StagesCompleted, result.StagesTotal)

		outcome, stageCost := e.runStageWithRetries(ctx, exec, tmpl, stage, i, input)
		result.TotalCostUSD += stageCost

		switch outcome.kind {
		case outcomeFail:
			// Cancellation landing mid-retry surfaces as a stage failure;
			// the terminal status must still be cancelled, not failed.
			if ctx.Err() != nil {
				return cancelled()
			}
			if stage.Required {
				return fail(
					fmt.Sprintf("stage %d (%s/%s) failed: %v", i, stage.WorkerName, stage.Action, outcome.err),
					stage.WorkerName,
				)
			}
			log.Warn("optional stage failed, continuing",
				zap.Int("stage_order", i),
				zap.String("worker", stage.WorkerName),
				zap.Error(outcome.err),
			)
			// Optional stage failure: input carries forward unchanged.
		case outcomeHalt:
			result.StagesCompleted++
			finalOutput = outcome.output
			halted = true
			log.Info("worker signalled early halt",
				zap.Int("stage_order", i),
				zap.String("worker", stage.WorkerName),
			)
		case outcomeContinue:
			result.StagesCompleted++
			input = outcome.output
			finalOutput = outcome.output
		}

		e.progress.publish(ctx, exec.ID, stage.WorkerName+"/"+stage.Action, result.StagesCompleted, result.StagesTotal)

		if err := e.executions.SaveCheckpoint(exec.ID, map[string]interface{}{
			"last_stage_order": i,
			"stages_completed": result.StagesCompleted,
		}); err != nil {
			log.Debug("checkpoint write failed", zap.Error(err))
		}
	}

	if len(finalOutput) > 0 {
		deliverable, err := e.storage.StoreDeliverable(ctx, exec.ID, exec.TemplateName+"-result", finalOutput, "pipeline_output")
		if err != nil {
			log.Warn("failed to store deliverable", zap.Error(err))
		} else {
			result.DeliverableRef = &deliverable.Reference
		}
	}

	release()
	result.Status = models.ExecutionStatusCompleted
	result.TotalTimeMs = time.Since(started).Milliseconds()
	if err := e.executions.FinishExecution(exec.ID, models.ExecutionStatusCompleted, result.TotalCostUSD, result.TotalTimeMs, ""); err != nil {
		log.Error("failed to persist terminal state", zap.Error(err))
	}

	log.Info("execution completed",
		zap.Int("stages_completed", result.StagesCompleted),
		zap.Float64("total_cost_usd", result.TotalCostUSD),
		zap.Int64("total_time_ms", result.TotalTimeMs),
	)
	return result
}

// runStageWithRetries drives one stage through its bounded retry policy.
// Every failed attempt is recorded as a retry-attempt row with the delay
// that was applied after it.
func (e *Executor) runStageWithRetries(ctx context.Context, exec *models.PipelineExecution, tmpl *models.PipelineTemplate, stage models.Stage, order int, input []byte) (stageOutcome, float64) {
	record := &models.StageExecution{
		ExecutionID: exec.ID,
		WorkerName:  stage.WorkerName,
		Action:      stage.Action,
		StageOrder:  order,
	}
	if err := e.stages.CreateStage(record); err != nil {
		return stageOutcome{kind: outcomeFail, err: fmt.Errorf("create stage record: %w", err)}, 0
	}

	policy := policyFor(stage.Retry)
	stageStarted := time.Now()
	var totalCost float64
	var lastErr error

	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		outcome, cost := e.runStageOnce(ctx, exec, tmpl, stage, order, record, input, attempt, policy.maxAttempts)
		totalCost += cost

		if outcome.kind != outcomeFail {
			if attempt > 1 {
				e.logAttempt(record.ID, attempt, 0, true, "")
			}
			return outcome, totalCost
		}
		lastErr = outcome.err

		// Template misconfiguration is not retryable.
		if errors.Is(outcome.err, coordinator.ErrWorkerUnknown) {
			break
		}

		delay := policy.delayForAttempt(attempt)
		e.logAttempt(record.ID, attempt, int(delay.Milliseconds()), false, outcome.err.Error())

		if attempt == policy.maxAttempts {
			break
		}

		e.logger.Info("retrying stage",
			zap.String("execution_id", exec.ID),
			zap.String("stage_id", record.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			attempt = policy.maxAttempts
		case <-timer.C:
		}
	}

	elapsed := time.Since(stageStarted).Milliseconds()
	if err := e.stages.MarkFailed(record.ID, lastErr.Error(), elapsed); err != nil {
		e.logger.Error("failed to persist stage failure", zap.String("stage_id", record.ID), zap.Error(err))
	}
	return stageOutcome{kind: outcomeFail, err: lastErr}, totalCost
}

// runStageOnce performs a single attempt: persist input, invoke the worker
// through the coordinator, persist output, record usage.
func (e *Executor) runStageOnce(ctx context.Context, exec *models.PipelineExecution, tmpl *models.PipelineTemplate, stage models.Stage, order int, record *models.StageExecution, input []byte, attempt, maxAttempts int) (stageOutcome, float64) {
	attemptStarted := time.Now()

	ok, err := e.workers.CanWorkerAcceptTask(ctx, stage.WorkerName)
	if err != nil {
		return stageOutcome{kind: outcomeFail, err: err}, 0
	}
	if !ok {
		return stageOutcome{kind: outcomeFail, err: fmt.Errorf("%w: %s at capacity or unhealthy", coordinator.ErrWorkerUnavailable, stage.WorkerName)}, 0
	}

	inputRef, err := e.storage.StoreData(ctx, exec.ID, record.ID, input, "application/json")
	if err != nil {
		return stageOutcome{kind: outcomeFail, err: fmt.Errorf("store stage input: %w", err)}, 0
	}
	if attempt == 1 {
		if err := e.stages.MarkRunning(record.ID, inputRef); err != nil {
			return stageOutcome{kind: outcomeFail, err: fmt.Errorf("mark stage running: %w", err)}, 0
		}
	}

	var next *models.NextStageHint
	if order+1 < len(tmpl.Stages) {
		next = &models.NextStageHint{
			Worker:     tmpl.Stages[order+1].WorkerName,
			Action:     tmpl.Stages[order+1].Action,
			StageOrder: order + 1,
		}
	}

	processResult, err := e.workers.InvokeWorker(ctx, coordinator.InvocationRequest{
		WorkerName:  stage.WorkerName,
		Action:      stage.Action,
		ExecutionID: exec.ID,
		StageID:     record.ID,
		Pipeline:    exec.TemplateName,
		Priority:    exec.Priority,
		DataRef:     inputRef,
		Next:        next,
		TimeoutMs:   stage.TimeoutMs,
		RetryCount:  attempt - 1,
		MaxRetries:  maxAttempts,
	})
	elapsed := time.Since(attemptStarted).Milliseconds()
	if err != nil {
		e.workers.RecordWorkerMetrics(stage.WorkerName, elapsed, false, 0)
		return stageOutcome{kind: outcomeFail, err: err}, 0
	}

	output, err := json.Marshal(processResult.Output)
	if err != nil {
		return stageOutcome{kind: outcomeFail, err: fmt.Errorf("marshal stage output: %w", err)}, 0
	}

	outputRef, err := e.storage.StoreData(ctx, exec.ID, record.ID, output, "application/json")
	if err != nil {
		return stageOutcome{kind: outcomeFail, err: fmt.Errorf("store stage output: %w", err)}, 0
	}

	usageItems := processResult.Usage
	if processResult.Summary != nil && len(processResult.Summary.ResourceUsage) > 0 {
		usageItems = append(usageItems, processResult.Summary.ResourceUsage...)
	}
	cost, err := e.resources.RecordUsage(ctx, exec.ID, record.ID, usageItems)
	if err != nil {
		e.logger.Warn("failed to record stage usage",
			zap.String("execution_id", exec.ID),
			zap.String("stage_id", record.ID),
			zap.Error(err),
		)
	}

	if err := e.stages.MarkCompleted(record.ID, outputRef, processResult.Summary, cost, elapsed); err != nil {
		return stageOutcome{kind: outcomeFail, err: fmt.Errorf("persist stage completion: %w", err)}, cost
	}
	e.workers.RecordWorkerMetrics(stage.WorkerName, elapsed, true, cost)

	if !processResult.Summary.ShouldContinue() {
		return stageOutcome{kind: outcomeHalt, output: output, summary: processResult.Summary}, cost
	}
	return stageOutcome{kind: outcomeContinue, output: output, summary: processResult.Summary}, cost
}

func (e *Executor) recordSkipped(execID string, stage models.Stage, order int) {
	record := &models.StageExecution{
		ExecutionID: execID,
		WorkerName:  stage.WorkerName,
		Action:      stage.Action,
		StageOrder:  order,
	}
	if err := e.stages.CreateStage(record); err != nil {
		e.logger.Debug("failed to record skipped stage", zap.Error(err))
		return
	}
	if err := e.stages.MarkSkipped(record.ID); err != nil {
		e.logger.Debug("failed to mark stage skipped", zap.Error(err))
	}
}

func (e *Executor) logAttempt(stageID string, attempt, delayMs int, succeeded bool, errMsg string) {
	if err := e.stages.CreateRetryAttempt(&models.RetryAttempt{
		StageID:       stageID,
		AttemptNumber: attempt,
		RetryDelayMs:  delayMs,
		Succeeded:     succeeded,
		ErrorMessage:  errMsg,
	}); err != nil {
		e.logger.Warn("failed to record retry attempt", zap.String("stage_id", stageID), zap.Error(err))
	}
}

// estimateResources aggregates the declared resource needs of every stage.
// Stages declare needs under params["resources"] as a list of
// {resource_type, resource_name, quantity}; same-pool needs are summed so
// the pipeline reserves its aggregate up front.
func estimateResources(tmpl *models.PipelineTemplate, parameters map[string]interface{}) []models.ResourceRequest {
	type key struct {
		t models.ResourceType
		n string
	}
	totals := make(map[key]float64)
	var order []key

	collect := func(raw interface{}) {
		list, ok := raw.([]interface{})
		if !ok {
			return
		}
		for _, entry := range list {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			rt, _ := m["resource_type"].(string)
			rn, _ := m["resource_name"].(string)
			qty, _ := m["quantity"].(float64)
			if rt == "" || rn == "" || qty <= 0 {
				continue
			}
			k := key{t: models.ResourceType(rt), n: rn}
			if _, seen := totals[k]; !seen {
				order = append(order, k)
			}
			totals[k] += qty
		}
	}

	for _, stage := range tmpl.Stages {
		collect(stage.Params["resources"])
	}
	collect(parameters["resources"])

	requests := make([]models.ResourceRequest, 0, len(order))
	for _, k := range order {
		requests = append(requests, models.ResourceRequest{
			ResourceType: k.t,
			ResourceName: k.n,
			Quantity:     totals[k],
		})
	}
	return requests
}

func reservationReason(result *models.ReservationResult) string {
	if len(result.Failures) == 0 {
		return "unknown"
	}
	f := result.Failures[0]
	return fmt.Sprintf("%s/%s: %s", f.ResourceType, f.ResourceName, f.Reason)
}
