package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// invocationState tracks the two-phase remote call explicitly so timeout
// and cancellation semantics are testable independently of transport.
type invocationState int

const (
	stateAwaitingHandshake invocationState = iota
	stateAwaitingProcess
	stateDone
	stateFailed
	stateTimedOut
)

// InvocationRequest carries everything needed to run one stage on a worker
type InvocationRequest struct {
	WorkerName  string
	Action      string
	ExecutionID string
	StageID     string
	Pipeline    string
	Priority    models.Priority
	DataRef     *models.DataReference
	Next        *models.NextStageHint
	TimeoutMs   int
	RetryCount  int
	MaxRetries  int
}

// InvokeWorker runs the two-phase handshake → process protocol. The
// handshake packet is durably logged before being sent; a rejection aborts
// before the process phase; the process phase is bounded by the stage
// timeout, and a timeout downgrades the worker's health.
func (c *Coordinator) InvokeWorker(ctx context.Context, req InvocationRequest) (*models.ProcessResult, error) {
	w, ok := c.workers[req.WorkerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerUnknown, req.WorkerName)
	}

	packet := &models.HandshakePacket{
		PacketID:    uuid.New().String(),
		ExecutionID: req.ExecutionID,
		StageID:     req.StageID,
		Pipeline:    req.Pipeline,
		Control: models.PacketControl{
			Action:     req.Action,
			Priority:   string(req.Priority),
			TimeoutMs:  req.TimeoutMs,
			RetryCount: req.RetryCount,
			MaxRetries: req.MaxRetries,
		},
		DataRef: req.DataRef,
		Next:    req.Next,
		SentAt:  time.Now(),
	}

	// Audit log before the wire. A log-write failure must never block the
	// invocation itself.
	if err := c.packetLog.LogPacket(req.WorkerName, packet); err != nil {
		c.logger.Warn("handshake packet log write failed",
			zap.String("packet_id", packet.PacketID),
			zap.String("worker", req.WorkerName),
			zap.Error(err),
		)
	}

	state := stateAwaitingHandshake

	result, err := w.breaker.Execute(func() (interface{}, error) {
		reply, err := c.sendHandshake(ctx, w, packet)
		if err != nil {
			return nil, err
		}
		if !reply.Accepted {
			return nil, fmt.Errorf("%w by %s: %s", ErrHandshakeRejected, req.WorkerName, reply.Error)
		}

		state = stateAwaitingProcess
		return c.sendProcess(ctx, w, req.ExecutionID, req.TimeoutMs)
	})

	if err != nil {
		if errors.Is(err, ErrInvocationTimeout) {
			state = stateTimedOut
			c.markDegraded(req.WorkerName)
		} else {
			state = stateFailed
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s circuit open", ErrWorkerUnavailable, req.WorkerName)
		}
		c.logger.Warn("worker invocation failed",
			zap.String("worker", req.WorkerName),
			zap.String("execution_id", req.ExecutionID),
			zap.String("stage_id", req.StageID),
			zap.Int("state", int(state)),
			zap.Error(err),
		)
		return nil, err
	}

	return result.(*models.ProcessResult), nil
}

// sendHandshake runs the pre-flight negotiation with a short fixed timeout
func (c *Coordinator) sendHandshake(ctx context.Context, w *worker, packet *models.HandshakePacket) (*models.HandshakeReply, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	body, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake packet: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.Endpoint+"/handshake", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: handshake transport: %v", ErrWorkerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drained, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: handshake returned %d: %s", ErrWorkerUnavailable, resp.StatusCode, drained)
	}

	var reply models.HandshakeReply
	if err := decodeJSON(resp, &reply); err != nil {
		return nil, fmt.Errorf("decode handshake reply: %w", err)
	}
	return &reply, nil
}

// sendProcess triggers processing and awaits the result bounded by the
// stage's timeout.
func (c *Coordinator) sendProcess(ctx context.Context, w *worker, executionID string, timeoutMs int) (*models.ProcessResult, error) {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"execution_id": executionID})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.Endpoint+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %v", ErrInvocationTimeout, w.config.Name, timeout)
		}
		return nil, fmt.Errorf("process transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drained, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("worker %s process returned %d: %s", w.config.Name, resp.StatusCode, drained)
	}

	var result models.ProcessResult
	if err := decodeJSON(resp, &result); err != nil {
		return nil, fmt.Errorf("decode process result: %w", err)
	}
	return &result, nil
}
