package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pipeline-orchestrator/config"
	"pipeline-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeActiveCounter struct {
	counts map[string]int
}

func (f *fakeActiveCounter) CountActiveByWorker(workerName string) (int, error) {
	return f.counts[workerName], nil
}

type fakePacketLog struct {
	mu      sync.Mutex
	packets []*models.HandshakePacket
}

func (f *fakePacketLog) LogPacket(workerName string, packet *models.HandshakePacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, packet)
	return nil
}

type fakeMetricsStore struct {
	mu          sync.Mutex
	invocations int
	successes   int
}

func (f *fakeMetricsStore) RecordInvocation(workerName string, executionTimeMs int64, success bool, costUSD float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations++
	if success {
		f.successes++
	}
	return nil
}

// workerServer is a scriptable stand-in for a downstream worker service
type workerServer struct {
	mu             sync.Mutex
	server         *httptest.Server
	healthStatus   int
	rejectMessage  string // non-empty: handshake declines with this error
	handshakeCode  int
	processDelay   time.Duration
	processResult  *models.ProcessResult
	handshakeHits  int
	processHits    int
	lastAuthHeader string
}

func newWorkerServer() *workerServer {
	ws := &workerServer{
		healthStatus:  http.StatusOK,
		handshakeCode: http.StatusOK,
		processResult: &models.ProcessResult{Output: map[string]interface{}{"ok": true}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		status := ws.healthStatus
		ws.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/handshake", func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		ws.handshakeHits++
		ws.lastAuthHeader = r.Header.Get("Authorization")
		code := ws.handshakeCode
		reject := ws.rejectMessage
		ws.mu.Unlock()

		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		reply := models.HandshakeReply{Accepted: reject == "", Error: reject}
		json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("/process", func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		ws.processHits++
		delay := ws.processDelay
		result := ws.processResult
		ws.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		json.NewEncoder(w).Encode(result)
	})
	ws.server = httptest.NewServer(mux)
	return ws
}

func (ws *workerServer) hits() (handshake, process int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.handshakeHits, ws.processHits
}

func newTestCoordinator(t *testing.T, ws *workerServer, maxConcurrent int) (*Coordinator, *fakeActiveCounter, *fakePacketLog) {
	t.Helper()
	active := &fakeActiveCounter{counts: make(map[string]int)}
	packets := &fakePacketLog{}
	coord := NewCoordinator(
		[]config.WorkerConfig{
			{Name: "researcher", Endpoint: ws.server.URL, MaxConcurrent: maxConcurrent, Capabilities: []string{"gather"}},
		},
		active, packets, &fakeMetricsStore{},
		"test-token", "orchestrator-test",
		zap.NewNop(),
	)
	return coord, active, packets
}

func invocation(timeoutMs int) InvocationRequest {
	return InvocationRequest{
		WorkerName:  "researcher",
		Action:      "gather",
		ExecutionID: "exec-1",
		StageID:     "stage-1",
		Pipeline:    "research-report",
		Priority:    models.PriorityNormal,
		TimeoutMs:   timeoutMs,
		MaxRetries:  3,
	}
}

func TestInvokeWorkerTwoPhaseSuccess(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	coord, _, packets := newTestCoordinator(t, ws, 4)

	result, err := coord.InvokeWorker(context.Background(), invocation(5000))
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["ok"])

	handshakes, processes := ws.hits()
	assert.Equal(t, 1, handshakes)
	assert.Equal(t, 1, processes)
	assert.Equal(t, "Bearer test-token", ws.lastAuthHeader)

	// The handshake packet was logged with the stage identity before send.
	require.Len(t, packets.packets, 1)
	packet := packets.packets[0]
	assert.Equal(t, "exec-1", packet.ExecutionID)
	assert.Equal(t, "stage-1", packet.StageID)
	assert.Equal(t, "gather", packet.Control.Action)
	assert.NotEmpty(t, packet.PacketID)
}

func TestInvokeWorkerUnknown(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	coord, _, _ := newTestCoordinator(t, ws, 4)

	req := invocation(1000)
	req.WorkerName = "nonexistent"
	_, err := coord.InvokeWorker(context.Background(), req)
	assert.ErrorIs(t, err, ErrWorkerUnknown)

	handshakes, _ := ws.hits()
	assert.Zero(t, handshakes)
}

func TestInvokeWorkerHandshakeRejected(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	ws.rejectMessage = "at capacity"
	coord, _, _ := newTestCoordinator(t, ws, 4)

	_, err := coord.InvokeWorker(context.Background(), invocation(1000))
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "at capacity")

	// A rejected handshake never reaches the process phase.
	_, processes := ws.hits()
	assert.Zero(t, processes)
}

func TestInvokeWorkerTimeoutMarksDegraded(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	ws.processDelay = 300 * time.Millisecond
	coord, _, _ := newTestCoordinator(t, ws, 4)

	_, err := coord.InvokeWorker(context.Background(), invocation(50))
	assert.ErrorIs(t, err, ErrInvocationTimeout)
	assert.Equal(t, models.WorkerDegraded, coord.Health("researcher"))
}

func TestInvokeWorkerCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	ws.handshakeCode = http.StatusInternalServerError
	coord, _, _ := newTestCoordinator(t, ws, 4)

	for i := 0; i < 5; i++ {
		_, err := coord.InvokeWorker(context.Background(), invocation(1000))
		assert.ErrorIs(t, err, ErrWorkerUnavailable)
	}

	// Circuit is open: the next call is refused without touching the wire.
	before, _ := ws.hits()
	_, err := coord.InvokeWorker(context.Background(), invocation(1000))
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
	after, _ := ws.hits()
	assert.Equal(t, before, after)
}

func TestCanWorkerAcceptTask(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	coord, active, _ := newTestCoordinator(t, ws, 2)
	ctx := context.Background()

	ok, err := coord.CanWorkerAcceptTask(ctx, "researcher")
	require.NoError(t, err)
	assert.True(t, ok)

	// At the concurrency bound the gate closes.
	active.counts["researcher"] = 2
	ok, err = coord.CanWorkerAcceptTask(ctx, "researcher")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown workers are refused with the sentinel.
	_, err = coord.CanWorkerAcceptTask(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrWorkerUnknown)
}

func TestCanWorkerAcceptTaskUnhealthyWorker(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	ws.healthStatus = http.StatusServiceUnavailable
	coord, _, _ := newTestCoordinator(t, ws, 2)

	ok, err := coord.CanWorkerAcceptTask(context.Background(), "researcher")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.WorkerUnhealthy, coord.Health("researcher"))
}

func TestSweepHealthClearsDegraded(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	coord, _, _ := newTestCoordinator(t, ws, 2)

	coord.markDegraded("researcher")
	require.Equal(t, models.WorkerDegraded, coord.Health("researcher"))

	// Degraded persists through a successful liveness probe...
	status, err := coord.GetWorkerStatus(context.Background(), "researcher")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerDegraded, status.Health)

	// ...and only the sweep restores it.
	coord.SweepHealth(context.Background())
	assert.Equal(t, models.WorkerHealthy, coord.Health("researcher"))
}

func TestGetWorkerStatusReportsActiveCount(t *testing.T) {
	ws := newWorkerServer()
	defer ws.server.Close()
	coord, active, _ := newTestCoordinator(t, ws, 4)
	active.counts["researcher"] = 3

	status, err := coord.GetWorkerStatus(context.Background(), "researcher")
	require.NoError(t, err)
	assert.Equal(t, "researcher", status.Name)
	assert.Equal(t, 3, status.ActiveExecutions)
	assert.Equal(t, 4, status.MaxConcurrent)
	assert.Equal(t, []string{"gather"}, status.Capabilities)
}
