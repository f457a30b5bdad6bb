package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/engine"
	"github.com/web4ai/orchestrator/pkg/types"
)

type fakeTransport struct {
	mu      sync.Mutex
	execErr map[string]error // keyed by endpoint
	execs   []string
	cancels []string
}

func (f *fakeTransport) Execute(ctx context.Context, endpoint string, t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, endpoint)
	return f.execErr[endpoint]
}

func (f *fakeTransport) Cancel(ctx context.Context, endpoint, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, endpoint)
	return nil
}

func (f *fakeTransport) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

type fakeReporter struct {
	mu           sync.Mutex
	acks         []string
	results      []types.TaskOutcome
	nodes        []string
	dispatchErrs []types.ErrorClass
}

func (f *fakeReporter) OnNodeAck(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, taskID)
}

func (f *fakeReporter) OnNodeResult(taskID, nodeID string, outcome types.TaskOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, outcome)
	f.nodes = append(f.nodes, nodeID)
	return nil
}

func (f *fakeReporter) OnDispatchError(taskID string, class types.ErrorClass, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatchErrs = append(f.dispatchErrs, class)
}

func testAssignment(nodes ...string) engine.Assignment {
	a := engine.Assignment{Task: &types.Task{ID: "task_abc", Type: "inference"}}
	for _, n := range nodes {
		a.Task.AssignedNodes = append(a.Task.AssignedNodes, n)
		a.Nodes = append(a.Nodes, types.Node{ID: n, Endpoint: "http://" + n})
	}
	return a
}

func newDispatcher(transport Transport, reporter Reporter, retries int) *Dispatcher {
	cfg := config.Default()
	cfg.Dispatch.Retries = retries
	cfg.Dispatch.TimeoutSeconds = 1
	return New(transport, reporter, func(id string) (string, bool) {
		return "http://" + id, true
	}, cfg, nil)
}

func TestDeliverSuccessAcks(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{}}
	reporter := &fakeReporter{}
	d := newDispatcher(transport, reporter, 0)
	defer d.Close()

	d.Deliver(context.Background(), testAssignment("n1"))

	require.Equal(t, []string{"task_abc"}, reporter.acks)
	assert.Empty(t, reporter.results)

	rtt, ok := d.RTT("n1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestDeliverNetworkFailureReported(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{
		"http://n1": errors.New("connection refused"),
	}}
	reporter := &fakeReporter{}
	d := newDispatcher(transport, reporter, 0)
	defer d.Close()

	d.Deliver(context.Background(), testAssignment("n1"))

	assert.Empty(t, reporter.acks)
	require.Len(t, reporter.results, 1)
	assert.Equal(t, types.ErrClassNetwork, reporter.results[0].ErrorClass)
	assert.Equal(t, "n1", reporter.nodes[0])
}

func TestDeliverRetriesNetworkErrors(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{
		"http://n1": errors.New("connection refused"),
	}}
	reporter := &fakeReporter{}
	d := newDispatcher(transport, reporter, 1)
	defer d.Close()

	d.Deliver(context.Background(), testAssignment("n1"))
	assert.Equal(t, 2, transport.execCount())
	require.Len(t, reporter.results, 1)
}

func TestDeliverRejectionNotRetried(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{
		"http://n1": &RejectError{Status: 422, Body: "unsupported task type"},
	}}
	reporter := &fakeReporter{}
	d := newDispatcher(transport, reporter, 3)
	defer d.Close()

	d.Deliver(context.Background(), testAssignment("n1"))

	assert.Equal(t, 1, transport.execCount())
	require.Len(t, reporter.results, 1)
	assert.Equal(t, types.ErrClassNodeRejected, reporter.results[0].ErrorClass)
}

func TestDeliverRedundantFansOut(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{
		"http://n2": errors.New("unreachable"),
	}}
	reporter := &fakeReporter{}
	d := newDispatcher(transport, reporter, 0)
	defer d.Close()

	d.Deliver(context.Background(), testAssignment("n1", "n2"))

	assert.Equal(t, []string{"task_abc"}, reporter.acks)
	require.Len(t, reporter.results, 1)
	assert.Equal(t, "n2", reporter.nodes[0])
}

func TestDeliverAllAssignedNodesUnregistered(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{}}
	reporter := &fakeReporter{}
	d := New(transport, reporter, func(string) (string, bool) {
		return "", false
	}, config.Default(), nil)
	defer d.Close()

	d.Deliver(context.Background(), testAssignment("n1", "n2"))

	assert.Zero(t, transport.execCount())
	assert.Empty(t, reporter.results)
	require.Len(t, reporter.dispatchErrs, 1)
	assert.Equal(t, types.ErrClassNodeFailure, reporter.dispatchErrs[0])
}

func TestDeliverSkipsUnregisteredSibling(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{}}
	reporter := &fakeReporter{}
	d := New(transport, reporter, func(id string) (string, bool) {
		if id == "n1" {
			return "http://n1", true
		}
		return "", false
	}, config.Default(), nil)
	defer d.Close()

	d.Deliver(context.Background(), testAssignment("n1", "n2"))

	assert.Equal(t, []string{"task_abc"}, reporter.acks)
	require.Len(t, reporter.results, 1)
	assert.Equal(t, "n2", reporter.nodes[0])
	assert.Equal(t, types.ErrClassNodeFailure, reporter.results[0].ErrorClass)
	assert.Empty(t, reporter.dispatchErrs)
}

func TestCancelResolvesEndpoints(t *testing.T) {
	transport := &fakeTransport{execErr: map[string]error{}}
	d := newDispatcher(transport, &fakeReporter{}, 0)

	d.Cancel("task_abc", []string{"n1", "n2"})
	d.Close() // waits for the background cancels

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.ElementsMatch(t, []string{"http://n1", "http://n2"}, transport.cancels)
}

func TestRTTSmoothing(t *testing.T) {
	d := newDispatcher(&fakeTransport{}, &fakeReporter{}, 0)
	defer d.Close()

	d.observeRTT("n1", 100*time.Millisecond)
	first, ok := d.RTT("n1")
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, first)

	d.observeRTT("n1", 200*time.Millisecond)
	second, _ := d.RTT("n1")
	// 0.8*100ms + 0.2*200ms
	assert.Equal(t, 120*time.Millisecond, second)
}

func TestHTTPTransportExecute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	err := tr.Execute(context.Background(), srv.URL, &types.Task{ID: "task_1"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/tasks/execute", gotPath)

	err = tr.Cancel(context.Background(), srv.URL, "task_1")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/tasks/task_1/cancel", gotPath)
}

func TestHTTPTransportRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusConflict)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	err := tr.Execute(context.Background(), srv.URL, &types.Task{ID: "task_1"})

	var reject *RejectError
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, http.StatusConflict, reject.Status)
	assert.Contains(t, reject.Body, "no capacity")
}

func TestHTTPTransportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	err := tr.Execute(context.Background(), srv.URL, &types.Task{ID: "task_1"})
	require.Error(t, err)
	var reject *RejectError
	assert.False(t, errors.As(err, &reject))
}
