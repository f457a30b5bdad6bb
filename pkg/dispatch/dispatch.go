package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/rs/zerolog"
	"github.com/web4ai/orchestrator/pkg/clock"
	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/engine"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/types"
)

const (
	// rttAlpha is the smoothing factor for the per-node RTT estimate.
	rttAlpha = 0.2
	// rttTableSize bounds the RTT cache; estimates for long-gone nodes
	// age out under pressure.
	rttTableSize = 4096

	retryBackoffBase = 500 * time.Millisecond
)

// Reporter receives delivery feedback. Implemented by the task engine.
type Reporter interface {
	OnNodeAck(taskID string)
	OnNodeResult(taskID, nodeID string, outcome types.TaskOutcome) error
	// OnDispatchError reports a delivery failure covering the whole
	// assignment, when no per-node attempt was possible.
	OnDispatchError(taskID string, class types.ErrorClass, msg string)
}

// EndpointFunc resolves a node id to its current endpoint. Backed by
// the registry; resolution happens at send time so cancels follow
// endpoint rotations.
type EndpointFunc func(nodeID string) (string, bool)

// Dispatcher delivers scheduled tasks to their assigned nodes with
// bounded inline retries, and keeps a smoothed per-node RTT estimate
// for the latency_optimized placement algorithm.
type Dispatcher struct {
	transport Transport
	reporter  Reporter
	endpoint  EndpointFunc
	cfg       *config.Config
	clk       clock.Clock

	rtt otter.Cache[string, time.Duration]

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a dispatcher.
func New(transport Transport, reporter Reporter, endpoint EndpointFunc, cfg *config.Config, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	cache, err := otter.MustBuilder[string, time.Duration](rttTableSize).
		Cost(func(string, time.Duration) uint32 { return 1 }).
		Build()
	if err != nil {
		panic(err)
	}
	return &Dispatcher{
		transport: transport,
		reporter:  reporter,
		endpoint:  endpoint,
		cfg:       cfg,
		clk:       clk,
		rtt:       cache,
		logger:    log.WithComponent("dispatch"),
	}
}

// Deliver pushes an assignment to every assigned node concurrently and
// blocks until all deliveries settle. Endpoints are resolved at send
// time so deliveries follow endpoint rotations; a node that left the
// registry since scheduling counts as a per-node failure, and an
// assignment with no registered node left is reported as a dispatch
// error for the whole task. The first node to acknowledge moves the
// task to running; each node that cannot be reached or refuses is
// reported as a per-node failure so the engine's redundancy and retry
// policy decides what happens next.
func (d *Dispatcher) Deliver(ctx context.Context, a engine.Assignment) {
	live := make([]types.Node, 0, len(a.Nodes))
	var gone []string
	for _, node := range a.Nodes {
		endpoint, ok := d.endpoint(node.ID)
		if !ok {
			gone = append(gone, node.ID)
			continue
		}
		node.Endpoint = endpoint
		live = append(live, node)
	}

	if len(live) == 0 {
		d.reporter.OnDispatchError(a.Task.ID, types.ErrClassNodeFailure, "no assigned node is registered")
		return
	}
	for _, nodeID := range gone {
		d.reportFailure(a.Task.ID, nodeID, types.TaskOutcome{
			Success:      false,
			ErrorClass:   types.ErrClassNodeFailure,
			ErrorMessage: "node no longer registered",
		})
	}

	var wg sync.WaitGroup
	for _, node := range live {
		wg.Add(1)
		go func(node types.Node) {
			defer wg.Done()
			d.deliverToNode(ctx, a.Task, node)
		}(node)
	}
	wg.Wait()
}

func (d *Dispatcher) deliverToNode(ctx context.Context, t *types.Task, node types.Node) {
	snap := d.cfg.Snapshot()
	attempts := snap.Dispatch.Retries + 1
	timeout := time.Duration(snap.Dispatch.TimeoutSeconds) * time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Jittered exponential backoff between attempts.
			backoff := retryBackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-d.clk.After(backoff):
			case <-ctx.Done():
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := d.clk.Now()
		err := d.transport.Execute(attemptCtx, node.Endpoint, t)
		cancel()

		if err == nil {
			d.observeRTT(node.ID, d.clk.Now().Sub(start))
			d.reporter.OnNodeAck(t.ID)
			return
		}
		lastErr = err

		var reject *RejectError
		if errors.As(err, &reject) {
			// An affirmative refusal; retrying the same node is futile.
			break
		}
		d.logger.Debug().
			Err(err).
			Str("task_id", t.ID).
			Str("node_id", node.ID).
			Int("attempt", attempt+1).
			Msg("delivery attempt failed")
	}

	d.reportFailure(t.ID, node.ID, types.TaskOutcome{
		Success:      false,
		ErrorClass:   classify(lastErr),
		ErrorMessage: lastErr.Error(),
	})
}

func (d *Dispatcher) reportFailure(taskID, nodeID string, outcome types.TaskOutcome) {
	if err := d.reporter.OnNodeResult(taskID, nodeID, outcome); err != nil {
		d.logger.Warn().
			Err(err).
			Str("task_id", taskID).
			Str("node_id", nodeID).
			Msg("failed to report delivery failure")
	}
}

func classify(err error) types.ErrorClass {
	var reject *RejectError
	if errors.As(err, &reject) {
		return types.ErrClassNodeRejected
	}
	return types.ErrClassNetwork
}

// Cancel sends best-effort cancels to the given nodes in the
// background. Failures are logged and otherwise ignored.
func (d *Dispatcher) Cancel(taskID string, nodeIDs []string) {
	snap := d.cfg.Snapshot()
	timeout := time.Duration(snap.Dispatch.TimeoutSeconds) * time.Second

	for _, nodeID := range nodeIDs {
		endpoint, ok := d.endpoint(nodeID)
		if !ok {
			continue
		}
		d.wg.Add(1)
		go func(nodeID, endpoint string) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := d.transport.Cancel(ctx, endpoint, taskID); err != nil {
				d.logger.Debug().
					Err(err).
					Str("task_id", taskID).
					Str("node_id", nodeID).
					Msg("cancel delivery failed")
			}
		}(nodeID, endpoint)
	}
}

// RTT returns the smoothed round-trip estimate for a node.
func (d *Dispatcher) RTT(nodeID string) (time.Duration, bool) {
	return d.rtt.Get(nodeID)
}

func (d *Dispatcher) observeRTT(nodeID string, sample time.Duration) {
	if prev, ok := d.rtt.Get(nodeID); ok {
		sample = time.Duration((1-rttAlpha)*float64(prev) + rttAlpha*float64(sample))
	}
	d.rtt.Set(nodeID, sample)
}

// Close waits for in-flight cancels and releases the RTT table.
func (d *Dispatcher) Close() {
	d.wg.Wait()
	d.rtt.Close()
}
