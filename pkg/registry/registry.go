package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/types"
)

var (
	// ErrUnknownNode is returned for operations on unregistered nodes.
	ErrUnknownNode = errors.New("unknown node")
	// ErrConflict is returned when a registration collides with a live
	// node under the same id but a different endpoint.
	ErrConflict = errors.New("node already exists with different endpoint")
	// ErrInvalidTransition is returned for status changes outside the
	// permitted transition graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNodeLimit is returned when the registry is at max_nodes.
	ErrNodeLimit = errors.New("node limit reached")
)

// entry wraps a node with its own lock. The registry map itself is an
// xsync.Map so the heartbeat hot path contends only on the one entry
// it touches, never on a global lock.
type entry struct {
	mu   sync.Mutex
	node types.Node

	// livenessDriven records that the current degraded/offline status
	// was set by the liveness monitor, so a heartbeat may heal it.
	// Explicit maintenance/error stay sticky.
	livenessDriven bool
}

// Registry is the authoritative in-memory map of nodes and their
// agents. Writers serialize per node; readers take point-in-time
// snapshots.
type Registry struct {
	nodes    *xsync.Map[string, *entry]
	maxNodes int

	// liveWindow bounds how recent a heartbeat must be for an
	// endpoint-rotating re-registration to be treated as a conflict
	// rather than a node restart.
	liveWindow time.Duration
}

// New creates an empty registry. maxNodes <= 0 disables the limit.
// liveWindow should be the degraded threshold of the liveness config.
func New(maxNodes int, liveWindow time.Duration) *Registry {
	return &Registry{
		nodes:      xsync.NewMap[string, *entry](),
		maxNodes:   maxNodes,
		liveWindow: liveWindow,
	}
}

// RegisterResult describes what Register did.
type RegisterResult struct {
	Created bool
	// Rotated is true when an existing node re-registered with a new
	// endpoint and was treated as a restart.
	Rotated bool
}

// Register inserts or refreshes a node. Re-registration with the same
// endpoint is idempotent. Re-registration with a different endpoint
// rotates the endpoint while preserving counters and reliability,
// unless the existing node heartbeated within the live window, which
// is a conflict.
func (r *Registry) Register(desc types.Node, now time.Time) (RegisterResult, error) {
	if desc.ID == "" || desc.Endpoint == "" {
		return RegisterResult{}, fmt.Errorf("node_id and endpoint are required")
	}

	var res RegisterResult
	var regErr error
	r.nodes.Compute(desc.ID, func(e *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			if r.maxNodes > 0 && r.nodes.Size() >= r.maxNodes {
				regErr = ErrNodeLimit
				return nil, xsync.CancelOp
			}
			n := desc
			n.Status = types.NodeStatusActive
			n.ReliabilityScore = 1.0
			n.TasksCompleted = 0
			n.TasksFailed = 0
			n.ActiveTasks = 0
			n.LastHeartbeat = now
			n.RegisteredAt = now
			res.Created = true
			return &entry{node: n}, xsync.UpdateOp
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.node.Endpoint != desc.Endpoint {
			if r.liveWindow > 0 && now.Sub(e.node.LastHeartbeat) < r.liveWindow {
				regErr = ErrConflict
				return e, xsync.CancelOp
			}
			// Endpoint rotated: the node is presumed restarted. Keep
			// counters and reliability, refresh everything descriptive.
			res.Rotated = true
		}
		e.node.Endpoint = desc.Endpoint
		e.node.Type = desc.Type
		e.node.Capabilities = desc.Capabilities
		e.node.Version = desc.Version
		e.node.Location = desc.Location
		e.node.Metadata = desc.Metadata
		e.node.Agents = desc.Agents
		e.node.Status = types.NodeStatusActive
		e.node.LastHeartbeat = now
		e.livenessDriven = false
		return e, xsync.UpdateOp
	})
	if regErr != nil {
		return RegisterResult{}, regErr
	}
	return res, nil
}

// Heartbeat refreshes a node's liveness timestamp and resource sample.
// If the node was degraded or offline only because heartbeats were
// lost, it heals back to active. Returns the healed-from status when a
// heal happened.
func (r *Registry) Heartbeat(id string, sample types.ResourceSample, now time.Time) (types.NodeStatus, bool, error) {
	e, ok := r.nodes.Load(id)
	if !ok {
		return "", false, ErrUnknownNode
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// last_heartbeat_at is non-decreasing per node.
	if now.After(e.node.LastHeartbeat) {
		e.node.LastHeartbeat = now
	}
	if sample.LoadScore == 0 {
		sample.LoadScore = compositeLoad(sample)
	}
	e.node.Resources = sample

	if e.livenessDriven &&
		(e.node.Status == types.NodeStatusOffline || e.node.Status == types.NodeStatusDegraded) {
		prev := e.node.Status
		e.node.Status = types.NodeStatusActive
		e.livenessDriven = false
		return prev, true, nil
	}
	return "", false, nil
}

// compositeLoad derives the [0,1] load score when the node did not
// report one: 0.4 cpu + 0.3 memory + 0.3 gpu.
func compositeLoad(s types.ResourceSample) float64 {
	load := 0.4*(s.CPUPercent/100) + 0.3*(s.MemoryPercent/100) + 0.3*(s.GPUPercent/100)
	if load > 1 {
		load = 1
	}
	if load < 0 {
		load = 0
	}
	return load
}

// SetStatus applies an explicit operator status transition. The
// permitted graph: anything but error may enter maintenance; error may
// be entered from anywhere; maintenance and error exit only to active.
// Degraded and offline are monitor-owned and rejected here.
func (r *Registry) SetStatus(id string, status types.NodeStatus) (types.NodeStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	e, ok := r.nodes.Load(id)
	if !ok {
		return "", ErrUnknownNode
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.node.Status

	allowed := false
	switch status {
	case types.NodeStatusMaintenance:
		allowed = prev != types.NodeStatusError
	case types.NodeStatusError:
		allowed = true
	case types.NodeStatusActive:
		allowed = prev == types.NodeStatusMaintenance || prev == types.NodeStatusError
	case types.NodeStatusDegraded, types.NodeStatusOffline:
		allowed = false
	}
	if !allowed {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, status)
	}
	e.node.Status = status
	e.livenessDriven = false
	return prev, nil
}

// MarkLiveness is the liveness monitor's entry point. It moves a node
// between active, degraded, and offline based on heartbeat age, never
// overriding sticky maintenance or error states. Returns the previous
// status and whether anything changed.
func (r *Registry) MarkLiveness(id string, status types.NodeStatus) (types.NodeStatus, bool) {
	e, ok := r.nodes.Load(id)
	if !ok {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.node.Status

	if prev == types.NodeStatusMaintenance || prev == types.NodeStatusError {
		return prev, false
	}
	if prev == status {
		return prev, false
	}
	// Healing back to active only applies to liveness-driven statuses.
	if status == types.NodeStatusActive && !e.livenessDriven {
		return prev, false
	}
	e.node.Status = status
	e.livenessDriven = status != types.NodeStatusActive
	return prev, true
}

// Unregister removes a node and returns its final state.
func (r *Registry) Unregister(id string) (types.Node, error) {
	e, ok := r.nodes.LoadAndDelete(id)
	if !ok {
		return types.Node{}, ErrUnknownNode
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneNode(&e.node), nil
}

// Get returns a copy of a single node.
func (r *Registry) Get(id string) (types.Node, bool) {
	e, ok := r.nodes.Load(id)
	if !ok {
		return types.Node{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneNode(&e.node), true
}

// Snapshot returns a copy of every node. Each node is consistent with
// itself; the set is consistent with a single pass over the map.
func (r *Registry) Snapshot() []types.Node {
	out := make([]types.Node, 0, r.nodes.Size())
	r.nodes.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		out = append(out, cloneNode(&e.node))
		e.mu.Unlock()
		return true
	})
	return out
}

// Size returns the number of registered nodes.
func (r *Registry) Size() int {
	return r.nodes.Size()
}

// RecordOutcome feeds a task outcome back into the node's monotone
// counters and reliability EWMA (alpha 0.1, clamped to [0,1]).
func (r *Registry) RecordOutcome(id string, success bool) {
	e, ok := r.nodes.Load(id)
	if !ok {
		l := log.WithNodeID(id)
		l.Debug().Msg("outcome for unregistered node dropped")
		return
	}

	const alpha = 0.1
	e.mu.Lock()
	defer e.mu.Unlock()
	outcome := 0.0
	if success {
		e.node.TasksCompleted++
		outcome = 1.0
	} else {
		e.node.TasksFailed++
	}
	score := (1-alpha)*e.node.ReliabilityScore + alpha*outcome
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	e.node.ReliabilityScore = score
}

// AddActive adjusts a node's in-flight task count.
func (r *Registry) AddActive(id string, delta int) {
	e, ok := r.nodes.Load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.ActiveTasks += delta
	if e.node.ActiveTasks < 0 {
		e.node.ActiveTasks = 0
	}
}

// Load inserts a node during crash recovery, preserving counters and
// reliability from the store. Recovered nodes start offline until
// their first heartbeat proves them alive.
func (r *Registry) Load(n types.Node) {
	n.Status = types.NodeStatusOffline
	n.ActiveTasks = 0
	r.nodes.Store(n.ID, &entry{node: n, livenessDriven: true})
}

func cloneNode(n *types.Node) types.Node {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	c.Agents = append([]types.Agent(nil), n.Agents...)
	if n.Metadata != nil {
		m := make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			m[k] = v
		}
		c.Metadata = m
	}
	return c
}
