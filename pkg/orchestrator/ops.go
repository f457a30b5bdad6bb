package orchestrator

import (
	"time"

	"github.com/web4ai/orchestrator/pkg/engine"
	"github.com/web4ai/orchestrator/pkg/events"
	"github.com/web4ai/orchestrator/pkg/registry"
	"github.com/web4ai/orchestrator/pkg/types"
)

// RegisterNode admits or refreshes a node.
func (o *Orchestrator) RegisterNode(desc types.Node) (registry.RegisterResult, error) {
	now := o.clk.Now()
	res, err := o.reg.Register(desc, now)
	if err != nil {
		return res, err
	}

	if n, ok := o.reg.Get(desc.ID); ok {
		o.persistNode(&n)
	}
	if res.Created || res.Rotated {
		o.broker.Publish(&events.Event{
			Type:      events.EventNodeRegistered,
			Timestamp: now,
			NodeID:    desc.ID,
		})
	}
	o.logger.Info().
		Str("node_id", desc.ID).
		Str("endpoint", desc.Endpoint).
		Bool("created", res.Created).
		Bool("rotated", res.Rotated).
		Msg("node registered")
	return res, nil
}

// Heartbeat refreshes a node's liveness and telemetry.
func (o *Orchestrator) Heartbeat(id string, sample types.ResourceSample) error {
	now := o.clk.Now()
	prev, healed, err := o.reg.Heartbeat(id, sample, now)
	if err != nil {
		return err
	}
	if healed {
		o.broker.Publish(&events.Event{
			Type:      events.EventNodeStatusChanged,
			Timestamp: now,
			NodeID:    id,
			Message:   string(prev) + " -> " + string(types.NodeStatusActive),
		})
		o.logger.Info().
			Str("node_id", id).
			Str("from", string(prev)).
			Msg("node healed by heartbeat")
	}
	return nil
}

// UnregisterNode removes a node and fails its in-flight tasks.
func (o *Orchestrator) UnregisterNode(id string) error {
	_, err := o.reg.Unregister(id)
	if err != nil {
		return err
	}
	if o.store != nil {
		if derr := o.store.DeleteNode(id); derr != nil {
			o.logger.Error().Err(derr).Str("node_id", id).Msg("failed to delete node record")
		}
	}
	o.engine.FailTasksOnNode(id, types.ErrClassNodeFailure)
	o.broker.Publish(&events.Event{
		Type:      events.EventNodeUnregistered,
		Timestamp: o.clk.Now(),
		NodeID:    id,
	})
	o.logger.Info().Str("node_id", id).Msg("node unregistered")
	return nil
}

// SetNodeStatus applies an operator status transition. Entering the
// error state fails the node's in-flight tasks; maintenance drains
// gracefully, letting them finish.
func (o *Orchestrator) SetNodeStatus(id string, status types.NodeStatus) error {
	prev, err := o.reg.SetStatus(id, status)
	if err != nil {
		return err
	}
	if n, ok := o.reg.Get(id); ok {
		o.persistNode(&n)
	}
	if status == types.NodeStatusError {
		o.engine.FailTasksOnNode(id, types.ErrClassNodeFailure)
	}
	o.broker.Publish(&events.Event{
		Type:      events.EventNodeStatusChanged,
		Timestamp: o.clk.Now(),
		NodeID:    id,
		Message:   string(prev) + " -> " + string(status),
	})
	return nil
}

// GetNode returns a single node.
func (o *Orchestrator) GetNode(id string) (types.Node, bool) {
	return o.reg.Get(id)
}

// ListNodes returns a snapshot of the fleet.
func (o *Orchestrator) ListNodes() []types.Node {
	return o.reg.Snapshot()
}

// NodeAgent pairs an agent with its hosting node for listings.
type NodeAgent struct {
	NodeID string      `json:"node_id"`
	Agent  types.Agent `json:"agent"`
}

// ListAgents flattens the agents across the fleet.
func (o *Orchestrator) ListAgents() []NodeAgent {
	var out []NodeAgent
	for _, n := range o.reg.Snapshot() {
		for _, a := range n.Agents {
			out = append(out, NodeAgent{NodeID: n.ID, Agent: a})
		}
	}
	return out
}

// SubmitTask enqueues a task and returns its id.
func (o *Orchestrator) SubmitTask(t *types.Task) (string, error) {
	return o.engine.Submit(t)
}

// GetTask returns a live or retained task.
func (o *Orchestrator) GetTask(id string) (*types.Task, bool) {
	return o.engine.Get(id)
}

// ListTasks returns tasks matching the filter.
func (o *Orchestrator) ListTasks(f engine.ListFilter) []*types.Task {
	return o.engine.List(f)
}

// CancelTask cancels a task.
func (o *Orchestrator) CancelTask(id string) error {
	return o.engine.Cancel(id)
}

// ReportResult records a node's outcome for a task.
func (o *Orchestrator) ReportResult(taskID, nodeID string, outcome types.TaskOutcome) error {
	return o.engine.OnNodeResult(taskID, nodeID, outcome)
}

// ApplyConfigPatch applies runtime config updates and persists them.
func (o *Orchestrator) ApplyConfigPatch(patch map[string]any) error {
	if err := o.cfg.ApplyPatch(patch); err != nil {
		return err
	}
	if o.store != nil {
		if err := o.store.SaveConfigPatch(patch); err != nil {
			o.logger.Error().Err(err).Msg("failed to persist config overrides")
		}
	}
	return nil
}

// ConfigSnapshot returns the effective configuration.
func (o *Orchestrator) ConfigSnapshot() map[string]any {
	snap := o.cfg.Snapshot()
	return map[string]any{
		"orchestrator": map[string]any{
			"id":                           o.ID,
			"heartbeat_interval_seconds":   snap.Orchestrator.HeartbeatIntervalSeconds,
			"task_default_timeout_seconds": snap.Orchestrator.TaskDefaultTimeoutSeconds,
		},
		"network": map[string]any{
			"max_nodes":              snap.Network.MaxNodes,
			"min_nodes":              snap.Network.MinNodes,
			"load_balance_algorithm": snap.Network.LoadBalanceAlgorithm,
		},
		"placement": map[string]any{
			"allow_degraded":    snap.Placement.AllowDegraded,
			"strict_preferred":  snap.Placement.StrictPreferred,
			"strict_redundancy": snap.Placement.StrictRedundancy,
			"top_n":             snap.Placement.TopN,
			"weights": map[string]any{
				"cpu":    snap.Placement.Weights.CPU,
				"memory": snap.Placement.Weights.Memory,
				"gpu":    snap.Placement.Weights.GPU,
			},
		},
		"liveness": map[string]any{
			"degraded_factor": snap.Liveness.DegradedFactor,
			"offline_factor":  snap.Liveness.OfflineFactor,
			"sweep_seconds":   snap.Liveness.SweepSeconds,
		},
	}
}

// Status is the network status report served by the API.
type Status struct {
	OrchestratorID string               `json:"orchestrator_id"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
	QueueDepth     int                  `json:"queue_depth"`
	Metrics        types.NetworkMetrics `json:"metrics"`
}

// NetworkStatus assembles the rolled-up view of the network.
func (o *Orchestrator) NetworkStatus() Status {
	uptime := time.Duration(0)
	if !o.startedAt.IsZero() {
		uptime = o.clk.Now().Sub(o.startedAt)
	}
	return Status{
		OrchestratorID: o.ID,
		UptimeSeconds:  uptime.Seconds(),
		QueueDepth:     o.engine.QueueDepth(),
		Metrics:        o.aggregator.Snapshot(),
	}
}

// SubscribeEvents attaches a new event stream consumer.
func (o *Orchestrator) SubscribeEvents() events.Subscriber {
	return o.broker.Subscribe()
}

// UnsubscribeEvents detaches a consumer.
func (o *Orchestrator) UnsubscribeEvents(sub events.Subscriber) {
	o.broker.Unsubscribe(sub)
}

func (o *Orchestrator) persistNode(n *types.Node) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveNode(n); err != nil {
		o.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to persist node")
	}
}
