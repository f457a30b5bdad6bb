// Package liveness watches heartbeat ages and degrades, offlines, and
// heals nodes accordingly.
package liveness

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/web4ai/orchestrator/pkg/clock"
	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/events"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/registry"
	"github.com/web4ai/orchestrator/pkg/types"
)

// TaskFailer fails the in-flight tasks of a node that went offline.
// Implemented by the task engine.
type TaskFailer interface {
	FailTasksOnNode(nodeID string, class types.ErrorClass)
}

// Monitor periodically sweeps the registry and applies heartbeat-age
// transitions: past the degraded threshold a node is degraded, past the
// offline threshold it is offline and its in-flight tasks fail over.
// Sticky maintenance and error states are left alone.
type Monitor struct {
	reg    *registry.Registry
	cfg    *config.Config
	tasks  TaskFailer
	broker *events.Broker
	clk    clock.Clock

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// New creates a liveness monitor.
func New(reg *registry.Registry, cfg *config.Config, tasks TaskFailer, broker *events.Broker, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		reg:    reg,
		cfg:    cfg,
		tasks:  tasks,
		broker: broker,
		clk:    clk,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("liveness"),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	snap := m.cfg.Snapshot()
	interval := time.Duration(snap.Liveness.SweepSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep examines every node once. Exported so tests and the
// orchestrator can drive it directly.
func (m *Monitor) Sweep() {
	now := m.clk.Now()
	snap := m.cfg.Snapshot()

	interval := time.Duration(snap.Orchestrator.HeartbeatIntervalSeconds) * time.Second
	degradedAfter := time.Duration(float64(interval) * snap.Liveness.DegradedFactor)
	offlineAfter := time.Duration(float64(interval) * snap.Liveness.OfflineFactor)

	for _, node := range m.reg.Snapshot() {
		if node.Status == types.NodeStatusMaintenance || node.Status == types.NodeStatusError {
			continue
		}
		age := now.Sub(node.LastHeartbeat)

		var target types.NodeStatus
		switch {
		case age >= offlineAfter:
			target = types.NodeStatusOffline
		case age >= degradedAfter:
			target = types.NodeStatusDegraded
		default:
			target = types.NodeStatusActive
		}
		if target == node.Status {
			continue
		}

		prev, changed := m.reg.MarkLiveness(node.ID, target)
		if !changed {
			continue
		}
		m.logger.Info().
			Str("node_id", node.ID).
			Str("from", string(prev)).
			Str("to", string(target)).
			Dur("heartbeat_age", age).
			Msg("node liveness transition")

		if m.broker != nil {
			eventType := events.EventNodeStatusChanged
			if target == types.NodeStatusOffline {
				eventType = events.EventNodeOffline
			}
			m.broker.Publish(&events.Event{
				Type:      eventType,
				Timestamp: now,
				NodeID:    node.ID,
				Message:   string(prev) + " -> " + string(target),
			})
		}
		if target == types.NodeStatusOffline && m.tasks != nil {
			m.tasks.FailTasksOnNode(node.ID, types.ErrClassNodeFailure)
		}
	}
}
