package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/web4ai/orchestrator/pkg/clock"
	"github.com/web4ai/orchestrator/pkg/engine"
	"github.com/web4ai/orchestrator/pkg/events"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/registry"
	"github.com/web4ai/orchestrator/pkg/types"
)

const (
	windowSize   = 5 * time.Minute
	bucketWidth  = 10 * time.Second
	bucketCount  = int(windowSize / bucketWidth)
	maxSamplePop = 2048
)

// bucket accumulates terminal outcomes for one 10-second slot.
type bucket struct {
	start     time.Time
	completed int
	failed    int
	durations []time.Duration
}

// Aggregator consumes lifecycle events and maintains a 5-minute
// rolling window of throughput, success rate, and response latency,
// alongside the Prometheus series.
type Aggregator struct {
	reg    *registry.Registry
	eng    *engine.Engine
	broker *events.Broker
	clk    clock.Clock

	mu      sync.Mutex
	buckets [bucketCount]bucket

	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewAggregator creates a metrics aggregator.
func NewAggregator(reg *registry.Registry, eng *engine.Engine, broker *events.Broker, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{
		reg:    reg,
		eng:    eng,
		broker: broker,
		clk:    clk,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("metrics"),
	}
}

// Start subscribes to the event bus and begins consuming.
func (a *Aggregator) Start() {
	a.sub = a.broker.Subscribe()
	go a.run()
}

// Stop unsubscribes and waits for the consumer to drain.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	a.broker.Unsubscribe(a.sub)
	<-a.doneCh
}

func (a *Aggregator) run() {
	defer close(a.doneCh)
	for {
		select {
		case ev, ok := <-a.sub:
			if !ok {
				return
			}
			a.Observe(ev)
		case <-a.stopCh:
			return
		}
	}
}

// Observe folds one event into the window and the Prometheus series.
// Exported so tests can feed events without a running broker.
func (a *Aggregator) Observe(ev *events.Event) {
	switch ev.Type {
	case events.EventTaskSubmitted:
		TasksSubmitted.Inc()
	case events.EventTaskCompleted:
		TasksCompleted.Inc()
		var d time.Duration
		if ev.Task != nil && !ev.Task.CreatedAt.IsZero() && !ev.Task.CompletedAt.IsZero() {
			d = ev.Task.CompletedAt.Sub(ev.Task.CreatedAt)
			TaskDuration.Observe(d.Seconds())
		}
		a.record(ev.Timestamp, true, d)
	case events.EventTaskFailed:
		class := ""
		if ev.Task != nil {
			class = string(ev.Task.ErrorClass)
		}
		TasksFailed.WithLabelValues(class).Inc()
		a.record(ev.Timestamp, false, 0)
	case events.EventTaskCancelled:
		TasksCancelled.Inc()
	}
}

func (a *Aggregator) record(at time.Time, success bool, d time.Duration) {
	if at.IsZero() {
		at = a.clk.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b := &a.buckets[a.slot(at)]
	start := at.Truncate(bucketWidth)
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	if success {
		b.completed++
		if d > 0 && len(b.durations) < maxSamplePop {
			b.durations = append(b.durations, d)
		}
	} else {
		b.failed++
	}
}

func (a *Aggregator) slot(at time.Time) int {
	return int(at.Unix()/int64(bucketWidth/time.Second)) % bucketCount
}

// Snapshot assembles the current network metrics: fleet and task
// counts from the registry and engine, plus the rolling-window rates.
func (a *Aggregator) Snapshot() types.NetworkMetrics {
	now := a.clk.Now()
	nodes := a.reg.Snapshot()

	m := types.NetworkMetrics{
		TotalNodes:    len(nodes),
		NodesByStatus: make(map[types.NodeStatus]int),
		TasksByState:  a.eng.Counts(),
	}

	var loadSum float64
	for _, n := range nodes {
		m.NodesByStatus[n.Status]++
		if n.Status == types.NodeStatusActive {
			m.ActiveNodes++
			loadSum += n.Resources.LoadScore
		}
	}
	if m.ActiveNodes > 0 {
		m.Utilization = loadSum / float64(m.ActiveNodes)
	}

	completed, failed, durations := a.window(now)
	if total := completed + failed; total > 0 {
		m.SuccessRate = float64(completed) / float64(total)
	}
	m.ThroughputPerMin = float64(completed) / windowSize.Minutes()

	if len(durations) > 0 {
		var sum time.Duration
		for _, d := range durations {
			sum += d
		}
		m.AvgResponseTime = sum / time.Duration(len(durations))
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		idx := (len(durations)*95 + 99) / 100
		if idx > 0 {
			idx--
		}
		m.P95ResponseTime = durations[idx]
	}

	// Refresh the gauges alongside the snapshot.
	for _, status := range []types.NodeStatus{
		types.NodeStatusActive, types.NodeStatusDegraded, types.NodeStatusMaintenance,
		types.NodeStatusOffline, types.NodeStatusError,
	} {
		NodesByStatus.WithLabelValues(string(status)).Set(float64(m.NodesByStatus[status]))
	}
	QueueDepth.Set(float64(a.eng.QueueDepth()))
	NetworkUtilization.Set(m.Utilization)
	EventsDropped.Set(float64(a.broker.Dropped()))

	return m
}

func (a *Aggregator) window(now time.Time) (completed, failed int, durations []time.Duration) {
	oldest := now.Add(-windowSize)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.buckets {
		b := &a.buckets[i]
		if b.start.IsZero() || b.start.Before(oldest) {
			continue
		}
		completed += b.completed
		failed += b.failed
		durations = append(durations, b.durations...)
	}
	return completed, failed, durations
}
