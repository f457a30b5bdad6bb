package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/web4ai/orchestrator/pkg/clock"
	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/dispatch"
	"github.com/web4ai/orchestrator/pkg/engine"
	"github.com/web4ai/orchestrator/pkg/events"
	"github.com/web4ai/orchestrator/pkg/liveness"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/metrics"
	"github.com/web4ai/orchestrator/pkg/placement"
	"github.com/web4ai/orchestrator/pkg/registry"
	"github.com/web4ai/orchestrator/pkg/storage"
	"github.com/web4ai/orchestrator/pkg/types"
)

const (
	dispatchPollInterval = 250 * time.Millisecond
	deadlineSweep        = time.Second
	callbackTimeout      = 10 * time.Second
)

// Orchestrator wires the registry, task engine, placement, dispatcher,
// liveness monitor, and metrics aggregator into one control plane.
type Orchestrator struct {
	ID string

	cfg    *config.Config
	clk    clock.Clock
	store  storage.Store
	broker *events.Broker

	reg        *registry.Registry
	placer     *placement.Engine
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	monitor    *liveness.Monitor
	aggregator *metrics.Aggregator

	startedAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Options configures New. Config is required; the rest default to
// production implementations.
type Options struct {
	Config    *config.Config
	Clock     clock.Clock
	Store     storage.Store
	Transport dispatch.Transport
}

// New assembles an orchestrator. Call Start to begin the control
// loops.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var clk clock.Clock = clock.New()
	if opts.Clock != nil {
		clk = opts.Clock
	}

	id := cfg.Snapshot().Orchestrator.ID
	if id == "" {
		u := uuid.New()
		id = fmt.Sprintf("orch_%x", u[:4])
	}

	o := &Orchestrator{
		ID:     id,
		cfg:    cfg,
		clk:    clk,
		store:  opts.Store,
		broker: events.NewBroker(events.DropOldest, 64),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("orchestrator"),
	}

	snap := cfg.Snapshot()
	o.reg = registry.New(snap.Network.MaxNodes, cfg.DegradedThreshold())

	var engineStore engine.Store
	if o.store != nil {
		engineStore = o.store
	}
	o.engine = engine.New(engine.Options{
		Config:    cfg,
		Clock:     clk,
		Placer:    o.place,
		NodeStats: o.reg,
		Canceller: func(taskID string, nodeIDs []string) { o.dispatcher.Cancel(taskID, nodeIDs) },
		Broker:    o.broker,
		Store:     engineStore,
	})

	transport := opts.Transport
	if transport == nil {
		transport = dispatch.NewHTTPTransport(nil)
	}
	o.dispatcher = dispatch.New(transport, o.engine, o.resolveEndpoint, cfg, clk)
	o.placer = placement.New(o.dispatcher.RTT)
	o.monitor = liveness.New(o.reg, cfg, o.engine, o.broker, clk)
	o.aggregator = metrics.NewAggregator(o.reg, o.engine, o.broker, clk)
	return o, nil
}

// place produces candidates for the engine from a registry snapshot
// and the current placement configuration.
func (o *Orchestrator) place(req types.Requirements) []types.Node {
	snap := o.cfg.Snapshot()
	return o.placer.Select(o.reg.Snapshot(), req, placement.Options{
		Algorithm:        snap.Network.LoadBalanceAlgorithm,
		AllowDegraded:    snap.Placement.AllowDegraded,
		StrictPreferred:  snap.Placement.StrictPreferred,
		StrictRedundancy: snap.Placement.StrictRedundancy,
		TopN:             snap.Placement.TopN,
		Weights:          snap.Placement.Weights,
	})
}

func (o *Orchestrator) resolveEndpoint(nodeID string) (string, bool) {
	n, ok := o.reg.Get(nodeID)
	if !ok {
		return "", false
	}
	return n.Endpoint, true
}

// Start recovers persisted state and launches the control loops.
func (o *Orchestrator) Start() error {
	o.startedAt = o.clk.Now()

	if o.store != nil {
		if err := o.recover(); err != nil {
			return err
		}
	}

	o.broker.Start()
	o.aggregator.Start()
	o.monitor.Start()

	snap := o.cfg.Snapshot()
	workers := snap.Dispatch.Workers
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.dispatchWorker()
	}

	o.wg.Add(2)
	go o.deadlineLoop()
	go o.callbackLoop()

	o.logger.Info().
		Str("orchestrator_id", o.ID).
		Int("dispatch_workers", workers).
		Msg("orchestrator started")
	return nil
}

// recover rebuilds in-memory state from the store. Recovered nodes
// start offline until their next heartbeat; non-terminal tasks return
// to pending with retry counts intact.
func (o *Orchestrator) recover() error {
	if patch, err := o.store.LoadConfigPatch(); err != nil {
		return fmt.Errorf("failed to load config overrides: %w", err)
	} else if len(patch) > 0 {
		if err := o.cfg.ApplyPatch(patch); err != nil {
			o.logger.Warn().Err(err).Msg("persisted config overrides rejected, using file config")
		}
	}

	nodes, err := o.store.LoadNodes()
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	for _, n := range nodes {
		o.reg.Load(*n)
	}

	tasks, err := o.store.LoadTasks()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	o.engine.Recover(tasks)

	o.logger.Info().
		Int("nodes", len(nodes)).
		Int("tasks", len(tasks)).
		Msg("state recovered from store")
	return nil
}

// Shutdown stops the control loops and closes the store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.monitor.Stop()
	o.aggregator.Stop()
	o.broker.Stop()
	o.dispatcher.Close()
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

func (o *Orchestrator) dispatchWorker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.engine.Notify():
		case <-o.clk.After(dispatchPollInterval):
			// Poll for parked retries coming due.
		}
		o.drainQueue()
	}
}

func (o *Orchestrator) drainQueue() {
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}
		a, ok := o.engine.DispatchTick()
		if !ok {
			return
		}
		if a.Task != nil {
			o.dispatcher.Deliver(context.Background(), a)
		}
	}
}

func (o *Orchestrator) deadlineLoop() {
	defer o.wg.Done()
	ticker := o.clk.NewTicker(deadlineSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			o.engine.TickDeadlines()
		case <-o.stopCh:
			return
		}
	}
}

// callbackLoop posts terminal task snapshots to their callback URLs.
func (o *Orchestrator) callbackLoop() {
	defer o.wg.Done()
	sub := o.broker.Subscribe()
	defer o.broker.Unsubscribe(sub)

	client := &http.Client{Timeout: callbackTimeout}
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			o.maybeCallback(client, ev)
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) maybeCallback(client *http.Client, ev *events.Event) {
	switch ev.Type {
	case events.EventTaskCompleted, events.EventTaskFailed, events.EventTaskCancelled:
	default:
		return
	}
	if ev.Task == nil || ev.Task.CallbackURL == "" {
		return
	}
	body, err := json.Marshal(ev.Task)
	if err != nil {
		return
	}
	resp, err := client.Post(ev.Task.CallbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("task_id", ev.Task.ID).
			Str("callback_url", ev.Task.CallbackURL).
			Msg("task callback delivery failed")
		return
	}
	resp.Body.Close()
}
