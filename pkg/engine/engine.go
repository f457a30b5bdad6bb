package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/web4ai/orchestrator/pkg/clock"
	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/events"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/types"
)

var (
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned on double submit of a live task id.
	ErrConflict = errors.New("task already exists")
	// ErrOverloaded is returned when the pending queue rejects a submit.
	ErrOverloaded = errors.New("pending queue overloaded")
	// ErrInvalidInput is returned for malformed task requirements.
	ErrInvalidInput = errors.New("invalid task requirements")
	// ErrAlreadyTerminal is returned when cancelling a finalized task.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrNotAssigned is returned when a node reports a result for a
	// task it was never assigned.
	ErrNotAssigned = errors.New("node not assigned to task")
)

// Backoff constants for placement retries and failure retries.
const (
	placementBackoffBase = time.Second
	placementBackoffMax  = 30 * time.Second
	retryBackoffBase     = time.Second
	retryBackoffMax      = 60 * time.Second
)

// Placer returns candidate nodes for the given requirements, best
// first. Wired to the placement engine over a registry snapshot.
type Placer func(req types.Requirements) []types.Node

// NodeStats receives task-outcome feedback for a node. Implemented by
// the registry.
type NodeStats interface {
	RecordOutcome(nodeID string, success bool)
	AddActive(nodeID string, delta int)
}

// Canceller sends best-effort cancels to the given nodes. Must not
// block the caller; implemented by the dispatcher.
type Canceller func(taskID string, nodeIDs []string)

// Store persists task records when a store is configured.
type Store interface {
	SaveTask(t *types.Task) error
}

// Assignment is a scheduled task handed to the dispatcher.
type Assignment struct {
	Task  *types.Task
	Nodes []types.Node
}

// record is the engine-private task state. All mutation happens under
// the record lock, giving each task a linearizable transition history.
type record struct {
	mu   sync.Mutex
	task *types.Task

	// pendingSince starts the placement grace window each time the
	// task (re)enters pending.
	pendingSince time.Time
	// placeBackoff is the next no-candidate requeue delay.
	placeBackoff time.Duration
	// shortRedundancy notes that the last placement attempt found
	// candidates but fewer than required under strict redundancy.
	shortRedundancy bool
	// failedNodes tracks per-node failures for redundant dispatches.
	failedNodes map[string]bool
}

// Engine owns the task lifecycle: queues, dispatch handoff, retries,
// deadlines, and completion feedback.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	placer Placer
	stats  NodeStats
	cancel Canceller
	broker *events.Broker
	store  Store

	mu      sync.Mutex
	records map[string]*record

	queue   *pendingQueue
	history *history

	// notify wakes dispatch workers when work may be available.
	notify chan struct{}

	completed uint64
	failed    uint64
	cancelled uint64

	logger zerolog.Logger
}

// Options wires the engine's collaborators.
type Options struct {
	Config    *config.Config
	Clock     clock.Clock
	Placer    Placer
	NodeStats NodeStats
	Canceller Canceller
	Broker    *events.Broker
	Store     Store
}

// New creates a task engine.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	var clk clock.Clock = clock.New()
	if opts.Clock != nil {
		clk = opts.Clock
	}
	snap := cfg.Snapshot()
	return &Engine{
		cfg:     cfg,
		clk:     clk,
		placer:  opts.Placer,
		stats:   opts.NodeStats,
		cancel:  opts.Canceller,
		broker:  opts.Broker,
		store:   opts.Store,
		records: make(map[string]*record),
		queue:   newPendingQueue(),
		history: newHistory(snap.Task.HistoryLimit),
		notify:  make(chan struct{}, 1),
		logger:  log.WithComponent("engine"),
	}
}

// Notify returns the channel dispatch workers wait on.
func (e *Engine) Notify() <-chan struct{} { return e.notify }

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Submit validates and enqueues a task, assigning an id when absent.
func (e *Engine) Submit(t *types.Task) (string, error) {
	now := e.clk.Now()
	snap := e.cfg.Snapshot()

	if t.Requirements.Redundancy == 0 {
		t.Requirements.Redundancy = 1
	}
	if t.Requirements.Redundancy < 1 {
		return "", fmt.Errorf("%w: redundancy must be >= 1", ErrInvalidInput)
	}
	if t.Timeout == 0 {
		t.Timeout = time.Duration(snap.Orchestrator.TaskDefaultTimeoutSeconds) * time.Second
	}
	if t.Timeout < 0 {
		return "", fmt.Errorf("%w: timeout must be positive", ErrInvalidInput)
	}
	if t.Priority == 0 {
		t.Priority = types.PriorityNormal
	}
	if !t.Priority.Valid() {
		return "", fmt.Errorf("%w: priority %d out of range", ErrInvalidInput, t.Priority)
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = snap.Task.MaxRetriesDefault
	}
	if t.ID == "" {
		u := uuid.New()
		t.ID = fmt.Sprintf("task_%x", u[:4])
	}

	depth := e.queue.Len()
	if depth >= snap.Queue.MaxPending {
		return "", fmt.Errorf("%w: queue full", ErrOverloaded)
	}
	// Shedding starts once depth exceeds the mark, so a fleet sized to
	// the mark itself still accepts low-priority work.
	highWater := int(float64(snap.Queue.MaxPending) * snap.Queue.HighWaterFraction)
	if depth > highWater && t.Priority >= types.PriorityLow {
		return "", fmt.Errorf("%w: high water mark, rejecting %s priority", ErrOverloaded, t.Priority)
	}

	t.State = types.TaskStatePending
	t.CreatedAt = now
	t.RetryCount = 0
	t.AssignedNodes = nil
	if t.Deadline.IsZero() {
		t.Deadline = now.Add(t.Timeout)
	}

	rec := &record{task: t, pendingSince: now}

	// Finalized records leave the map, so a hit here is a live task and
	// the id is taken. Check and insert stay under one acquisition so
	// concurrent submits of the same id cannot both pass.
	e.mu.Lock()
	if _, dup := e.records[t.ID]; dup {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrConflict, t.ID)
	}
	e.records[t.ID] = rec
	e.mu.Unlock()

	e.persist(t)
	e.queue.Push(t.ID, t.Priority, now, now)
	e.publish(events.EventTaskSubmitted, t, "")
	e.wake()

	e.logger.Info().
		Str("task_id", t.ID).
		Str("priority", t.Priority.String()).
		Int("redundancy", t.Requirements.Redundancy).
		Msg("task submitted")
	return t.ID, nil
}

// DispatchTick pops one ready pending task, attempts placement, and on
// success transitions it to scheduled and returns the assignment for
// the dispatcher. Returns ok=false when nothing was ready.
func (e *Engine) DispatchTick() (Assignment, bool) {
	now := e.clk.Now()
	id, ok := e.queue.Pop(now)
	if !ok {
		return Assignment{}, false
	}
	rec := e.get(id)
	if rec == nil {
		return Assignment{}, true
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State != types.TaskStatePending {
		return Assignment{}, true
	}

	snap := e.cfg.Snapshot()
	candidates := e.placer(rec.task.Requirements)

	want := rec.task.Requirements.Redundancy
	rec.shortRedundancy = false
	if len(candidates) > 0 && len(candidates) < want && snap.Placement.StrictRedundancy {
		rec.shortRedundancy = true
		candidates = nil
	}

	if len(candidates) == 0 {
		e.requeueNoCandidatesLocked(rec, now, snap)
		return Assignment{}, true
	}
	if len(candidates) > want {
		candidates = candidates[:want]
	}

	ids := make([]string, len(candidates))
	for i, n := range candidates {
		ids[i] = n.ID
	}
	rec.task.State = types.TaskStateScheduled
	rec.task.AssignedNodes = ids
	rec.failedNodes = nil
	if e.stats != nil {
		for _, nid := range ids {
			e.stats.AddActive(nid, 1)
		}
	}
	e.persist(rec.task)
	e.publish(events.EventTaskScheduled, rec.task, "")

	return Assignment{Task: rec.task.Clone(), Nodes: candidates}, true
}

// requeueNoCandidatesLocked applies the placement backoff, or fails
// the task once the grace window is exhausted.
func (e *Engine) requeueNoCandidatesLocked(rec *record, now time.Time, snap config.Config) {
	grace := time.Duration(snap.Task.PlacementGraceSeconds) * time.Second
	if now.Sub(rec.pendingSince) >= grace {
		class := types.ErrClassNoCandidates
		msg := "no candidate nodes within grace window"
		if rec.shortRedundancy {
			class = types.ErrClassInsufficientRedundancy
			msg = "insufficient candidates for requested redundancy"
		}
		e.finalizeLocked(rec, types.TaskStateFailed, class, msg, now)
		return
	}

	if rec.placeBackoff == 0 {
		rec.placeBackoff = placementBackoffBase
	} else {
		rec.placeBackoff *= 2
		if rec.placeBackoff > placementBackoffMax {
			rec.placeBackoff = placementBackoffMax
		}
	}
	e.queue.Push(rec.task.ID, rec.task.Priority, now.Add(rec.placeBackoff), now)
	e.logger.Debug().
		Str("task_id", rec.task.ID).
		Dur("backoff", rec.placeBackoff).
		Msg("no candidates, task requeued")
}

// OnNodeAck moves a scheduled task to running once a node accepts it.
func (e *Engine) OnNodeAck(taskID string) {
	now := e.clk.Now()
	rec := e.get(taskID)
	if rec == nil {
		e.logger.Warn().Str("task_id", taskID).Msg("ack for unknown task dropped")
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.task.State {
	case types.TaskStateScheduled:
		rec.task.State = types.TaskStateRunning
		rec.task.DispatchedAt = now
		e.persist(rec.task)
	case types.TaskStateRunning:
		// Second ack from a redundant sibling.
	default:
		e.logger.Warn().
			Str("task_id", taskID).
			Str("state", string(rec.task.State)).
			Msg("late ack dropped")
	}
}

// OnDispatchError handles a terminal delivery failure from the
// dispatcher (all inline retries exhausted, or an affirmative
// rejection) covering every assigned node.
func (e *Engine) OnDispatchError(taskID string, class types.ErrorClass, msg string) {
	now := e.clk.Now()
	rec := e.get(taskID)
	if rec == nil {
		e.logger.Warn().Str("task_id", taskID).Msg("dispatch error for unknown task dropped")
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State.Terminal() {
		e.logger.Warn().Str("task_id", taskID).Msg("late dispatch error dropped")
		return
	}
	e.failLocked(rec, class, msg, now)
}

// OnNodeResult records an outcome reported by a node. A result from a
// node that is not assigned is rejected; results for terminal tasks
// are dropped with a warning.
func (e *Engine) OnNodeResult(taskID, nodeID string, outcome types.TaskOutcome) error {
	now := e.clk.Now()
	rec := e.get(taskID)
	if rec == nil {
		if _, ok := e.history.Get(taskID); ok {
			l := log.WithTaskID(taskID)
			l.Warn().Msg("result for finalized task dropped")
			return nil
		}
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.task.AssignedTo(nodeID) {
		return fmt.Errorf("%w: %s", ErrNotAssigned, nodeID)
	}
	if rec.task.State.Terminal() {
		e.logger.Warn().
			Str("task_id", taskID).
			Str("node_id", nodeID).
			Msg("result for terminal task dropped")
		return nil
	}

	if outcome.Success {
		rec.task.Result = outcome.Result
		if e.stats != nil {
			e.stats.RecordOutcome(nodeID, true)
		}
		// First completion wins; cancel outstanding siblings.
		if len(rec.task.AssignedNodes) > 1 && e.cancel != nil {
			var siblings []string
			for _, id := range rec.task.AssignedNodes {
				if id != nodeID && !rec.failedNodes[id] {
					siblings = append(siblings, id)
				}
			}
			if len(siblings) > 0 {
				e.cancel(taskID, siblings)
			}
		}
		e.finalizeLocked(rec, types.TaskStateCompleted, "", "", now)
		return nil
	}

	class := outcome.ErrorClass
	if class == "" {
		class = types.ErrClassTaskTransient
	}
	if e.stats != nil {
		e.stats.RecordOutcome(nodeID, false)
	}

	// Redundant dispatch: the task survives until every sibling fails.
	if len(rec.task.AssignedNodes) > 1 {
		if rec.failedNodes == nil {
			rec.failedNodes = make(map[string]bool)
		}
		rec.failedNodes[nodeID] = true
		if len(rec.failedNodes) < len(rec.task.AssignedNodes) {
			e.logger.Info().
				Str("task_id", taskID).
				Str("node_id", nodeID).
				Int("failed", len(rec.failedNodes)).
				Int("assigned", len(rec.task.AssignedNodes)).
				Msg("redundant sibling failed")
			return nil
		}
	}
	e.failLocked(rec, class, outcome.ErrorMessage, now)
	return nil
}

// FailTasksOnNode applies the failure path to every non-terminal task
// assigned to the node. Used when a node goes offline or unregisters.
func (e *Engine) FailTasksOnNode(nodeID string, class types.ErrorClass) {
	now := e.clk.Now()
	for _, rec := range e.liveRecords() {
		rec.mu.Lock()
		if rec.task.State.Terminal() || !rec.task.AssignedTo(nodeID) {
			rec.mu.Unlock()
			continue
		}
		if rec.task.State != types.TaskStateScheduled && rec.task.State != types.TaskStateRunning {
			rec.mu.Unlock()
			continue
		}
		if len(rec.task.AssignedNodes) > 1 {
			if rec.failedNodes == nil {
				rec.failedNodes = make(map[string]bool)
			}
			rec.failedNodes[nodeID] = true
			if len(rec.failedNodes) < len(rec.task.AssignedNodes) {
				rec.mu.Unlock()
				continue
			}
		}
		e.failLocked(rec, class, fmt.Sprintf("node %s failed", nodeID), now)
		rec.mu.Unlock()
	}
}

// TickDeadlines fails every non-terminal task whose deadline passed.
// The normal retry policy applies.
func (e *Engine) TickDeadlines() {
	now := e.clk.Now()
	for _, rec := range e.liveRecords() {
		rec.mu.Lock()
		if !rec.task.State.Terminal() &&
			!rec.task.Deadline.IsZero() && !now.Before(rec.task.Deadline) {
			if rec.task.State == types.TaskStatePending {
				e.queue.Remove(rec.task.ID)
			}
			e.failLocked(rec, types.ErrClassTimeout, "task deadline exceeded", now)
		}
		rec.mu.Unlock()
	}
}

// Cancel cancels a task. Pending tasks are dequeued; scheduled or
// running tasks get best-effort cancels to their nodes. Terminal tasks
// return ErrAlreadyTerminal.
func (e *Engine) Cancel(taskID string) error {
	now := e.clk.Now()
	rec := e.get(taskID)
	if rec == nil {
		if _, ok := e.history.Get(taskID); ok {
			return ErrAlreadyTerminal
		}
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.task.State {
	case types.TaskStateCompleted, types.TaskStateFailed, types.TaskStateCancelled:
		return ErrAlreadyTerminal
	case types.TaskStatePending:
		e.queue.Remove(taskID)
	case types.TaskStateScheduled, types.TaskStateRunning:
		if e.cancel != nil && len(rec.task.AssignedNodes) > 0 {
			e.cancel(taskID, append([]string(nil), rec.task.AssignedNodes...))
		}
	}
	e.finalizeLocked(rec, types.TaskStateCancelled, "", "cancelled by client", now)
	return nil
}

// Get returns a copy of a live or retained task.
func (e *Engine) Get(taskID string) (*types.Task, bool) {
	if rec := e.get(taskID); rec != nil {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.task.Clone(), true
	}
	if t, ok := e.history.Get(taskID); ok {
		return t.Clone(), true
	}
	return nil, false
}

// ListFilter narrows List results.
type ListFilter struct {
	State  types.TaskState
	NodeID string
	Limit  int
}

// List returns live tasks first, then retained history, newest first
// within each group.
func (e *Engine) List(f ListFilter) []*types.Task {
	var out []*types.Task
	match := func(t *types.Task) bool {
		if f.State != "" && t.State != f.State {
			return false
		}
		if f.NodeID != "" && !t.AssignedTo(f.NodeID) {
			return false
		}
		return true
	}

	for _, rec := range e.liveRecords() {
		rec.mu.Lock()
		if match(rec.task) {
			out = append(out, rec.task.Clone())
		}
		rec.mu.Unlock()
		if f.Limit > 0 && len(out) >= f.Limit {
			return out
		}
	}
	e.history.Each(func(t *types.Task) bool {
		if match(t) {
			out = append(out, t.Clone())
		}
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out
}

// Counts returns the live per-state task counts plus cumulative
// terminal totals.
func (e *Engine) Counts() map[types.TaskState]int {
	counts := map[types.TaskState]int{}
	e.mu.Lock()
	completed, failed, cancelled := e.completed, e.failed, e.cancelled
	recs := make([]*record, 0, len(e.records))
	for _, r := range e.records {
		recs = append(recs, r)
	}
	e.mu.Unlock()

	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.task.State.Terminal() {
			counts[rec.task.State]++
		}
		rec.mu.Unlock()
	}
	counts[types.TaskStateCompleted] = int(completed)
	counts[types.TaskStateFailed] = int(failed)
	counts[types.TaskStateCancelled] = int(cancelled)
	return counts
}

// QueueDepth returns the current pending queue depth.
func (e *Engine) QueueDepth() int { return e.queue.Len() }

// Recover re-admits tasks loaded from the store after a restart.
// Terminal tasks go straight to history; in-flight tasks re-enter
// pending with their retry count preserved.
func (e *Engine) Recover(tasks []*types.Task) {
	now := e.clk.Now()
	for _, t := range tasks {
		if t.State.Terminal() {
			e.history.Add(t)
			continue
		}
		t.State = types.TaskStatePending
		t.AssignedNodes = nil
		rec := &record{task: t, pendingSince: now}
		e.mu.Lock()
		e.records[t.ID] = rec
		e.mu.Unlock()
		e.queue.Push(t.ID, t.Priority, now, now)
	}
	e.wake()
}

// failLocked applies the retry policy to a failed attempt. Caller
// holds the record lock.
func (e *Engine) failLocked(rec *record, class types.ErrorClass, msg string, now time.Time) {
	t := rec.task

	releaseAssigned(e.stats, t)
	for _, nid := range t.AssignedNodes {
		t.Requirements.Exclude(nid)
	}

	if class.Retriable() && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		backoff := retryBackoffBase << t.RetryCount
		if backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
		t.AssignedNodes = nil
		t.State = types.TaskStatePending
		rec.pendingSince = now
		rec.placeBackoff = 0
		rec.failedNodes = nil
		e.persist(t)
		e.queue.Push(t.ID, t.Priority, now.Add(backoff), now)
		e.wake()
		e.logger.Info().
			Str("task_id", t.ID).
			Str("class", string(class)).
			Int("retry", t.RetryCount).
			Dur("backoff", backoff).
			Msg("task failed, retrying")
		return
	}

	e.finalizeLocked(rec, types.TaskStateFailed, class, msg, now)
}

// finalizeLocked moves a task into a terminal state, publishes the
// event, persists, and hands the record to history. Caller holds the
// record lock.
func (e *Engine) finalizeLocked(rec *record, state types.TaskState, class types.ErrorClass, msg string, now time.Time) {
	t := rec.task
	if state != types.TaskStateFailed {
		// Failure paths release in failLocked before retry decisions;
		// completion and cancellation release here.
		releaseAssigned(e.stats, t)
	}
	t.State = state
	t.CompletedAt = now
	t.ErrorClass = class
	t.ErrorMessage = msg

	var eventType events.EventType
	switch state {
	case types.TaskStateCompleted:
		eventType = events.EventTaskCompleted
		e.bump(&e.completed)
	case types.TaskStateFailed:
		eventType = events.EventTaskFailed
		e.bump(&e.failed)
	case types.TaskStateCancelled:
		eventType = events.EventTaskCancelled
		e.bump(&e.cancelled)
	}

	e.persist(t)
	e.history.Add(t.Clone())
	e.mu.Lock()
	delete(e.records, t.ID)
	e.mu.Unlock()

	e.publish(eventType, t, msg)
	e.logger.Info().
		Str("task_id", t.ID).
		Str("state", string(state)).
		Str("class", string(class)).
		Msg("task finalized")
}

func releaseAssigned(stats NodeStats, t *types.Task) {
	if stats == nil {
		return
	}
	for _, nid := range t.AssignedNodes {
		stats.AddActive(nid, -1)
	}
}

func (e *Engine) bump(counter *uint64) {
	e.mu.Lock()
	*counter++
	e.mu.Unlock()
}

func (e *Engine) get(id string) *record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records[id]
}

func (e *Engine) liveRecords() []*record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r)
	}
	return out
}

func (e *Engine) persist(t *types.Task) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTask(t); err != nil {
		e.logger.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist task")
	}
}

func (e *Engine) publish(eventType events.EventType, t *types.Task, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:      eventType,
		Timestamp: e.clk.Now(),
		TaskID:    t.ID,
		Message:   msg,
		Task:      t.Clone(),
	})
}
