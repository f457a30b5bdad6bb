package types

import (
	"encoding/json"
	"time"
)

// Node represents a managed worker host registered with the orchestrator.
type Node struct {
	ID           string            `json:"node_id"`
	Endpoint     string            `json:"endpoint"`
	Type         string            `json:"node_type"`
	Capabilities []string          `json:"capabilities"`
	Version      string            `json:"version,omitempty"`
	Location     string            `json:"location,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	Status    NodeStatus     `json:"status"`
	Resources ResourceSample `json:"resource_sample"`

	// ReliabilityScore is an EWMA of task success on this node, in [0,1].
	ReliabilityScore float64 `json:"reliability_score"`
	TasksCompleted   uint64  `json:"tasks_completed"`
	TasksFailed      uint64  `json:"tasks_failed"`

	// ActiveTasks counts tasks currently assigned and not yet terminal.
	ActiveTasks int `json:"active_tasks"`

	Agents []Agent `json:"agents,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat_at"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// CapabilitySet returns the node's capabilities merged with the
// capabilities contributed by its agents. Placement matches against
// this merged set; agents are never addressed individually.
func (n *Node) CapabilitySet() map[string]bool {
	set := make(map[string]bool, len(n.Capabilities))
	for _, c := range n.Capabilities {
		set[c] = true
	}
	for _, a := range n.Agents {
		for _, c := range a.Capabilities {
			set[c] = true
		}
	}
	return set
}

// HasCapabilities reports whether every capability in caps is present
// in the node's merged capability set.
func (n *Node) HasCapabilities(caps []string) bool {
	if len(caps) == 0 {
		return true
	}
	set := n.CapabilitySet()
	for _, c := range caps {
		if !set[c] {
			return false
		}
	}
	return true
}

// NodeStatus represents the operational state of a node.
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusDegraded    NodeStatus = "degraded"
	NodeStatusMaintenance NodeStatus = "maintenance"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusError       NodeStatus = "error"
)

// Valid reports whether s is a recognized node status.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusActive, NodeStatusDegraded, NodeStatusMaintenance,
		NodeStatusOffline, NodeStatusError:
		return true
	}
	return false
}

// ResourceSample is the last telemetry reported by a node's heartbeat.
// Percentages are 0-100; LoadScore is a [0,1] composite.
type ResourceSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	GPUPercent    float64 `json:"gpu_percent"`
	MemoryFreeMB  int64   `json:"memory_free_mb"`
	LoadScore     float64 `json:"load_score"`
}

// CPUFree returns the free CPU percentage implied by the sample.
func (r ResourceSample) CPUFree() float64 {
	return 100 - r.CPUPercent
}

// Agent describes a worker process inside a node. Agents are purely
// descriptive to the control plane: they contribute capabilities to
// their node and are selected by the node itself, never by placement.
type Agent struct {
	ID                string   `json:"agent_id"`
	Type              string   `json:"agent_type"`
	Capabilities      []string `json:"capabilities,omitempty"`
	SpecializedModels []string `json:"specialized_models,omitempty"`
	EfficiencyScore   float64  `json:"efficiency_score,omitempty"`
}

// TaskPriority orders tasks in the pending queue. Lower is more urgent.
type TaskPriority int

const (
	PriorityCritical   TaskPriority = 1
	PriorityHigh       TaskPriority = 2
	PriorityNormal     TaskPriority = 3
	PriorityLow        TaskPriority = 4
	PriorityBackground TaskPriority = 5
)

// Valid reports whether p is within the recognized priority range.
func (p TaskPriority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// String returns the canonical name of the priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return "unknown"
}

// Requirements constrain where a task may be placed.
type Requirements struct {
	Capabilities []string `json:"required_capabilities,omitempty"`
	MinCPUFree   float64  `json:"min_cpu_pct_free,omitempty"`
	MinMemoryMB  int64    `json:"min_memory_mb,omitempty"`
	Preferred    []string `json:"preferred_nodes,omitempty"`
	Excluded     []string `json:"excluded_nodes,omitempty"`

	// Redundancy is the number of concurrent independent attempts.
	// Zero is normalized to 1 at submit.
	Redundancy int `json:"redundancy,omitempty"`
}

// IsExcluded reports whether nodeID is in the exclusion set.
func (r *Requirements) IsExcluded(nodeID string) bool {
	for _, id := range r.Excluded {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Exclude adds nodeID to the exclusion set if not already present.
func (r *Requirements) Exclude(nodeID string) {
	if !r.IsExcluded(nodeID) {
		r.Excluded = append(r.Excluded, nodeID)
	}
}

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateScheduled TaskState = "scheduled"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// Task is a unit of client work tracked through the lifecycle state
// machine. TaskType and InputData are opaque to the control plane;
// nodes interpret them.
type Task struct {
	ID       string       `json:"task_id"`
	Type     string       `json:"task_type"`
	Priority TaskPriority `json:"priority"`

	Requirements Requirements    `json:"requirements"`
	InputData    json.RawMessage `json:"input_data,omitempty"`

	Timeout    time.Duration `json:"timeout_seconds"`
	Deadline   time.Time     `json:"deadline_at,omitempty"`
	MaxRetries int           `json:"max_retries"`
	RetryCount int           `json:"retry_count"`

	AssignedNodes []string  `json:"assigned_nodes,omitempty"`
	State         TaskState `json:"state"`

	CreatedAt    time.Time `json:"created_at"`
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	CallbackURL string `json:"callback_url,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorClass   ErrorClass      `json:"error_class,omitempty"`
}

// AssignedTo reports whether nodeID is one of the task's assigned nodes.
func (t *Task) AssignedTo(nodeID string) bool {
	for _, id := range t.AssignedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy of the task for read-only callers.
// Slices are copied; RawMessage payloads are shared (never mutated).
func (t *Task) Clone() *Task {
	c := *t
	c.AssignedNodes = append([]string(nil), t.AssignedNodes...)
	c.Requirements.Capabilities = append([]string(nil), t.Requirements.Capabilities...)
	c.Requirements.Preferred = append([]string(nil), t.Requirements.Preferred...)
	c.Requirements.Excluded = append([]string(nil), t.Requirements.Excluded...)
	return &c
}

// ErrorClass categorizes task and dispatch failures. The class decides
// whether the engine retries.
type ErrorClass string

const (
	ErrClassNetwork                ErrorClass = "network_error"
	ErrClassNodeFailure            ErrorClass = "node_failure"
	ErrClassNodeRejected           ErrorClass = "node_rejected"
	ErrClassTimeout                ErrorClass = "timeout"
	ErrClassNoCandidates           ErrorClass = "no_candidates"
	ErrClassInvalidInput           ErrorClass = "invalid_input"
	ErrClassTaskPermanent          ErrorClass = "task_error_permanent"
	ErrClassTaskTransient          ErrorClass = "task_error_transient"
	ErrClassInsufficientRedundancy ErrorClass = "insufficient_redundancy"
)

// Retriable reports whether a failure of this class may be retried.
func (c ErrorClass) Retriable() bool {
	switch c {
	case ErrClassNetwork, ErrClassNodeFailure, ErrClassTimeout, ErrClassTaskTransient:
		return true
	}
	return false
}

// TaskOutcome is the result a node reports for a task it executed.
type TaskOutcome struct {
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorClass   ErrorClass      `json:"error_class,omitempty"`
}

// NetworkMetrics is the aggregator's rolling view of the network.
type NetworkMetrics struct {
	TotalNodes    int                `json:"total_nodes"`
	ActiveNodes   int                `json:"active_nodes"`
	NodesByStatus map[NodeStatus]int `json:"nodes_by_status"`
	TasksByState  map[TaskState]int  `json:"tasks_by_state"`

	// ThroughputPerMin is completions per minute over the window.
	ThroughputPerMin float64 `json:"throughput_per_min"`
	// SuccessRate is completed/(completed+failed) over the window.
	SuccessRate float64 `json:"success_rate"`

	AvgResponseTime time.Duration `json:"avg_response_time"`
	P95ResponseTime time.Duration `json:"p95_response_time"`

	// Utilization is the mean load score over active nodes, in [0,1].
	Utilization float64 `json:"network_utilization"`
}
