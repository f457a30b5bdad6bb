/*
Package types defines the core data structures used throughout the
orchestrator control plane.

The model has three tiers: the orchestrator governs a fleet of Nodes,
each Node hosts one or more Agents, and Agents execute Tasks. The
control plane routes Tasks to Nodes only; Agents are descriptive and
participate in placement solely by contributing their capabilities to
their Node's capability set.

Core types:

  - Node: a managed worker host with status, telemetry, reliability
    tracking, and its Agents
  - Agent: a worker process inside a Node (never addressed directly)
  - Task: a unit of client work tracked through the lifecycle state
    machine (pending → scheduled → running → terminal)
  - Requirements: hard placement constraints (capabilities, resources,
    preferred/excluded nodes, redundancy)
  - TaskOutcome: the result a node reports back for a task
  - NetworkMetrics: the aggregator's rolling network-wide view

TaskType and InputData are opaque to the control plane and travel
unchanged; only the fields defined here are interpreted.

All types serialize to JSON with the wire field names used by the
HTTP API and the persistent store.
*/
package types
