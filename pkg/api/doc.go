// Package api serves the orchestrator's HTTP interface: node
// registration and heartbeats, task submission and results, network
// status, runtime config, an SSE event stream, and Prometheus metrics.
package api
