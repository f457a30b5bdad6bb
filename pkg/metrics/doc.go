// Package metrics exposes the orchestrator's Prometheus series and a
// rolling-window aggregator for the network status endpoint.
package metrics
