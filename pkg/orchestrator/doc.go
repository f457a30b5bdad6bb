// Package orchestrator assembles the control plane: it wires the node
// registry, task engine, placement, dispatcher, liveness monitor, and
// metrics aggregator together and runs their background loops.
package orchestrator
