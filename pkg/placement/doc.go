/*
Package placement chooses nodes for tasks.

Selection is a pure function over a registry snapshot: hard constraints
(status, capabilities, free resources, exclusions, preference) filter
the fleet, then one of five configurable algorithms scores the
survivors:

	round_robin          deterministic rotation
	weighted_round_robin reliability x (1 - load), the default
	least_connections    fewest in-flight tasks
	resource_aware       weighted free cpu/memory/gpu
	latency_optimized    lowest dispatcher RTT estimate

Ties always break by node id so tests are deterministic.
*/
package placement
