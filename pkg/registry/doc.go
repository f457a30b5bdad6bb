/*
Package registry is the single source of truth for node and agent
topology.

Nodes live in a concurrent map keyed by node id; every node carries its
own lock, so the heartbeat hot path touches exactly one entry and never
blocks dispatch. Readers (placement, metrics, API queries) use
Snapshot, which copies each node under its entry lock.

The node status machine distinguishes monitor-driven states (degraded
and offline, set via MarkLiveness and healed by heartbeats) from sticky
operator states (maintenance and error, set via SetStatus only).
*/
package registry
