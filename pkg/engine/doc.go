/*
Package engine owns the task lifecycle.

Every task moves through a single state machine:

	pending -> scheduled -> running -> completed | failed | cancelled

with re-entry to pending on retriable failures. Transitions serialize
on a per-task lock, so observers always see a consistent record. The
pending queue orders by (priority, arrival) with parked backoff slots;
finalized tasks move to a bounded history that strips payloads before
dropping records entirely.

The engine never talks to the network. Placement is an injected
function over a registry snapshot, delivery is handed off through
DispatchTick, and node feedback arrives via OnNodeAck, OnNodeResult,
and OnDispatchError.
*/
package engine
