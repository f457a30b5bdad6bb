/*
Package events implements the orchestrator's event bus: a bounded
multi-subscriber fan-out of lifecycle and topology events.

The Broker guarantees that publishers never block. Events are delivered
per-publisher in publish order; a subscriber that falls behind loses
events according to the broker's overflow policy (drop the incoming
event, or evict its oldest buffered one).

Consumers include the metrics aggregator, the SSE event stream, and the
callback-webhook subscriber.
*/
package events
