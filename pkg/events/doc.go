/*
Package events provides broker-internal event distribution.

A single Broker fans events out to subscribers over buffered channels.
Publishers never block: a subscriber that falls behind drops events
rather than stalling the pipeline or scheduler that published them.

# Event Types

Events cover the observable lifecycle: pool changes, resource state
transitions, assignment creation and release, task progress, and ticket
issuance and redemption. Each event carries a type, timestamp, message,
and a small metadata map of IDs.

# Usage

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		// ...
	}

The API's /v1/events endpoint streams these to HTTP clients as
server-sent events.
*/
package events
