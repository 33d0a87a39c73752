/*
Package events provides an in-memory event broker for the control plane's
pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
sandbox lifecycle and agent loop events to interested subscribers. All
events are broadcast (no topic filtering); subscribers filter by Type at
the receiving end.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publisher → Event Channel (buffer: 100)                  │
	│       ↓                                                    │
	│  Broadcast Loop                                            │
	│       ↓                                                    │
	│  Subscriber Channels (buffer: 50 each)                     │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Event Types

Sandbox events:

  - sandbox.transitioned: published on every accepted state machine
    transition; carries SandboxID, and in Message the new status for a
    host callback or the transition reason (e.g. scheduler_pickup) for a
    scheduler or setup transition
  - sandbox.destroyed: published when a sandbox reaches the destroyed state

Pool events:

  - pool.assigned: a pool entry was handed to a new sandbox request
  - pool.replenished: the pool manager scheduled a replenishment create

Agent loop events:

  - agent.iteration_completed: one agent loop iteration finished
  - agent.command_denied: a bash command was blocked by the deny-list
  - agent.finalized: the agent loop finalized a message (committed or not)

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			log.Debug().Str("type", event.Type).Msg("event")
		}
	}()

	broker.Publish(&types.Event{
		Type:      events.EventSandboxTransitioned,
		SandboxID: sandboxID,
		Message:   "ready",
	})

# Delivery semantics

Publish hands the event to the broker's 100-event buffer and waits only
while that buffer is full; once the broker is stopped the event is dropped
instead. Delivery to subscribers is best-effort: a full subscriber buffer
causes that event to be skipped for that subscriber rather than blocking
the broadcast loop. This package is not an audit log; durable history lives in the
sandbox record's StatusEvent slice and in the command log, not here.
*/
package events
