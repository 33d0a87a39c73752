package events

import (
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
)

// Event type tags published on the broker. Sandbox lifecycle events carry
// the sandbox ID; agent loop events carry the session ID.
const (
	EventSandboxRequested    = "sandbox.requested"
	EventSandboxTransitioned = "sandbox.transitioned"
	EventSandboxDestroyed    = "sandbox.destroyed"
	EventPoolAssigned        = "pool.assigned"
	EventPoolReplenished     = "pool.replenished"
	EventAgentIterationDone  = "agent.iteration_completed"
	EventAgentCommandDenied  = "agent.command_denied"
	EventAgentFinalized      = "agent.finalized"
)

// Subscriber is a channel that receives events.
type Subscriber chan *types.Event

// Broker manages event subscriptions and distribution of sandbox lifecycle
// and agent loop events to every subscriber registered through Subscribe.
// No package in this tree subscribes; the admin API exposes no event stream.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It waits while the broker's
// 100-event buffer is full; if the broker has been stopped the event is
// dropped rather than blocking the caller.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
