package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventInstanceStates is the full snapshot sent to new subscribers.
	EventInstanceStates EventType = "instanceStates"
	// EventInstanceStateChanged fires when the state poller detects a change.
	EventInstanceStateChanged EventType = "instanceStateChanged"
	// EventInstanceSignal fires on every ENTRY and EXIT decision.
	EventInstanceSignal EventType = "instanceSignal"
	// EventInstanceLog fires when a runtime writes to its log ring.
	EventInstanceLog EventType = "instanceLog"
	// EventInstanceDataUpdate fires per processed trade batch with the current bar.
	EventInstanceDataUpdate EventType = "instanceDataUpdate"
	// EventInstanceCreated fires when an instance is added to the set.
	EventInstanceCreated EventType = "instanceCreated"
	// EventInstanceDeleted fires when an instance is removed from the set.
	EventInstanceDeleted EventType = "instanceDeleted"
	// EventBacktestUpdate carries backtest progress and completion.
	EventBacktestUpdate EventType = "backtestUpdate"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// Subscription identifies one registered handler so it can be detached.
type Subscription interface {
	// Unsubscribe removes the handler and releases its queue.
	Unsubscribe()
}

// EventService manages the pub/sub event bus. Each subscriber owns a bounded
// queue; events are delivered in publish order and the oldest undelivered
// event is dropped on overflow.
type EventService interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) (Subscription, error)

	// Publish enqueues an event to all subscribers and returns immediately.
	Publish(ctx context.Context, event Event) error

	// PublishSync delivers the event to all subscribers before returning,
	// bypassing the subscriber queues.
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
