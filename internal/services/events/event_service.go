package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
)

// DefaultQueueSize bounds a subscriber's undelivered events.
const DefaultQueueSize = 1024

// Service implements EventService. Every subscriber owns a bounded FIFO
// queue drained by its own goroutine, so one slow handler cannot stall the
// publishers or the other subscribers. On overflow the oldest undelivered
// event is discarded.
type Service struct {
	subscribers map[interfaces.EventType][]*subscriber
	queueSize   int
	mu          sync.RWMutex
	closed      bool
	logger      arbor.ILogger
}

// NewService creates a new event service. queueSize <= 0 selects the
// default bound.
func NewService(queueSize int, logger arbor.ILogger) interfaces.EventService {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Service{
		subscribers: make(map[interfaces.EventType][]*subscriber),
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type.
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) (interfaces.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("event service is closed")
	}

	sub := newSubscriber(uuid.NewString(), handler, s.queueSize)
	s.subscribers[eventType] = append(s.subscribers[eventType], sub)

	common.SafeGo(s.logger, "event-subscriber-"+sub.id, func() {
		sub.run(s.logger)
	})

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return &subscription{service: s, eventType: eventType, sub: sub}, nil
}

// Publish enqueues an event for every subscriber and returns immediately.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	subs := s.subscribers[event.Type]
	s.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	if len(subs) == 0 {
		return nil
	}

	for _, sub := range subs {
		if sub.push(event) {
			metrics.EventsDropped.Inc()
			s.logger.Debug().
				Str("event_type", string(event.Type)).
				Str("subscriber_id", sub.id).
				Msg("Subscriber queue full, dropped oldest event")
		}
	}

	return nil
}

// PublishSync delivers the event to every subscriber's handler before
// returning, bypassing the queues.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	subs := s.subscribers[event.Type]
	s.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	var errCount int
	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			errCount++
			s.logger.Error().
				Err(err).
				Str("event_type", string(event.Type)).
				Msg("Event handler failed")
		}
	}

	if errCount > 0 {
		return fmt.Errorf("event handlers failed: %d errors", errCount)
	}
	return nil
}

// Close shuts down the event service and stops all subscriber goroutines.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, subs := range s.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	s.subscribers = make(map[interfaces.EventType][]*subscriber)
	s.logger.Info().Msg("Event service closed")

	return nil
}

func (s *Service) remove(eventType interfaces.EventType, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			s.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	sub.close()

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Str("subscriber_id", sub.id).
		Msg("Event handler unsubscribed")
}

// subscription detaches one subscriber when released.
type subscription struct {
	service   *Service
	eventType interfaces.EventType
	sub       *subscriber
	once      sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.service.remove(s.eventType, s.sub)
	})
}

// subscriber owns a bounded FIFO queue and a drain goroutine.
type subscriber struct {
	id      string
	handler interfaces.EventHandler
	limit   int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []interfaces.Event
	closed bool
}

func newSubscriber(id string, handler interfaces.EventHandler, limit int) *subscriber {
	sub := &subscriber{id: id, handler: handler, limit: limit}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

// push appends the event, discarding the oldest queued event when the bound
// is reached. Reports whether a drop occurred.
func (sub *subscriber) push(event interfaces.Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return false
	}

	dropped := false
	if len(sub.queue) >= sub.limit {
		sub.queue = sub.queue[1:]
		dropped = true
	}
	sub.queue = append(sub.queue, event)
	sub.cond.Signal()
	return dropped
}

// run drains the queue until the subscriber is closed, invoking the handler
// for one event at a time so delivery order matches publish order.
func (sub *subscriber) run(logger arbor.ILogger) {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		event := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		if err := sub.handler(context.Background(), event); err != nil && logger != nil {
			logger.Error().
				Err(err).
				Str("event_type", string(event.Type)).
				Msg("Event handler failed")
		}
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()
	sub.cond.Broadcast()
}
