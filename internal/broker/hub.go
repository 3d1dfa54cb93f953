// Package broker implements the futures-gateway adapter: a REST client for
// authentication, account and contract lookup, historical bars and orders, a
// websocket trade stream, and a mock gateway for simulation and tests. Both
// implementations share the ref-counted subscription hub: the first consumer
// for a contract opens the underlying stream, the last one to leave closes
// it.
package broker

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

// openStreamFunc starts the underlying trade stream for one contract and
// returns a function that stops it.
type openStreamFunc func(contractID string, deliver func([]models.TradeTick)) (func(), error)

type contractStream struct {
	consumers map[int64]interfaces.TradeConsumer
	stop      func()
}

// subscriptionHub fans one stream per contract out to many consumers.
type subscriptionHub struct {
	mu      sync.Mutex
	streams map[string]*contractStream
	nextID  int64
	open    openStreamFunc
	logger  arbor.ILogger
}

func newSubscriptionHub(open openStreamFunc, logger arbor.ILogger) *subscriptionHub {
	return &subscriptionHub{
		streams: make(map[string]*contractStream),
		open:    open,
		logger:  logger,
	}
}

// subscribe registers a consumer, opening the underlying stream when it is
// the contract's first.
func (h *subscriptionHub) subscribe(contractID string, consumer interfaces.TradeConsumer) (interfaces.StreamHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream, ok := h.streams[contractID]
	if !ok {
		stream = &contractStream{consumers: make(map[int64]interfaces.TradeConsumer)}
		stop, err := h.open(contractID, func(trades []models.TradeTick) {
			h.deliver(contractID, trades)
		})
		if err != nil {
			return nil, err
		}
		stream.stop = stop
		h.streams[contractID] = stream
		metrics.StreamSubscriptions.Inc()

		if h.logger != nil {
			h.logger.Info().Str("contract_id", contractID).Msg("Opened trade stream")
		}
	}

	h.nextID++
	id := h.nextID
	stream.consumers[id] = consumer

	return &hubHandle{hub: h, contractID: contractID, id: id}, nil
}

// unsubscribe detaches a consumer, closing the underlying stream when it was
// the contract's last.
func (h *subscriptionHub) unsubscribe(contractID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream, ok := h.streams[contractID]
	if !ok {
		return
	}
	if _, ok := stream.consumers[id]; !ok {
		return
	}
	delete(stream.consumers, id)

	if len(stream.consumers) == 0 {
		delete(h.streams, contractID)
		stream.stop()
		metrics.StreamSubscriptions.Dec()

		if h.logger != nil {
			h.logger.Info().Str("contract_id", contractID).Msg("Closed trade stream")
		}
	}
}

// deliver fans a trade batch out to the contract's current consumers.
func (h *subscriptionHub) deliver(contractID string, trades []models.TradeTick) {
	if len(trades) == 0 {
		return
	}

	h.mu.Lock()
	stream, ok := h.streams[contractID]
	if !ok {
		h.mu.Unlock()
		return
	}
	consumers := make([]interfaces.TradeConsumer, 0, len(stream.consumers))
	for _, consumer := range stream.consumers {
		consumers = append(consumers, consumer)
	}
	h.mu.Unlock()

	for _, consumer := range consumers {
		consumer(trades)
	}
}

// activeStreams reports how many contracts currently have an open stream.
func (h *subscriptionHub) activeStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// closeAll stops every stream and forgets all consumers.
func (h *subscriptionHub) closeAll() {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]*contractStream)
	h.mu.Unlock()

	for contractID, stream := range streams {
		stream.stop()
		metrics.StreamSubscriptions.Dec()
		if h.logger != nil {
			h.logger.Debug().Str("contract_id", contractID).Msg("Closed trade stream")
		}
	}
}

// hubHandle is the subscription token returned to consumers.
type hubHandle struct {
	hub        *subscriptionHub
	contractID string
	id         int64
	once       sync.Once
}

func (s *hubHandle) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.unsubscribe(s.contractID, s.id)
	})
	return nil
}
