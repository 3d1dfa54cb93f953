package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/models"
)

const (
	// streamBackoffInitial is the delay before the first reconnect attempt.
	streamBackoffInitial = time.Second

	// streamBackoffMax caps the reconnect delay.
	streamBackoffMax = 30 * time.Second

	// streamReadTimeout marks the stream dead when no frame arrives in time.
	// The gateway heartbeats well inside this window.
	streamReadTimeout = 90 * time.Second
)

// tradeFrame is one websocket message from the market hub: a batch of trades
// for a single contract.
type tradeFrame struct {
	ContractID string `json:"contractId"`
	Trades     []struct {
		Price     float64   `json:"price"`
		Size      int64     `json:"size"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"trades"`
}

// openStream dials the market hub for one contract and pumps decoded trade
// batches into deliver until the returned stop function is called. The pump
// reconnects on failure with capped backoff; openStream itself never fails
// once the first goroutine is launched.
func (c *Client) openStream(contractID string, deliver func([]models.TradeTick)) (func(), error) {
	if c.marketURL == "" {
		return nil, common.ValidationError("broker connection has no marketUrl")
	}

	done := make(chan struct{})
	common.SafeGo(c.logger, "trade-stream-"+contractID, func() {
		c.runStream(contractID, deliver, done)
	})

	return func() { close(done) }, nil
}

// runStream is the reconnect loop for one contract's trade stream.
func (c *Client) runStream(contractID string, deliver func([]models.TradeTick), done <-chan struct{}) {
	backoff := streamBackoffInitial

	for {
		select {
		case <-done:
			return
		default:
		}

		err := c.pumpStream(contractID, deliver, done)
		if err == nil {
			// stop was requested while the connection was healthy.
			return
		}

		if c.logger != nil {
			c.logger.Warn().
				Err(err).
				Str("contract_id", contractID).
				Str("retry_in", backoff.String()).
				Msg("Trade stream interrupted, reconnecting")
		}

		select {
		case <-done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > streamBackoffMax {
			backoff = streamBackoffMax
		}
	}
}

// pumpStream runs a single websocket session: dial, subscribe, read until the
// connection drops or done closes. A nil return means done closed.
func (c *Client) pumpStream(contractID string, deliver func([]models.TradeTick), done <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.authTimeout)
	token, err := c.bearer(ctx)
	cancel()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/trades?contractId=%s", strings.TrimRight(c.marketURL, "/"), contractID)
	conn, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{
		"Authorization": {"Bearer " + token},
	})
	if err != nil {
		return fmt.Errorf("dial market hub: %w", err)
	}

	// ReadMessage only unblocks when the connection dies, so a watcher
	// closes it when stop is requested.
	sessionOver := make(chan struct{})
	defer close(sessionOver)
	common.SafeGo(c.logger, "trade-stream-watch-"+contractID, func() {
		select {
		case <-done:
			conn.Close()
		case <-sessionOver:
			conn.Close()
		}
	})

	if c.logger != nil {
		c.logger.Info().Str("contract_id", contractID).Msg("Trade stream connected")
	}

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("read market hub: %w", err)
			}
		}

		var frame tradeFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			if c.logger != nil {
				c.logger.Debug().Err(err).Str("contract_id", contractID).Msg("Dropping undecodable stream frame")
			}
			continue
		}
		if len(frame.Trades) == 0 {
			continue
		}

		ticks := make([]models.TradeTick, 0, len(frame.Trades))
		for _, tr := range frame.Trades {
			ticks = append(ticks, models.TradeTick{
				ContractID: contractID,
				Price:      tr.Price,
				Size:       tr.Size,
				Timestamp:  tr.Timestamp,
			})
		}
		deliver(ticks)
	}
}
