package handlers

import (
	"context"
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/mercator/internal/common"
)

// serverLogBufferSize bounds the batch queue between the logger and the hub.
const serverLogBufferSize = 100

// WebSocketWriter consumes log batches from arbor's context channel and
// forwards server log lines to the event-stream clients as serverLog
// messages. Lines below the configured minimum level or matching an exclude
// pattern are dropped before they reach the hub.
type WebSocketWriter struct {
	handler         *WebSocketHandler
	channel         chan []arbormodels.LogEvent
	minLevel        levels.LogLevel
	excludePatterns []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketWriter creates the log bridge. Register its channel with the
// logger (SetChannel) and call Start.
func NewWebSocketWriter(handler *WebSocketHandler, wsConfig common.WebSocketConfig) *WebSocketWriter {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketWriter{
		handler:         handler,
		channel:         make(chan []arbormodels.LogEvent, serverLogBufferSize),
		minLevel:        parseLogLevel(wsConfig.MinLevel),
		excludePatterns: wsConfig.ExcludePatterns,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// GetChannel returns the channel arbor delivers log batches to.
func (w *WebSocketWriter) GetChannel() chan []arbormodels.LogEvent {
	return w.channel
}

// Start launches the consumer goroutine.
func (w *WebSocketWriter) Start() {
	w.wg.Add(1)
	go w.consume()
}

func (w *WebSocketWriter) consume() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case batch, ok := <-w.channel:
			if !ok {
				return
			}
			for _, entry := range batch {
				w.forward(entry)
			}
		}
	}
}

// forward applies the level and pattern filters, then hands the line to the
// hub. BroadcastServerLog never logs, so the bridge cannot feed on itself.
func (w *WebSocketWriter) forward(entry arbormodels.LogEvent) {
	level := plogToArborLevel(entry.Level)
	if level < w.minLevel {
		return
	}
	for _, pattern := range w.excludePatterns {
		if strings.Contains(entry.Message, pattern) {
			return
		}
	}

	w.handler.BroadcastServerLog(ServerLogEntry{
		Timestamp: entry.Timestamp.Format("15:04:05"),
		Level:     levelName(level),
		Message:   entry.Message,
	})
}

// Close stops the consumer. Batches still queued are dropped.
func (w *WebSocketWriter) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel.
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseLogLevel converts a config string to an arbor level.
func parseLogLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// levelName maps arbor levels to the wire strings.
func levelName(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
