package api

import (
	"sync"

	"github.com/carrymate/bridge/domain/robot"
	customlog "github.com/carrymate/bridge/pkg/log"
)

// clientBuffer is how many snapshots a slow client may lag behind.
const clientBuffer = 16

// TelemetryHub fans telemetry snapshots out to websocket clients. It is a
// robot.Publisher, so the emitter feeds it directly.
type TelemetryHub struct {
	logger  customlog.Logger
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	dropped uint64
}

// NewTelemetryHub creates an empty hub.
func NewTelemetryHub(logger customlog.Logger) *TelemetryHub {
	return &TelemetryHub{
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
	}
}

// Subscribe registers a client. The returned cancel func unregisters it
// and closes the channel.
func (h *TelemetryHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, clientBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Infof("Telemetry client connected (%d total)", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			close(ch)
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Infof("Telemetry client disconnected (%d remaining)", count)
		})
	}
}

// PublishTelemetry queues s for every client. A client whose buffer is
// full misses this snapshot; it is never retried.
func (h *TelemetryHub) PublishTelemetry(s robot.Snapshot) error {
	payload, err := s.Encode()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.dropped++
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *TelemetryHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many per-client snapshots were discarded.
func (h *TelemetryHub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
