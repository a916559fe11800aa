package api

import (
	"errors"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"

	customlog "github.com/carrymate/bridge/pkg/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxControlMessageSize = 4 * 1024
)

// CommandSink accepts inbound command payloads.
type CommandSink interface {
	Deliver(topic string, payload []byte) bool
}

// TelemetryWebSocketHandler streams every snapshot published through hub
// as a JSON text frame until the client goes away.
func TelemetryWebSocketHandler(conn *websocket.Conn, hub *TelemetryHub, logger customlog.Logger) {
	logger.Infof("Telemetry WebSocket connected: %s", conn.RemoteAddr())
	updates, cancel := hub.Subscribe()
	defer cancel()

	// reader only detects disconnects and handles pongs
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			logger.Infof("Telemetry WebSocket disconnected: %s", conn.RemoteAddr())
			return
		case payload, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debugf("Telemetry WS write failed: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ControlWebSocketHandler feeds text frames into sink as commands on topic.
// Frames go through the same gate and processor as transport messages.
func ControlWebSocketHandler(conn *websocket.Conn, sink CommandSink, topic string, logger customlog.Logger) {
	logger.Infof("Control WebSocket connected: %s", conn.RemoteAddr())
	conn.SetReadLimit(maxControlMessageSize)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("Control WS read error: %v", err)
			} else if !errors.Is(err, syscall.EPIPE) && !errors.Is(err, syscall.ECONNRESET) {
				logger.Infof("Control WS connection closed: %v", err)
			}
			break
		}

		if mt != websocket.TextMessage {
			logger.Infof("Ignoring non-text Control WS message type: %d", mt)
			continue
		}

		if !sink.Deliver(topic, msg) {
			logger.Warnf("Bridge is shutting down, closing control WebSocket")
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			break
		}
	}
	logger.Infof("Control WebSocket disconnected: %s", conn.RemoteAddr())
}
