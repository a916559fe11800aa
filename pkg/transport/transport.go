// Package transport abstracts the publish/subscribe channel between the
// bridge and the mobile app. Two implementations exist: MQTT (the default,
// matching the app's broker-based pairing) and ZeroMQ PUB/SUB for
// broker-less deployments on a local network.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
)

// Common errors
var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("transport is closed")
	ErrTimeout      = errors.New("transport operation timed out")
)

// MessageHandler is invoked for every message on a subscribed topic. It may
// be called from a transport-owned goroutine.
type MessageHandler func(topic string, payload []byte)

// Transport is a session with the pub/sub channel.
type Transport interface {
	// Connect establishes the session. A failure here is fatal for the bridge.
	Connect(ctx context.Context) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	// Publish sends payload at most once; it does not retry.
	Publish(topic string, payload []byte) error
	// Close releases the session. Safe to call more than once.
	Close() error
}

// New builds the transport selected by cfg.Transport.Kind.
func New(cfg *config.Config, logger customlog.Logger) (Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportMQTT:
		return NewMQTTTransport(cfg, logger), nil
	case config.TransportZeroMQ:
		return NewZeroMQTransport(cfg, logger), nil
	}
	return nil, fmt.Errorf("unsupported transport kind %q", cfg.Transport.Kind)
}
