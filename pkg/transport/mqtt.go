package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
)

// QoS levels used by the bridge
const (
	qosAtMostOnce byte = 0
)

// disconnectQuiesce is how long Disconnect waits for in-flight work, in ms.
const disconnectQuiesce = 250

// MQTTTransport talks to an MQTT broker through paho.
type MQTTTransport struct {
	cfg    config.TransportConfig
	logger customlog.Logger
	client mqtt.Client

	mu            sync.RWMutex
	connected     bool
	closed        bool
	subscriptions map[string]MessageHandler
}

// NewMQTTTransport creates an unconnected MQTT transport.
func NewMQTTTransport(cfg *config.Config, logger customlog.Logger) *MQTTTransport {
	return &MQTTTransport{
		cfg:           cfg.Transport,
		logger:        logger.WithField("transport", "mqtt"),
		subscriptions: make(map[string]MessageHandler),
	}
}

func (t *MQTTTransport) clientOptions() *mqtt.ClientOptions {
	broker := fmt.Sprintf("tcp://%s:%d", t.cfg.BrokerHost, t.cfg.BrokerPort)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(t.cfg.ClientID)
	opts.SetKeepAlive(t.cfg.KeepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)

	opts.OnConnect = func(c mqtt.Client) {
		t.mu.Lock()
		t.connected = true
		subs := make(map[string]MessageHandler, len(t.subscriptions))
		for topic, h := range t.subscriptions {
			subs[topic] = h
		}
		t.mu.Unlock()

		t.logger.Infof("Connected to MQTT broker %s", broker)

		// clean sessions drop subscriptions on reconnect
		for topic, h := range subs {
			if err := t.subscribe(topic, h); err != nil {
				t.logger.Errorf("Re-subscribe to %s failed: %v", topic, err)
			}
		}
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.logger.Warnf("MQTT connection lost, waiting for automatic reconnection: %v", err)
	}

	return opts
}

// Connect dials the broker and waits up to ConnectTimeout for the session.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	client := mqtt.NewClient(t.clientOptions())
	t.client = client
	t.mu.Unlock()

	t.logger.Infof("Connecting to MQTT broker %s:%d as %s", t.cfg.BrokerHost, t.cfg.BrokerPort, t.cfg.ClientID)

	if err := waitToken(ctx, client.Connect(), t.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connect to %s:%d failed: %w", t.cfg.BrokerHost, t.cfg.BrokerPort, err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Subscribe registers handler for topic and remembers it for reconnects.
func (t *MQTTTransport) Subscribe(topic string, handler MessageHandler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.subscriptions[topic] = handler
	t.mu.Unlock()

	if err := t.subscribe(topic, handler); err != nil {
		return err
	}
	t.logger.Infof("Subscribed to %s", topic)
	return nil
}

func (t *MQTTTransport) subscribe(topic string, handler MessageHandler) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}
	token := client.Subscribe(topic, qosAtMostOnce, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := waitToken(context.Background(), token, t.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt subscribe to %s failed: %w", topic, err)
	}
	return nil
}

// Unsubscribe stops delivery for topic.
func (t *MQTTTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	delete(t.subscriptions, topic)
	client := t.client
	t.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	if err := waitToken(context.Background(), client.Unsubscribe(topic), t.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt unsubscribe from %s failed: %w", topic, err)
	}
	t.logger.Infof("Unsubscribed from %s", topic)
	return nil
}

// Publish sends payload with QoS 0, waiting at most PublishTimeout.
func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	t.mu.RLock()
	connected, closed, client := t.connected, t.closed, t.client
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !connected || client == nil {
		return ErrNotConnected
	}

	token := client.Publish(topic, qosAtMostOnce, false, payload)
	if err := waitToken(context.Background(), token, t.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	client := t.client
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
		t.logger.Infof("Disconnected from MQTT broker")
	}
	return nil
}

// waitToken blocks until tok completes, ctx ends, or timeout elapses.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
