package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
)

const (
	zmqPollInterval  = 100 * time.Millisecond
	zmqSocketTimeout = 1 * time.Second
)

// ZeroMQTransport publishes on a bound PUB socket and receives on a SUB
// socket connected to the app. Each message is a two-frame multipart
// [topic, payload].
type ZeroMQTransport struct {
	cfg    config.ZeroMQConfig
	logger customlog.Logger

	zctx *zmq4.Context

	pubMu sync.Mutex
	pub   *zmq4.Socket

	subMu    sync.Mutex
	sub      *zmq4.Socket
	handlers map[string]MessageHandler

	mu        sync.RWMutex
	connected bool
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewZeroMQTransport creates an unconnected ZeroMQ transport.
func NewZeroMQTransport(cfg *config.Config, logger customlog.Logger) *ZeroMQTransport {
	return &ZeroMQTransport{
		cfg:      cfg.Transport.ZeroMQ,
		logger:   logger.WithField("transport", "zeromq"),
		handlers: make(map[string]MessageHandler),
	}
}

// Connect binds the PUB socket, connects the SUB socket and starts the
// receive loop.
func (t *ZeroMQTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.connected {
		return nil
	}

	zctx, err := zmq4.NewContext()
	if err != nil {
		return fmt.Errorf("failed to create ZeroMQ context: %w", err)
	}

	pub, err := newSocket(zctx, zmq4.PUB)
	if err != nil {
		zctx.Term()
		return err
	}
	if err := pub.Bind(t.cfg.PublishAddress); err != nil {
		pub.Close()
		zctx.Term()
		return fmt.Errorf("failed to bind PUB socket to %s: %w", t.cfg.PublishAddress, err)
	}

	sub, err := newSocket(zctx, zmq4.SUB)
	if err != nil {
		pub.Close()
		zctx.Term()
		return err
	}
	if err := sub.SetRcvtimeo(zmqSocketTimeout); err != nil {
		sub.Close()
		pub.Close()
		zctx.Term()
		return fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err := sub.Connect(t.cfg.SubscribeAddress); err != nil {
		sub.Close()
		pub.Close()
		zctx.Term()
		return fmt.Errorf("failed to connect SUB socket to %s: %w", t.cfg.SubscribeAddress, err)
	}

	t.zctx, t.pub, t.sub = zctx, pub, sub
	t.connected = true

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.receiveLoop(loopCtx)

	t.logger.Infof("ZeroMQ transport ready: PUB on %s, SUB from %s", t.cfg.PublishAddress, t.cfg.SubscribeAddress)
	return nil
}

func newSocket(zctx *zmq4.Context, kind zmq4.Type) (*zmq4.Socket, error) {
	socket, err := zctx.NewSocket(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s socket: %w", kind, err)
	}
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger option: %w", err)
	}
	return socket, nil
}

// receiveLoop polls the SUB socket and dispatches [topic, payload] frames.
func (t *ZeroMQTransport) receiveLoop(ctx context.Context) {
	defer t.wg.Done()

	poller := zmq4.NewPoller()
	poller.Add(t.sub, zmq4.POLLIN)

	for {
		if ctx.Err() != nil {
			return
		}

		// sockets are not goroutine-safe; Subscribe shares subMu with us
		t.subMu.Lock()
		sockets, err := poller.Poll(zmqPollInterval)
		if err != nil || len(sockets) == 0 {
			t.subMu.Unlock()
			if err != nil && ctx.Err() == nil {
				t.logger.Warnf("Error polling SUB socket: %v", err)
			}
			continue
		}
		frames, err := t.sub.RecvMessageBytes(0)
		t.subMu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warnf("Error receiving message: %v", err)
			}
			continue
		}
		if len(frames) != 2 {
			t.logger.Warnf("Dropping message with %d frames, expected [topic, payload]", len(frames))
			continue
		}

		topic := string(frames[0])
		t.subMu.Lock()
		handler, ok := t.handlers[topic]
		t.subMu.Unlock()
		if !ok {
			t.logger.Debugf("No handler for topic %s", topic)
			continue
		}
		handler(topic, frames[1])
	}
}

// Subscribe sets a SUB filter for topic. Topics match by prefix on the
// wire; the handler is only called on an exact topic match.
func (t *ZeroMQTransport) Subscribe(topic string, handler MessageHandler) error {
	t.mu.RLock()
	connected, closed := t.connected, t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}

	t.subMu.Lock()
	defer t.subMu.Unlock()
	if err := t.sub.SetSubscribe(topic); err != nil {
		return fmt.Errorf("zeromq subscribe to %s failed: %w", topic, err)
	}
	t.handlers[topic] = handler
	t.logger.Infof("Subscribed to %s", topic)
	return nil
}

// Unsubscribe removes the SUB filter for topic.
func (t *ZeroMQTransport) Unsubscribe(topic string) error {
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()

	t.subMu.Lock()
	defer t.subMu.Unlock()
	delete(t.handlers, topic)
	if !connected || t.sub == nil {
		return nil
	}
	if err := t.sub.SetUnsubscribe(topic); err != nil {
		return fmt.Errorf("zeromq unsubscribe from %s failed: %w", topic, err)
	}
	t.logger.Infof("Unsubscribed from %s", topic)
	return nil
}

// Publish sends [topic, payload] on the PUB socket.
func (t *ZeroMQTransport) Publish(topic string, payload []byte) error {
	t.mu.RLock()
	connected, closed := t.connected, t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.pub == nil {
		return ErrClosed
	}

	if _, err := t.pub.Send(topic, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("failed to send topic: %w", err)
	}
	if _, err := t.pub.SendBytes(payload, 0); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close stops the receive loop, then closes both sockets and the context.
func (t *ZeroMQTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	wasConnected := t.connected
	t.connected = false
	t.mu.Unlock()

	if !wasConnected {
		return nil
	}

	t.cancel()
	t.wg.Wait()

	t.subMu.Lock()
	t.sub.Close()
	t.sub = nil
	t.subMu.Unlock()

	t.pubMu.Lock()
	t.pub.Close()
	t.pub = nil
	t.pubMu.Unlock()

	if err := t.zctx.Term(); err != nil {
		return fmt.Errorf("failed to terminate ZeroMQ context: %w", err)
	}
	t.logger.Infof("ZeroMQ transport closed")
	return nil
}
