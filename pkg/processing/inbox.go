package processing

import (
	"sync"
	"time"

	customlog "github.com/carrymate/bridge/pkg/log"
)

// DeliverFunc handles one inbound message.
type DeliverFunc func(topic string, payload []byte)

// Inbox gates inbound messages into a handler. Once Close returns, no
// handler call is running and every later Deliver is refused.
type Inbox struct {
	name    string
	logger  customlog.Logger
	handler DeliverFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   InboxMetrics
}

// InboxMetrics tracks delivery counts and handler latency.
type InboxMetrics struct {
	DeliveredCount    int64 `json:"delivered"`
	RefusedCount      int64 `json:"refused"`
	LastProcessedTime int64 `json:"last_processed_ns"`
	ProcessingTimeAvg int64 `json:"processing_time_avg_us"` // in microseconds
	ProcessingTimeMax int64 `json:"processing_time_max_us"` // in microseconds
}

// NewInbox creates an open inbox that passes messages to handler.
func NewInbox(name string, handler DeliverFunc, logger customlog.Logger) *Inbox {
	return &Inbox{
		name:    name,
		logger:  logger,
		handler: handler,
	}
}

// enter registers an in-flight delivery, or reports false if closed.
func (b *Inbox) enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

// Deliver runs the handler for one message on the caller's goroutine.
// It returns false when the inbox is closed.
func (b *Inbox) Deliver(topic string, payload []byte) bool {
	if !b.enter() {
		b.metricsMu.Lock()
		b.metrics.RefusedCount++
		b.metricsMu.Unlock()
		b.logger.Debugf("%s inbox closed, discarding message on %s", b.name, topic)
		return false
	}
	defer b.wg.Done()

	startTime := time.Now()
	b.handler(topic, payload)
	processingTime := time.Since(startTime).Microseconds()

	b.metricsMu.Lock()
	b.metrics.DeliveredCount++
	b.metrics.LastProcessedTime = time.Now().UnixNano()
	if b.metrics.ProcessingTimeAvg == 0 {
		b.metrics.ProcessingTimeAvg = processingTime
	} else {
		// Simple moving average
		b.metrics.ProcessingTimeAvg = (b.metrics.ProcessingTimeAvg + processingTime) / 2
	}
	if processingTime > b.metrics.ProcessingTimeMax {
		b.metrics.ProcessingTimeMax = processingTime
	}
	b.metricsMu.Unlock()
	return true
}

// Close refuses new deliveries and waits for in-flight ones to finish.
// Safe to call more than once.
func (b *Inbox) Close() {
	b.mu.Lock()
	already := b.closed
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	if already {
		return
	}

	m := b.GetMetrics()
	b.logger.Infof("%s inbox closed: delivered=%d, refused=%d, avg_time=%dµs, max_time=%dµs",
		b.name, m.DeliveredCount, m.RefusedCount, m.ProcessingTimeAvg, m.ProcessingTimeMax)
}

// Closed reports whether Close has been called.
func (b *Inbox) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// GetMetrics returns a copy of the current metrics
func (b *Inbox) GetMetrics() InboxMetrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()

	return b.metrics
}

// GetName returns the inbox name
func (b *Inbox) GetName() string {
	return b.name
}
