package processing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	customlog "github.com/carrymate/bridge/pkg/log"
)

func TestInboxDeliversInOrder(t *testing.T) {
	var got []string
	inbox := NewInbox("command", func(topic string, payload []byte) {
		got = append(got, string(payload))
	}, customlog.NewNopLogger())

	for _, p := range []string{"a", "b", "c"} {
		if !inbox.Deliver("t", []byte(p)) {
			t.Fatalf("Expected delivery of %q to be accepted", p)
		}
	}

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Expected [a b c], got %v", got)
	}
	if m := inbox.GetMetrics(); m.DeliveredCount != 3 || m.RefusedCount != 0 {
		t.Errorf("Expected 3 delivered, 0 refused, got %+v", m)
	}
}

func TestInboxRefusesAfterClose(t *testing.T) {
	var calls atomic.Int32
	inbox := NewInbox("command", func(string, []byte) { calls.Add(1) }, customlog.NewNopLogger())

	inbox.Close()
	inbox.Close()

	if inbox.Deliver("t", []byte("x")) {
		t.Errorf("Expected delivery after Close to be refused")
	}
	if calls.Load() != 0 {
		t.Errorf("Expected handler not to run after Close")
	}
	if !inbox.Closed() {
		t.Errorf("Expected Closed() to report true")
	}
	if m := inbox.GetMetrics(); m.RefusedCount != 1 {
		t.Errorf("Expected 1 refused, got %d", m.RefusedCount)
	}
}

func TestInboxCloseWaitsForInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	inbox := NewInbox("command", func(string, []byte) {
		close(entered)
		<-release
		finished.Store(true)
	}, customlog.NewNopLogger())

	go inbox.Deliver("t", []byte("slow"))
	<-entered

	closed := make(chan struct{})
	go func() {
		inbox.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("Expected Close to block while a handler is running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return after handler finished")
	}
	if !finished.Load() {
		t.Errorf("Expected in-flight handler to finish before Close returned")
	}
}

func TestInboxConcurrentDeliverAndClose(t *testing.T) {
	var afterClose atomic.Int32
	var closedFlag atomic.Bool

	inbox := NewInbox("command", func(string, []byte) {
		if closedFlag.Load() {
			afterClose.Add(1)
		}
	}, customlog.NewNopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				inbox.Deliver("t", nil)
			}
		}()
	}

	time.Sleep(time.Millisecond)
	inbox.Close()
	closedFlag.Store(true)
	wg.Wait()

	if n := afterClose.Load(); n != 0 {
		t.Errorf("Expected no handler calls after Close returned, got %d", n)
	}
	m := inbox.GetMetrics()
	if m.DeliveredCount+m.RefusedCount != 8*200 {
		t.Errorf("Expected delivered+refused = %d, got %d+%d", 8*200, m.DeliveredCount, m.RefusedCount)
	}
}
