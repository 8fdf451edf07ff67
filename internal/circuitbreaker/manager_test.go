package circuitbreaker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestManager(t *testing.T) {
	manager := NewManager(Config{MaxFailures: 1, Timeout: time.Minute}, testLogger())

	reads := manager.Get("orders-read")
	if reads == nil {
		t.Fatal("Expected circuit breaker, got nil")
	}
	if manager.Get("orders-read") != reads {
		t.Error("Expected same circuit breaker instance")
	}
	writes := manager.Get("orders-write")
	if writes == reads {
		t.Error("Expected different circuit breaker instances")
	}
	if writes.Name() != "orders-write" {
		t.Errorf("Expected name orders-write, got %s", writes.Name())
	}

	writes.Execute(context.Background(), fail)
	metrics := manager.Metrics()
	if len(metrics) != 2 || metrics[0].Name != "orders-read" || metrics[1].State != "open" {
		t.Errorf("Unexpected metrics: %+v", metrics)
	}

	manager.ResetAll()
	if writes.State() != StateClosed {
		t.Errorf("Expected closed after ResetAll, got %s", writes.State())
	}
}

func TestManagerConcurrentAccess(t *testing.T) {
	manager := NewManager(Config{MaxFailures: 3, Timeout: 100 * time.Millisecond}, testLogger())

	var wg sync.WaitGroup
	seen := make(chan *CircuitBreaker, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb := manager.Get("concurrent")
			cb.Execute(context.Background(), succeed)
			_ = manager.Metrics()
			seen <- cb
		}()
	}
	wg.Wait()
	close(seen)

	var first *CircuitBreaker
	for cb := range seen {
		if first == nil {
			first = cb
		}
		if cb != first {
			t.Fatal("Concurrent Get returned different instances")
		}
	}
	if got := first.Metrics().TotalSuccesses; got != 50 {
		t.Errorf("Expected 50 successes, got %d", got)
	}
}
