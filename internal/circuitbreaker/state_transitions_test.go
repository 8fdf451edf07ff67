package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errBackend = errors.New("backend unreachable")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		scenario    func(t *testing.T, cb *CircuitBreaker)
		expectedEnd State
	}{
		{
			name: "closed_to_open_after_max_failures",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					if err := cb.Execute(ctx, fail); !errors.Is(err, errBackend) {
						t.Errorf("Expected backend error, got %v", err)
					}
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "open_rejects_without_calling",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, fail)
				}
				called := false
				err := cb.Execute(ctx, func(context.Context) error {
					called = true
					return nil
				})
				if !errors.Is(err, ErrOpen) {
					t.Errorf("Expected ErrOpen, got %v", err)
				}
				if called {
					t.Error("Function must not run while open")
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "half_open_to_closed_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, fail)
				}
				time.Sleep(60 * time.Millisecond)
				if err := cb.Execute(ctx, succeed); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_to_open_on_failure",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, fail)
				}
				time.Sleep(60 * time.Millisecond)
				cb.Execute(ctx, fail)
			},
			expectedEnd: StateOpen,
		},
		{
			name: "failures_reset_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				cb.Execute(ctx, fail)
				cb.Execute(ctx, fail)
				cb.Execute(ctx, succeed)
				cb.Execute(ctx, fail)
				cb.Execute(ctx, fail)
			},
			expectedEnd: StateClosed,
		},
		{
			name: "ignored_errors_do_not_trip",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 10; i++ {
					err := cb.Execute(ctx, func(context.Context) error { return context.Canceled })
					if !errors.Is(err, context.Canceled) {
						t.Errorf("Expected context.Canceled to pass through, got %v", err)
					}
				}
			},
			expectedEnd: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(Config{
				Name:        "orders-write",
				MaxFailures: 3,
				Timeout:     50 * time.Millisecond,
				MaxRequests: 1,
			}, testLogger())

			tt.scenario(t, cb)

			if cb.State() != tt.expectedEnd {
				t.Errorf("Expected final state %s, got %s", tt.expectedEnd, cb.State())
			}
		})
	}
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	ctx := context.Background()
	cb := New(Config{MaxFailures: 1, Timeout: 20 * time.Millisecond, MaxRequests: 1}, testLogger())
	cb.Execute(ctx, fail)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected second trial call to be rejected, got %v", err)
	}
	close(release)
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after successful trial call, got %s", cb.State())
	}
}

func TestStateChangeCallback(t *testing.T) {
	ctx := context.Background()
	changes := make(chan State, 4)
	cb := New(Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			changes <- to
		},
	}, testLogger())

	cb.Execute(ctx, fail)

	select {
	case to := <-changes:
		if to != StateOpen {
			t.Errorf("Expected transition to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("State change callback not invoked")
	}
}

func TestMetricsAndReset(t *testing.T) {
	ctx := context.Background()
	cb := New(Config{Name: "tables", MaxFailures: 2, Timeout: time.Minute}, testLogger())

	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, succeed)

	m := cb.Metrics()
	if m.TotalRequests != 3 || m.TotalSuccesses != 1 || m.TotalFailures != 2 || m.TotalRejected != 1 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
	if m.State != "open" {
		t.Errorf("Expected open, got %s", m.State)
	}

	cb.Reset()
	if cb.State() != StateClosed || cb.Metrics().Failures != 0 {
		t.Errorf("Reset did not close the breaker: %s", cb)
	}
}
