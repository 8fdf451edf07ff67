package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int

	// IsFailure decides whether an error counts against the backend. Errors
	// it rejects (not found, caller cancellation) pass through untouched.
	IsFailure func(error) bool

	OnStateChange func(name string, from State, to State)
}

// Metrics is a point-in-time view of a breaker, served on the health endpoint.
type Metrics struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalRejected   int64     `json:"total_rejected"`
	StateChanges    int64     `json:"state_changes"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change,omitempty"`
}

// CircuitBreaker guards calls to the backend data service so that a dead
// backend fails fast instead of stacking up timeouts on every screen action.
type CircuitBreaker struct {
	cfg Config

	mutex           sync.Mutex
	state           State
	failures        int
	halfOpenCalls   int
	lastFailure     time.Time
	lastStateChange time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
	stateChanges   int64

	logger *logrus.Logger
}

func New(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "backend"
	}
	if cfg.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": cfg.Name,
			"invalid_value":   cfg.MaxFailures,
		}).Warn("Invalid MaxFailures value, using default")
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Timeout > 10*time.Minute {
		logger.WithField("circuit_breaker", cfg.Name).Warn("Timeout too high, capping at 10m")
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}

	return &CircuitBreaker{
		cfg:    cfg,
		state:  StateClosed,
		logger: logger,
	}
}

// Execute runs fn unless the breaker is open. Errors returned by fn are
// passed back unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if err != nil && cb.cfg.IsFailure(err) {
		cb.totalFailures++
		cb.onFailure()
		return err
	}
	cb.totalSuccesses++
	cb.onSuccess()
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) <= cb.cfg.Timeout {
			cb.totalRejected++
			return fmt.Errorf("%w: %s", ErrOpen, cb.cfg.Name)
		}
		cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenCalls >= cb.cfg.MaxRequests {
			cb.totalRejected++
			return fmt.Errorf("%w: %s", ErrOpen, cb.cfg.Name)
		}
		cb.halfOpenCalls++
	}

	cb.totalRequests++
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.halfOpenCalls = 0
	cb.stateChanges++
	cb.lastStateChange = time.Now()

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"from_state":      prev.String(),
		"to_state":        next.String(),
	}).Info("Circuit breaker state changed")

	if cb.cfg.OnStateChange != nil {
		go cb.notify(prev, next)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.cfg.Name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	cb.cfg.OnStateChange(cb.cfg.Name, from, to)
}

func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return Metrics{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		StateChanges:    cb.stateChanges,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.lastFailure = time.Time{}
}

func (cb *CircuitBreaker) String() string {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		cb.cfg.Name, cb.state.String(), cb.failures, cb.cfg.MaxFailures)
}
