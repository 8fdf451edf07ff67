package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager keeps one breaker per backend concern (order reads, order writes,
// table projection).
type Manager struct {
	defaults Config
	breakers map[string]*CircuitBreaker
	mutex    sync.RWMutex
	logger   *logrus.Logger
}

func NewManager(defaults Config, logger *logrus.Logger) *Manager {
	return &Manager{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it from the defaults.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mutex.RLock()
	cb, ok := m.breakers[name]
	m.mutex.RUnlock()
	if ok {
		return cb
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cfg := m.defaults
	cfg.Name = name
	cb = New(cfg, m.logger)
	m.breakers[name] = cb

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    cb.cfg.MaxFailures,
		"timeout":         cb.cfg.Timeout.String(),
	}).Info("Circuit breaker created")
	return cb
}

// Metrics returns the metrics of every breaker sorted by name.
func (m *Manager) Metrics() []Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]Metrics, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) ResetAll() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
	m.logger.Info("All circuit breakers reset")
}
