package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
)

// Monitor periodically checks one signal and reports it as a component in
// the metrics health registry
type Monitor struct {
	component string
	checker   Checker
	config    Config

	mu     sync.RWMutex
	status *Status

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor publishing checker results under component
func NewMonitor(component string, checker Checker, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Monitor{
		component: component,
		checker:   checker,
		config:    config,
		status:    NewStatus(),
		stopCh:    make(chan struct{}),
	}
}

// Start starts the monitor loop
func (m *Monitor) Start() {
	go m.loop()
}

// Stop stops the monitor loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Status returns a copy of the current status
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.status
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run initial check immediately
	m.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			m.RunOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// RunOnce performs a single check and reports the result
func (m *Monitor) RunOnce(ctx context.Context) Status {
	checkCtx := ctx
	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}

	result := m.checker.Check(checkCtx)

	m.mu.Lock()
	wasHealthy := m.status.Healthy
	m.status.Update(result, m.config)
	st := *m.status
	m.mu.Unlock()

	msg := ""
	if !st.Healthy {
		msg = result.Message
	}
	metrics.UpdateComponent(m.component, st.Healthy, msg)

	if wasHealthy != st.Healthy {
		logger := log.WithComponent("health")
		if st.Healthy {
			logger.Info().Str("check", m.checker.Name()).Msg("Signal recovered")
		} else {
			logger.Warn().
				Str("check", m.checker.Name()).
				Int("consecutive_failures", st.ConsecutiveFailures).
				Str("reason", result.Message).
				Msg("Signal unhealthy")
		}
	}
	return st
}
