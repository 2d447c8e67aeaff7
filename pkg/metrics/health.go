package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Component names registered by knobd
const (
	ComponentTuner      = "tuner"
	ComponentStateStore = "state_store"
	ComponentBackend    = "backend"
)

// Overall statuses reported on /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// ComponentReport is the per-component entry of a HealthStatus
type ComponentReport struct {
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Since    time.Time `json:"since"`
	Failures int       `json:"consecutive_failures,omitempty"`
	Critical bool      `json:"critical,omitempty"`
}

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentReport `json:"components,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
}

type component struct {
	healthy  bool
	message  string
	since    time.Time
	failures int
}

// Registry tracks component health. A failing critical component makes the
// process unhealthy; a failing non-critical one only degrades it.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*component
	critical   []string
	started    time.Time
	version    string
	now        func() time.Time
}

// NewRegistry creates a registry whose readiness depends on critical
func NewRegistry(critical ...string) *Registry {
	return &Registry{
		components: make(map[string]*component),
		critical:   critical,
		started:    time.Now(),
		now:        time.Now,
	}
}

// defaultRegistry backs the package-level helpers and handlers
var defaultRegistry = NewRegistry(ComponentTuner, ComponentStateStore)

// Set records the current health of name. Since only moves when the
// healthy flag flips.
func (r *Registry) Set(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c, ok := r.components[name]
	if !ok {
		c = &component{healthy: healthy, since: now}
		r.components[name] = c
	} else if c.healthy != healthy {
		c.healthy = healthy
		c.since = now
	}
	c.message = message
	if healthy {
		c.failures = 0
	} else {
		c.failures++
	}
}

// SetCritical replaces the set of components readiness depends on
func (r *Registry) SetCritical(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critical = slices.Clone(names)
}

// SetVersion sets the version string for health responses
func (r *Registry) SetVersion(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// Health reports every registered component
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.statusLocked(StatusHealthy)
	for name, c := range r.components {
		critical := slices.Contains(r.critical, name)
		out.Components[name] = r.reportLocked(c, critical)
		if c.healthy {
			continue
		}
		switch {
		case critical:
			out.Status = StatusUnhealthy
			out.Message = name + ": " + c.message
		case out.Status == StatusHealthy:
			out.Status = StatusDegraded
			out.Message = name + ": " + c.message
		}
	}
	return out
}

// Readiness reports only the critical components; each must be registered
// and healthy.
func (r *Registry) Readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.statusLocked(StatusReady)
	for _, name := range r.critical {
		c, ok := r.components[name]
		if !ok {
			out.Status = StatusNotReady
			out.Message = "waiting for " + name + " initialization"
			out.Components[name] = ComponentReport{Status: "not registered", Critical: true}
			continue
		}
		out.Components[name] = r.reportLocked(c, true)
		if !c.healthy {
			out.Status = StatusNotReady
			out.Message = "waiting for " + name
		}
	}
	return out
}

func (r *Registry) statusLocked(initial string) HealthStatus {
	now := r.now()
	return HealthStatus{
		Status:     initial,
		Timestamp:  now,
		Components: make(map[string]ComponentReport, len(r.components)),
		Version:    r.version,
		Uptime:     now.Sub(r.started).Round(time.Second).String(),
	}
}

func (r *Registry) reportLocked(c *component, critical bool) ComponentReport {
	rep := ComponentReport{
		Status:   StatusHealthy,
		Message:  c.message,
		Since:    c.since,
		Failures: c.failures,
		Critical: critical,
	}
	if !c.healthy {
		rep.Status = StatusUnhealthy
	}
	return rep
}

// RegisterComponent records a component's initial health
func RegisterComponent(name string, healthy bool, message string) {
	defaultRegistry.Set(name, healthy, message)
}

// UpdateComponent records a component's latest health
func UpdateComponent(name string, healthy bool, message string) {
	defaultRegistry.Set(name, healthy, message)
}

// SetCriticalComponents replaces the components readiness depends on
func SetCriticalComponents(names ...string) {
	defaultRegistry.SetCritical(names...)
}

// SetVersion sets the version reported on /health and /ready
func SetVersion(version string) {
	defaultRegistry.SetVersion(version)
}

// GetHealth returns the overall health status
func GetHealth() HealthStatus {
	return defaultRegistry.Health()
}

// GetReadiness returns the readiness of the critical components
func GetReadiness() HealthStatus {
	return defaultRegistry.Readiness()
}

// HealthHandler serves /health: 200 when healthy or degraded, 503 otherwise
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetHealth()
		code := http.StatusOK
		if h.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, h)
	}
}

// ReadyHandler serves /ready: 200 only when every critical component is up
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetReadiness()
		code := http.StatusOK
		if h.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, h)
	}
}

// LivenessHandler always answers 200 while the process can serve requests
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(defaultRegistry.started).Round(time.Second).String(),
		})
	}
}

func writeHealth(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
