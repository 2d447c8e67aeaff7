package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActivePolicy reports the persisted policy name; 1 marks the active one
var ActivePolicy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "knobd_active_policy",
		Help: "Persisted active policy (1 = active)",
	},
	[]string{"policy"},
)

func init() {
	prometheus.MustRegister(ActivePolicy)
}

// PolicySource exposes the persisted active policy. An empty name means no
// policy has been committed yet.
type PolicySource interface {
	ActivePolicy(ctx context.Context) (string, error)
}

// Collector periodically reads the policy state store, exporting the active
// policy and the store's health.
type Collector struct {
	source   PolicySource
	interval time.Duration
	stopCh   chan struct{}
	last     string
}

// NewCollector creates a new metrics collector
func NewCollector(source PolicySource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	name, err := c.source.ActivePolicy(ctx)
	if err != nil {
		UpdateComponent(ComponentStateStore, false, err.Error())
		return
	}
	UpdateComponent(ComponentStateStore, true, "")

	if name == c.last {
		return
	}
	if c.last != "" {
		ActivePolicy.WithLabelValues(c.last).Set(0)
	}
	if name != "" {
		ActivePolicy.WithLabelValues(name).Set(1)
	}
	c.last = name
}
