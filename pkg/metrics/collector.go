package metrics

import (
	"time"
)

// EngineStats is the view of the engine the collector polls. Defined here so
// the packages exporting stats do not import this one back.
type EngineStats interface {
	// DocumentStats returns resident and dirty document counts.
	DocumentStats() (live, dirty int)
	// SubscriptionStats returns the number of active subscriptions.
	SubscriptionStats() int
	// ConnectionStats returns active connections by peer kind.
	ConnectionStats() map[string]int
}

// Collector periodically copies engine gauges into Prometheus.
type Collector struct {
	stats    EngineStats
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling stats every interval.
func NewCollector(stats EngineStats, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		stats:    stats,
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
	live, dirty := c.stats.DocumentStats()
	DocumentsLive.Set(float64(live))
	DocumentsDirty.Set(float64(dirty))

	SubscriptionsActive.Set(float64(c.stats.SubscriptionStats()))

	for kind, n := range c.stats.ConnectionStats() {
		ConnectionsActive.WithLabelValues(kind).Set(float64(n))
	}
}
