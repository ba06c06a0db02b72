package metrics

import (
	"time"

	"github.com/wrenlabs/wren/pkg/events"
)

// ClusterState is the supervisor surface the collector polls
type ClusterState interface {
	LiveWorkers() int
}

// Collector keeps the cluster gauges in sync with supervisor state and
// derives the restart counters from the supervisor's event stream.
type Collector struct {
	state  ClusterState
	events events.Subscriber
	period time.Duration
	stopCh chan struct{}
}

// NewCollector creates a metrics collector. sub is a subscription on the
// supervisor's event broker; nil disables event-derived counters.
func NewCollector(state ClusterState, sub events.Subscriber) *Collector {
	return &Collector{
		state:  state,
		events: sub,
		period: 15 * time.Second,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case event, ok := <-c.events:
				if !ok {
					c.events = nil
					continue
				}
				c.observe(event)
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
	ClusterWorkersCount.Set(float64(c.state.LiveWorkers()))
}

// observe maps one supervisor event onto the counters it feeds
func (c *Collector) observe(event *events.Event) {
	switch event.Type {
	case events.EventWorkerRestarted:
		reason := event.Metadata["reason"]
		if reason == "" {
			reason = "crash"
		}
		WorkerRestarts.WithLabelValues(reason).Inc()
	case events.EventReloadStarted:
		RollingRestarts.Inc()
	}
}
