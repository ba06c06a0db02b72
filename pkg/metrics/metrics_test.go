package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/wrenlabs/wren/pkg/events"
)

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	sleepDuration := 10 * time.Millisecond
	timer := NewTimer()
	time.Sleep(sleepDuration)
	timer.ObserveDuration(histogram)

	var metric dto.Metric
	if err := histogram.Write(&metric); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 observation, got %d", metric.Histogram.GetSampleCount())
	}
	if metric.Histogram.GetSampleSum() < sleepDuration.Seconds() {
		t.Errorf("observed %v, want >= %v", metric.Histogram.GetSampleSum(), sleepDuration.Seconds())
	}
}

type fixedWorkers int

func (f fixedWorkers) LiveWorkers() int { return int(f) }

// TestCollector_EventCounters tests the event-derived restart counters
func TestCollector_EventCounters(t *testing.T) {
	sub := make(events.Subscriber, 8)
	c := NewCollector(fixedWorkers(2), sub)
	c.Start()
	defer c.Stop()

	crashBefore := testutil.ToFloat64(WorkerRestarts.WithLabelValues("crash"))
	staleBefore := testutil.ToFloat64(WorkerRestarts.WithLabelValues("heartbeat_timeout"))
	reloadBefore := testutil.ToFloat64(RollingRestarts)

	sub <- &events.Event{Type: events.EventWorkerRestarted}
	sub <- &events.Event{
		Type:     events.EventWorkerRestarted,
		Metadata: map[string]string{"reason": "heartbeat_timeout"},
	}
	sub <- &events.Event{Type: events.EventReloadStarted}
	// Events that feed no counter are ignored.
	sub <- &events.Event{Type: events.EventWorkerExited}

	deadline := time.After(2 * time.Second)
	for {
		crash := testutil.ToFloat64(WorkerRestarts.WithLabelValues("crash"))
		stale := testutil.ToFloat64(WorkerRestarts.WithLabelValues("heartbeat_timeout"))
		reload := testutil.ToFloat64(RollingRestarts)
		if crash == crashBefore+1 && stale == staleBefore+1 && reload == reloadBefore+1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("counters not derived from events: crash=%v stale=%v reload=%v",
				crash-crashBefore, stale-staleBefore, reload-reloadBefore)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := testutil.ToFloat64(ClusterWorkersCount); got != 2 {
		t.Errorf("expected cluster_workers_count 2, got %v", got)
	}
}

func resetTracker() {
	tracker = &healthTracker{
		components: make(map[string]componentState),
		critical:   []string{"supervisor", "metrics"},
		startTime:  time.Now(),
	}
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	resetTracker()
	SetVersion("1.0.0")
	SetComponentHealth("supervisor", true, "")
	SetComponentHealth("metrics", true, "")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var rep HealthReport
	if err := json.NewDecoder(rr.Body).Decode(&rep); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if rep.Status != "healthy" {
		t.Errorf("expected healthy, got %s", rep.Status)
	}
	if rep.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", rep.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetTracker()
	SetComponentHealth("supervisor", true, "")
	SetComponentHealth("ratelimiter", false, "aggregator stalled")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestReadyHandler_CriticalOnly(t *testing.T) {
	resetTracker()
	SetComponentHealth("supervisor", true, "")
	SetComponentHealth("metrics", true, "")
	// Non-critical components never gate readiness.
	SetComponentHealth("ratelimiter", false, "stalled")

	rr := httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyHandler_WaitsForRegistration(t *testing.T) {
	resetTracker()

	rr := httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetTracker()

	rr := httptest.NewRecorder()
	LivenessHandler()(rr, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHealthReport_WorkerCount(t *testing.T) {
	resetTracker()
	SetWorkerCounter(func() int { return 4 })
	SetComponentHealth("supervisor", true, "")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var rep HealthReport
	if err := json.NewDecoder(rr.Body).Decode(&rep); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if rep.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", rep.Workers)
	}
}
