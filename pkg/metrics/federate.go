package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// EndpointSource lists the loopback scrape endpoints of live workers
type EndpointSource interface {
	WorkerMetricsEndpoints() []string
}

// Federator merges the master's own registry with scrapes of every worker's
// loopback endpoint, so a single scrape port serves the whole pool. Workers
// serve the dedicated worker registry (WorkerHandler), whose families are
// all worker_id-labeled and disjoint from the master's populated series, so
// the by-name merge never emits duplicates.
type Federator struct {
	source   EndpointSource
	gatherer prometheus.Gatherer
	client   *http.Client
}

// NewFederator builds a federating scrape handler over the default registry
func NewFederator(source EndpointSource) *Federator {
	return &Federator{
		source:   source,
		gatherer: prometheus.DefaultGatherer,
		client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// Handler returns the merged /metrics handler for the master process
func (f *Federator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		families, err := f.gather(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			_ = enc.Encode(mf)
		}
	})
}

func (f *Federator) gather(ctx context.Context) ([]*dto.MetricFamily, error) {
	merged := make(map[string]*dto.MetricFamily)

	local, err := f.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather local registry: %w", err)
	}
	for _, mf := range local {
		merged[mf.GetName()] = mf
	}

	endpoints := f.source.WorkerMetricsEndpoints()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep string) {
			defer wg.Done()
			families, err := f.scrape(ctx, ep)
			if err != nil {
				// A worker mid-restart is expected; skip it.
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, mf := range families {
				if existing, ok := merged[mf.GetName()]; ok {
					existing.Metric = append(existing.Metric, mf.Metric...)
				} else {
					merged[mf.GetName()] = mf
				}
			}
		}(ep)
	}
	wg.Wait()

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		out = append(out, merged[name])
	}
	return out, nil
}

func (f *Federator) scrape(ctx context.Context, endpoint string) ([]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/metrics", nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: status %d", endpoint, resp.StatusCode)
	}

	var parser expfmt.TextParser
	parsed, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", endpoint, err)
	}

	out := make([]*dto.MetricFamily, 0, len(parsed))
	for _, mf := range parsed {
		out = append(out, mf)
	}
	return out, nil
}
