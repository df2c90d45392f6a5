package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bookmeta/internal/progress"
)

// PrometheusSink exports lookup progress via Prometheus: lookups started,
// finished and running, plus per-site candidate outcomes.
type PrometheusSink struct {
	lookupsStarted   prometheus.Counter
	lookupsCompleted *prometheus.CounterVec
	lookupsRunning   prometheus.Gauge
	lookupRuntime    *prometheus.HistogramVec
	lookupRecords    prometheus.Histogram

	fetches          *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	candidateFailure *prometheus.CounterVec

	tracker *lookupTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		lookupsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookmeta_progress_lookups_started_total",
			Help: "Total identify passes that have started.",
		}),
		lookupsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookmeta_progress_lookups_completed_total",
			Help: "Total identify passes finished, partitioned by result.",
		}, []string{"result"}),
		lookupsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookmeta_progress_lookups_running",
			Help: "Current number of identify passes in flight.",
		}),
		lookupRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bookmeta_progress_lookup_runtime_seconds",
			Help:    "Wall time per identify pass.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		lookupRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bookmeta_progress_lookup_records",
			Help:    "Records collected per identify pass.",
			Buckets: []float64{0, 1, 2, 3, 5},
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookmeta_progress_fetches_total",
			Help: "Candidate fetch completions partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bookmeta_progress_fetch_duration_seconds",
			Help:    "Candidate fetch duration partitioned by site and outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "outcome"}),
		candidateFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookmeta_progress_candidate_failures_total",
			Help: "Candidates that emitted no record, partitioned by reason.",
		}, []string{"reason"}),
		tracker: newLookupTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.lookupsStarted,
		s.lookupsCompleted,
		s.lookupsRunning,
		s.lookupRuntime,
		s.lookupRecords,
		s.fetches,
		s.fetchDuration,
		s.candidateFailure,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageLookupStart:
		s.lookupsStarted.Inc()
		if s.tracker.start(evt.LookupID) {
			s.lookupsRunning.Inc()
		}
	case progress.StageLookupDone:
		s.finishLookup(evt, "completed")
	case progress.StageLookupAborted:
		s.finishLookup(evt, "aborted")
	case progress.StageFetchDone:
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		s.fetches.WithLabelValues(site, evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(site, evt.Outcome).Observe(evt.Dur.Seconds())
		}
	case progress.StageCandidateFailed:
		s.candidateFailure.WithLabelValues(evt.Outcome).Inc()
	}
}

func (s *PrometheusSink) finishLookup(evt progress.Event, result string) {
	s.lookupsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.lookupRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	s.lookupRecords.Observe(float64(evt.Records))
	if s.tracker.complete(evt.LookupID) {
		s.lookupsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type lookupTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newLookupTracker() *lookupTracker {
	return &lookupTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *lookupTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *lookupTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
