// Package metrics exports task, run and pool metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/worker"
)

// Options controls collector configuration.
type Options struct {
	Namespace       string // default "goalrunner"
	DurationBuckets []float64
}

// Recorder records task outcomes and run transitions. It implements
// worker.Observer.
type Recorder struct {
	taskDurationSeconds *prom.HistogramVec
	taskOutcomesTotal   *prom.CounterVec
	runsFinishedTotal   *prom.CounterVec
}

var _ worker.Observer = (*Recorder)(nil)

// NewRecorder creates and registers the collectors.
func NewRecorder(reg prom.Registerer, opts Options) (*Recorder, error) {
	ns := namespace(opts)
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		// Agent tasks run for seconds to tens of minutes.
		buckets = prom.ExponentialBuckets(1, 2, 12)
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: ns,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"family", "status"})
	outcomesVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "task_outcomes_total",
		Help:      "Total number of finished tasks by outcome.",
	}, []string{"family", "status"})
	runsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: ns,
		Name:      "runs_finished_total",
		Help:      "Total number of runs reaching a terminal status.",
	}, []string{"status"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if outcomesVec, err = registerCollector(reg, outcomesVec); err != nil {
		return nil, err
	}
	if runsVec, err = registerCollector(reg, runsVec); err != nil {
		return nil, err
	}

	return &Recorder{
		taskDurationSeconds: durationVec,
		taskOutcomesTotal:   outcomesVec,
		runsFinishedTotal:   runsVec,
	}, nil
}

// ObserveTask records one finished task.
func (r *Recorder) ObserveTask(family backend.Family, status backend.ReportStatus, d time.Duration) {
	if r == nil {
		return
	}
	f := normalizeLabel(string(family), "unknown")
	s := normalizeLabel(string(status), "unknown")
	r.taskDurationSeconds.WithLabelValues(f, s).Observe(d.Seconds())
	r.taskOutcomesTotal.WithLabelValues(f, s).Inc()
}

// RecordRunFinished counts a run reaching a terminal status.
func (r *Recorder) RecordRunFinished(status string) {
	if r == nil {
		return
	}
	r.runsFinishedTotal.WithLabelValues(normalizeLabel(status, "unknown")).Inc()
}

// Watch counts terminal run transitions from a run-topic subscription until
// ch closes or ctx is done.
func (r *Recorder) Watch(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			st, ok := ev.(events.RunStatusEvent)
			if !ok || st.To == "running" || st.To == "pending" {
				continue
			}
			r.RecordRunFinished(st.To)
		}
	}
}

// PoolStatusProvider reports a worker pool summary.
type PoolStatusProvider interface {
	Status() worker.PoolStatus
}

// poolCollector reads the pool summary at scrape time.
type poolCollector struct {
	pool      PoolStatusProvider
	workers   *prom.Desc
	completed *prom.Desc
	failed    *prom.Desc
}

// RegisterPool exports gauges for the pool's worker states and task totals.
func RegisterPool(reg prom.Registerer, pool PoolStatusProvider, opts Options) error {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	ns := namespace(opts)
	c := &poolCollector{
		pool:      pool,
		workers:   prom.NewDesc(prom.BuildFQName(ns, "pool", "workers"), "Workers in the pool by state.", []string{"state"}, nil),
		completed: prom.NewDesc(prom.BuildFQName(ns, "pool", "tasks_completed"), "Tasks completed by pool workers.", nil, nil),
		failed:    prom.NewDesc(prom.BuildFQName(ns, "pool", "tasks_failed"), "Tasks failed by pool workers.", nil, nil),
	}
	if err := reg.Register(c); err != nil {
		return fmt.Errorf("failed to register pool collector: %w", err)
	}
	return nil
}

func (c *poolCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.workers
	ch <- c.completed
	ch <- c.failed
}

func (c *poolCollector) Collect(ch chan<- prom.Metric) {
	st := c.pool.Status()
	ch <- prom.MustNewConstMetric(c.workers, prom.GaugeValue, float64(st.Idle), "idle")
	ch <- prom.MustNewConstMetric(c.workers, prom.GaugeValue, float64(st.Running), "running")
	ch <- prom.MustNewConstMetric(c.workers, prom.GaugeValue, float64(st.Error), "error")
	ch <- prom.MustNewConstMetric(c.completed, prom.GaugeValue, float64(st.Completed))
	ch <- prom.MustNewConstMetric(c.failed, prom.GaugeValue, float64(st.Failed))
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prom.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func namespace(opts Options) string {
	if opts.Namespace == "" {
		return "goalrunner"
	}
	return opts.Namespace
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, fmt.Errorf("failed to register collector: %w", err)
}
