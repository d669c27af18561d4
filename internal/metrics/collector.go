// Package metrics exposes engine progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "legacy_migrate"

// Collector collects and exposes metrics
type Collector struct {
	registry *prometheus.Registry

	recordsProcessed *prometheus.GaugeVec
	recordsTotal     *prometheus.GaugeVec
	throughput       *prometheus.GaugeVec
	memory           prometheus.Gauge
	batchDuration    *prometheus.HistogramVec
	batches          *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	activeAlerts     prometheus.Gauge
	errorsTotal      *prometheus.CounterVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_processed",
			Help:      "Records processed so far per entity",
		}, []string{"entity"}),
		recordsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records planned per entity",
		}, []string{"entity"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_records_per_second",
			Help:      "Current throughput per entity",
		}, []string{"entity"}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_megabytes",
			Help:      "Process memory at the latest progress update",
		}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time taken to migrate one batch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches finished per entity and status",
		}, []string{"entity", "status"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised per type",
		}, []string{"type"}),
		activeAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Unresolved alerts",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors per type and resolution",
		}, []string{"type", "action"}),
	}

	c.registry.MustRegister(
		c.recordsProcessed, c.recordsTotal, c.throughput, c.memory,
		c.batchDuration, c.batches, c.alertsTotal, c.activeAlerts, c.errorsTotal,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handle applies one tracker event.
func (c *Collector) Handle(ev progress.Event) {
	switch ev.Kind {
	case progress.EventSnapshot:
		s := ev.Snapshot
		c.recordsProcessed.WithLabelValues(s.EntityType).Set(float64(s.RecordsProcessed))
		c.recordsTotal.WithLabelValues(s.EntityType).Set(float64(s.RecordsTotal))
		c.throughput.WithLabelValues(s.EntityType).Set(s.RecordsPerSecond)
		if s.MemoryUsageMB > 0 {
			c.memory.Set(s.MemoryUsageMB)
		}
	case progress.EventAlert:
		c.alertsTotal.WithLabelValues(string(ev.Alert.Type)).Inc()
		c.activeAlerts.Inc()
	case progress.EventAlertResolved:
		c.activeAlerts.Dec()
	}
}

// Attach consumes tracker events until ctx is done.
func (c *Collector) Attach(ctx context.Context, t *progress.Tracker) {
	events, unsubscribe := t.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Handle(ev)
		}
	}
}

// ObserveBatch records one finished batch.
func (c *Collector) ObserveBatch(entityType, status string, d time.Duration) {
	c.batchDuration.WithLabelValues(entityType).Observe(d.Seconds())
	c.batches.WithLabelValues(entityType, status).Inc()
}

// ObserveError counts a classified error.
func (c *Collector) ObserveError(me *recovery.MigrationError) {
	action := "none"
	if me.Resolution != nil {
		action = string(me.Resolution.Action)
	}
	c.errorsTotal.WithLabelValues(string(me.Type), action).Inc()
}

// WatchBreakers exports the state of every circuit breaker known to ctrl.
func (c *Collector) WatchBreakers(ctrl *recovery.Controller) error {
	return c.registry.Register(&breakerCollector{ctrl: ctrl})
}

// Handler returns the /metrics handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP server until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

var breakerDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "circuit_breaker_open"),
	"1 when the operation's circuit breaker is open, 0.5 when half-open, 0 when closed",
	[]string{"operation"}, nil,
)

type breakerCollector struct {
	ctrl *recovery.Controller
}

func (b *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerDesc
}

func (b *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for op, state := range b.ctrl.BreakerStates() {
		v := 0.0
		switch state {
		case recovery.BreakerOpen:
			v = 1
		case recovery.BreakerHalfOpen:
			v = 0.5
		}
		ch <- prometheus.MustNewConstMetric(breakerDesc, prometheus.GaugeValue, v, op)
	}
}
