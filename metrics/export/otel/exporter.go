package otel

import (
	"context"
	"errors"
	"fmt"

	goThreeDS "github.com/MrEthical07/goThreeDS"
	"github.com/MrEthical07/goThreeDS/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() goThreeDS.MetricsSnapshot
	AuditDropped() uint64
	ActiveTransactions() int
}

// collection is one consistent read of the engine per callback.
type collection struct {
	snapshot goThreeDS.MetricsSnapshot
	latency  map[goThreeDS.MetricID][8]uint64
	dropped  uint64
	active   int
}

func (c *collection) cumulative(id goThreeDS.MetricID) [8]uint64 {
	if buckets, ok := c.latency[id]; ok {
		return buckets
	}
	buckets := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(c.snapshot.Histograms[id]))
	c.latency[id] = buckets
	return buckets
}

// reading pairs an instrument with the value it reports.
type reading struct {
	instrument metric.Int64Observable
	options    []metric.ObserveOption
	value      func(*collection) int64
}

// OTelExporter publishes engine metrics as observable OTel instruments.
type OTelExporter struct {
	source       metricsSource
	readings     []reading
	registration metric.Registration
}

// NewOTelExporter registers instruments on meter that read from engine on
// every collection.
func NewOTelExporter(meter metric.Meter, engine *goThreeDS.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{source: source}
	if err := exporter.instrument(meter); err != nil {
		return nil, err
	}

	observables := make([]metric.Observable, 0, len(exporter.readings))
	for _, r := range exporter.readings {
		observables = append(observables, r.instrument)
	}
	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) instrument(meter metric.Meter) error {
	for _, def := range internaldefs.CounterDefs {
		counter, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return fmt.Errorf("counter %s: %w", def.Name, err)
		}
		id := def.ID
		e.add(counter, func(c *collection) int64 { return int64(c.snapshot.Counters[id]) })
	}

	for _, def := range internaldefs.HistogramDefs {
		id := def.ID
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."),
			metric.WithUnit("{request}"),
		)
		if err != nil {
			return fmt.Errorf("histogram buckets %s: %w", def.Name, err)
		}
		for i, bound := range internaldefs.HistogramBounds {
			slot := i
			e.add(buckets, func(c *collection) int64 { return int64(c.cumulative(id)[slot]) },
				metric.WithAttributes(attribute.String("le", bound)))
		}

		count, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription(def.Help+" Sample count."))
		if err != nil {
			return fmt.Errorf("histogram count %s: %w", def.Name, err)
		}
		e.add(count, func(c *collection) int64 { return int64(c.cumulative(id)[7]) })
	}

	dropped, err := meter.Int64ObservableCounter("threeds_audit_dropped_total",
		metric.WithDescription("Audit events shed by a full dispatcher queue."))
	if err != nil {
		return fmt.Errorf("audit dropped counter: %w", err)
	}
	e.add(dropped, func(c *collection) int64 { return int64(c.dropped) })

	active, err := meter.Int64ObservableGauge("threeds_active_transactions",
		metric.WithDescription("Transactions with a listener on this instance."))
	if err != nil {
		return fmt.Errorf("active transactions gauge: %w", err)
	}
	e.add(active, func(c *collection) int64 { return int64(c.active) })
	return nil
}

func (e *OTelExporter) add(instrument metric.Int64Observable, value func(*collection) int64, options ...metric.ObserveOption) {
	e.readings = append(e.readings, reading{instrument: instrument, options: options, value: value})
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	c := &collection{
		snapshot: e.source.MetricsSnapshot(),
		latency:  make(map[goThreeDS.MetricID][8]uint64, len(internaldefs.HistogramDefs)),
		dropped:  e.source.AuditDropped(),
		active:   e.source.ActiveTransactions(),
	}
	for _, r := range e.readings {
		observer.ObserveInt64(r.instrument, r.value(c), r.options...)
	}
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
