package milou

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the name used for the OTel tracer and meter.
const instrumentationName = "github.com/milou-mail/milou"

// otelInstrumentation holds the telemetry instruments for the service.
type otelInstrumentation struct {
	enabled        bool
	tracingEnabled bool
	metricsEnabled bool

	tracer trace.Tracer

	// Send
	sendLatency metric.Float64Histogram
	sendCount   metric.Int64Counter
	sendErrors  metric.Int64Counter

	// Get
	getLatency metric.Float64Histogram
	getCount   metric.Int64Counter
	getErrors  metric.Int64Counter

	// Folder listings
	listLatency metric.Float64Histogram
	listCount   metric.Int64Counter
	listErrors  metric.Int64Counter

	// Flag mutations (mark read, trash, restore)
	mutateLatency metric.Float64Histogram
	mutateCount   metric.Int64Counter
	mutateErrors  metric.Int64Counter

	// Trash purge
	purgeLatency metric.Float64Histogram
	purgeCount   metric.Int64Counter
	purgeErrors  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	// Initialize tracer
	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	// Initialize metrics
	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Send metrics
	o.sendLatency, err = meter.Float64Histogram(
		"milou.send.duration",
		metric.WithDescription("Duration of send operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.sendCount, err = meter.Int64Counter(
		"milou.send.count",
		metric.WithDescription("Number of mails sent"),
	)
	if err != nil {
		return err
	}

	o.sendErrors, err = meter.Int64Counter(
		"milou.send.errors",
		metric.WithDescription("Number of send errors"),
	)
	if err != nil {
		return err
	}

	// Get metrics
	o.getLatency, err = meter.Float64Histogram(
		"milou.get.duration",
		metric.WithDescription("Duration of get operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.getCount, err = meter.Int64Counter(
		"milou.get.count",
		metric.WithDescription("Number of get operations"),
	)
	if err != nil {
		return err
	}

	o.getErrors, err = meter.Int64Counter(
		"milou.get.errors",
		metric.WithDescription("Number of get errors"),
	)
	if err != nil {
		return err
	}

	// List metrics
	o.listLatency, err = meter.Float64Histogram(
		"milou.list.duration",
		metric.WithDescription("Duration of folder listings"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.listCount, err = meter.Int64Counter(
		"milou.list.count",
		metric.WithDescription("Number of folder listings"),
	)
	if err != nil {
		return err
	}

	o.listErrors, err = meter.Int64Counter(
		"milou.list.errors",
		metric.WithDescription("Number of folder listing errors"),
	)
	if err != nil {
		return err
	}

	// Mutation metrics
	o.mutateLatency, err = meter.Float64Histogram(
		"milou.mutate.duration",
		metric.WithDescription("Duration of flag mutations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.mutateCount, err = meter.Int64Counter(
		"milou.mutate.count",
		metric.WithDescription("Number of flag mutations"),
	)
	if err != nil {
		return err
	}

	o.mutateErrors, err = meter.Int64Counter(
		"milou.mutate.errors",
		metric.WithDescription("Number of flag mutation errors"),
	)
	if err != nil {
		return err
	}

	// Purge metrics
	o.purgeLatency, err = meter.Float64Histogram(
		"milou.purge.duration",
		metric.WithDescription("Duration of trash purges"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.purgeCount, err = meter.Int64Counter(
		"milou.purge.count",
		metric.WithDescription("Number of trash purges"),
	)
	if err != nil {
		return err
	}

	o.purgeErrors, err = meter.Int64Counter(
		"milou.purge.errors",
		metric.WithDescription("Number of trash purge errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller should call the returned function with the operation error when done.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordSend records send operation metrics.
func (o *otelInstrumentation) recordSend(ctx context.Context, duration time.Duration, recipientCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("recipient_count", recipientCount),
	)

	o.sendLatency.Record(ctx, duration.Seconds(), attrs)
	o.sendCount.Add(ctx, 1, attrs)
	if err != nil {
		o.sendErrors.Add(ctx, 1, attrs)
	}
}

// recordGet records get operation metrics.
func (o *otelInstrumentation) recordGet(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.getLatency.Record(ctx, duration.Seconds())
	o.getCount.Add(ctx, 1)
	if err != nil {
		o.getErrors.Add(ctx, 1)
	}
}

// recordList records folder listing metrics.
func (o *otelInstrumentation) recordList(ctx context.Context, duration time.Duration, folder string, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("folder", folder),
		attribute.Int("result_count", resultCount),
	)

	o.listLatency.Record(ctx, duration.Seconds(), attrs)
	o.listCount.Add(ctx, 1, attrs)
	if err != nil {
		o.listErrors.Add(ctx, 1, attrs)
	}
}

// recordMutate records flag mutation metrics.
func (o *otelInstrumentation) recordMutate(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.mutateLatency.Record(ctx, duration.Seconds(), attrs)
	o.mutateCount.Add(ctx, 1, attrs)
	if err != nil {
		o.mutateErrors.Add(ctx, 1, attrs)
	}
}

// recordPurge records trash purge metrics.
func (o *otelInstrumentation) recordPurge(ctx context.Context, duration time.Duration, deleted int64, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int64("deleted_count", deleted),
	)

	o.purgeLatency.Record(ctx, duration.Seconds(), attrs)
	o.purgeCount.Add(ctx, 1, attrs)
	if err != nil {
		o.purgeErrors.Add(ctx, 1, attrs)
	}
}
