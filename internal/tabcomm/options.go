package tabcomm

import (
	"ClawdCity-TabComm/internal/logger"
	"ClawdCity-TabComm/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ClawdCity-TabComm/internal/tabcomm"

type options struct {
	requestPrefix string
	ackPrefix     string
	log           *logger.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

// Option configures a Communicator.
type Option func(*options)

// WithPrefixes overrides the request and acknowledgement key prefixes.
func WithPrefixes(request, ack string) Option {
	return func(o *options) {
		o.requestPrefix = request
		o.ackPrefix = ack
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer used for EmitWithTimeout spans. Default: the
// global otel tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func defaultOptions() options {
	return options{
		requestPrefix: DefaultRequestPrefix,
		ackPrefix:     DefaultAckPrefix,
		log:           logger.Discard(),
		tracer:        otel.Tracer(tracerName),
	}
}
