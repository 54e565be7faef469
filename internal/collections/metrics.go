package collections

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

var tracer = otel.Tracer("github.com/anfivewer/an5wer-sub001/internal/collections")

// Metrics holds the Prometheus collectors of a Store.
type Metrics struct {
	Operations     *prometheus.CounterVec
	Commits        *prometheus.CounterVec
	OpenCursors    prometheus.Gauge
	CrashedCursors prometheus.Counter
	PageItems      prometheus.Histogram
}

// NewMetrics creates the store collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genstore",
			Name:      "operations_total",
			Help:      "Store operations by outcome.",
		}, []string{"operation", "outcome"}),
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genstore",
			Name:      "commits_total",
			Help:      "Committed generations by commit policy.",
		}, []string{"policy"}),
		OpenCursors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "genstore",
			Name:      "open_cursors",
			Help:      "Query cursors currently held by the server.",
		}),
		CrashedCursors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "genstore",
			Name:      "cursor_crashes_total",
			Help:      "Cursors retired by expiry, eviction or a failed read.",
		}),
		PageItems: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "genstore",
			Name:      "page_items",
			Help:      "Items returned per query page.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
		}),
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := storeerr.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}

func (s *Store) begin(ctx context.Context, op, collection string) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithAttributes(attribute.String("genstore.operation", op))}
	if collection != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("genstore.collection", collection)))
	}
	return tracer.Start(ctx, "collections."+op, opts...)
}

func (s *Store) finish(span trace.Span, op string, err error) {
	s.metrics.Operations.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
