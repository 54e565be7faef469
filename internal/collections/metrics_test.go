package collections

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/anfivewer/an5wer-sub001/internal/storage"
)

func TestMetricsCountOperations(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := newTestStoreWith(t, storage.NewMemoryEngine(), Options{Metrics: metrics})
	createAuto(t, s, "a")
	createManual(t, s, "m", "1")

	fillAuto(t, s, "a", 3)
	fillAuto(t, s, "a", 1)
	require.NoError(t, s.StartNextGeneration(ctx, "m", "2"))
	require.NoError(t, s.CommitGeneration(ctx, "m", "2"))
	_, err := s.Query(ctx, "missing", QueryOptions{})
	require.Error(t, err)
	_, err = s.Query(ctx, "a", QueryOptions{})
	require.NoError(t, err)

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.Commits.WithLabelValues("auto")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Commits.WithLabelValues("manual")))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.Operations.WithLabelValues("put", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Operations.WithLabelValues("query", "NoSuchCollectionError")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Operations.WithLabelValues("query", "ok")))

	count, err := testutil.GatherAndCount(reg, "genstore_page_items")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
