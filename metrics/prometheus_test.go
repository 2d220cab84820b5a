package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver("tablestore", reg)
	require.NoError(t, err)

	o.OnFlush(time.Millisecond, 100, nil)
	o.OnFlush(time.Millisecond, 7, errors.New("boom"))
	o.OnCompaction(time.Second, 4, 1, nil)
	o.OnCompaction(time.Second, 2, 0, errors.New("boom"))
	o.OnThroughput("flush", 2048)

	assert.InDelta(t, 100, testutil.ToFloat64(o.flushedRows), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.compactions.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.compactions.WithLabelValues("error")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(o.files.WithLabelValues("input")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.files.WithLabelValues("output")), 0)
	assert.InDelta(t, 2048, testutil.ToFloat64(o.bytes.WithLabelValues("flush")), 0)
	assert.Equal(t, 4, testutil.CollectAndCount(o.opLatency, "tablestore_operation_latency_seconds"))

	_, err = NewPrometheusObserver("tablestore", reg)
	assert.Error(t, err, "duplicate registration")
}
