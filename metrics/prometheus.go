// Package metrics exports writer metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/tablestore/mergetree"
)

var _ mergetree.MetricsObserver = (*PrometheusObserver)(nil)

// PrometheusObserver implements mergetree.MetricsObserver.
type PrometheusObserver struct {
	opLatency   *prometheus.HistogramVec
	flushedRows prometheus.Counter
	compactions *prometheus.CounterVec
	files       *prometheus.CounterVec
	bytes       *prometheus.CounterVec
}

// NewPrometheusObserver creates an observer and registers its collectors
// with reg. A nil reg uses the default registerer.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of flushes and compactions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		flushedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_rows_total",
			Help:      "Total records drained from write buffers",
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Total compactions completed",
		}, []string{"status"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_files_total",
			Help:      "Files read and written by compactions",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to data files",
		}, []string{"source"}),
	}
	for _, c := range []prometheus.Collector{o.opLatency, o.flushedRows, o.compactions, o.files, o.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (o *PrometheusObserver) OnFlush(d time.Duration, rows int, err error) {
	o.opLatency.WithLabelValues("flush", status(err)).Observe(d.Seconds())
	if err == nil {
		o.flushedRows.Add(float64(rows))
	}
}

func (o *PrometheusObserver) OnCompaction(d time.Duration, inputFiles, outputFiles int, err error) {
	o.opLatency.WithLabelValues("compaction", status(err)).Observe(d.Seconds())
	o.compactions.WithLabelValues(status(err)).Inc()
	if err == nil {
		o.files.WithLabelValues("input").Add(float64(inputFiles))
		o.files.WithLabelValues("output").Add(float64(outputFiles))
	}
}

func (o *PrometheusObserver) OnThroughput(name string, bytes int64) {
	o.bytes.WithLabelValues(name).Add(float64(bytes))
}
