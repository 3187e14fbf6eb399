package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

// Observer captures upload telemetry.
type Observer interface {
	RecordFile(duration time.Duration, sizeBytes int64, err *domain.FileError)
	RequestStarted()
	RequestFinished(result *domain.UploadResult)
}

// PrometheusObserver exports upload metrics to Prometheus.
type PrometheusObserver struct {
	files          *prometheus.CounterVec
	requests       *prometheus.CounterVec
	bytesCommitted prometheus.Counter
	writerDuration *prometheus.HistogramVec
	inFlight       prometheus.Gauge
}

// NewPrometheusObserver registers the upload metrics on reg.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "gridfs_upload"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files processed by outcome (committed or the failure kind).",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Upload requests by outcome.",
		}, []string{"outcome"}),
		bytesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_bytes_total",
			Help:      "Bytes of files durably committed to the store.",
		}),
		writerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "writer_duration_seconds",
			Help:      "Time from writer start to commit or failure.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Upload requests currently in progress.",
		}),
	}

	var err error
	if o.files, err = register(reg, o.files); err != nil {
		return nil, err
	}
	if o.requests, err = register(reg, o.requests); err != nil {
		return nil, err
	}
	if o.bytesCommitted, err = register(reg, o.bytesCommitted); err != nil {
		return nil, err
	}
	if o.writerDuration, err = register(reg, o.writerDuration); err != nil {
		return nil, err
	}
	if o.inFlight, err = register(reg, o.inFlight); err != nil {
		return nil, err
	}
	return o, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register upload metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) RecordFile(duration time.Duration, sizeBytes int64, err *domain.FileError) {
	outcome := "committed"
	if err != nil {
		outcome = string(err.Kind)
	}
	o.files.WithLabelValues(outcome).Inc()
	o.writerDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if err == nil {
		o.bytesCommitted.Add(float64(sizeBytes))
	}
}

func (o *PrometheusObserver) RequestStarted() {
	o.inFlight.Inc()
}

func (o *PrometheusObserver) RequestFinished(result *domain.UploadResult) {
	o.inFlight.Dec()

	outcome := "success"
	switch {
	case result.Err != nil && len(result.Files) > 0:
		outcome = "partial"
	case result.Err != nil:
		outcome = "failed"
	}
	o.requests.WithLabelValues(outcome).Inc()
}

type nopObserver struct{}

func (nopObserver) RecordFile(time.Duration, int64, *domain.FileError) {}

func (nopObserver) RequestStarted() {}

func (nopObserver) RequestFinished(*domain.UploadResult) {}
