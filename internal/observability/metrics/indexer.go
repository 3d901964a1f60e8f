package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// IndexerMetrics describes one offline build. The indexer exits right after,
// so the values are pushed to a Pushgateway instead of being scraped.
type IndexerMetrics struct {
	registry *prometheus.Registry

	buildDuration prometheus.Gauge
	buildSuccess  prometheus.Gauge
	chunks        prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

func NewIndexerMetrics(service string) *IndexerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "indexer",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	m := &IndexerMetrics{
		registry:      registry,
		buildDuration: gauge("build_duration_seconds", "Duration of the last index build."),
		buildSuccess:  gauge("build_success", "1 when the last index build succeeded."),
		chunks:        gauge("build_chunks", "Chunks in the last built snapshot."),
		lastSuccess:   gauge("last_success_timestamp_seconds", "Unix time of the last successful build."),
	}
	registry.MustRegister(m.buildDuration, m.buildSuccess, m.chunks, m.lastSuccess)
	return m
}

func (m *IndexerMetrics) RecordBuild(duration time.Duration, chunks int, err error) {
	m.buildDuration.Set(duration.Seconds())
	if err != nil {
		m.buildSuccess.Set(0)
		return
	}
	m.buildSuccess.Set(1)
	m.chunks.Set(float64(chunks))
	m.lastSuccess.SetToCurrentTime()
}

func (m *IndexerMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *IndexerMetrics) Push(ctx context.Context, gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push indexer metrics: %w", err)
	}
	return nil
}
