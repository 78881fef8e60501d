package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lowrank_conversions_total",
		Help: "Conversions by direction and outcome",
	}, []string{"direction", "outcome"})

	ConversionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lowrank_conversion_duration_seconds",
		Help:    "Wall time of one conversion",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"direction"})

	LayersConverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lowrank_layers_converted_total",
		Help: "Layers written by successful conversions",
	}, []string{"direction"})

	LayersSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lowrank_layers_skipped_total",
		Help: "Layers skipped under the permissive policy",
	}, []string{"direction"})

	PaddedRank = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lowrank_padded_rank",
		Help:    "Padded rank of packed modules",
		Buckets: prometheus.ExponentialBuckets(16, 2, 8),
	})

	RequestBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lowrank_request_bytes",
		Help:    "Size of uploaded safetensors bodies",
		Buckets: prometheus.ExponentialBuckets(1<<16, 4, 10),
	}, []string{"endpoint"})
)

const (
	DirectionNunchaku  = "nunchaku"
	DirectionDiffusers = "diffusers"
)

// RecordConversion records one finished conversion. err decides the outcome
// label; layers and skipped are ignored for failed conversions.
func RecordConversion(direction string, d time.Duration, layers, skipped int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if skipped > 0 {
		outcome = "partial"
	}
	ConversionsTotal.WithLabelValues(direction, outcome).Inc()
	ConversionDuration.WithLabelValues(direction).Observe(d.Seconds())
	if err != nil {
		return
	}
	LayersConverted.WithLabelValues(direction).Add(float64(layers))
	LayersSkipped.WithLabelValues(direction).Add(float64(skipped))
}

func RecordPaddedRank(r int) {
	PaddedRank.Observe(float64(r))
}

func RecordRequestBytes(endpoint string, n int64) {
	RequestBytes.WithLabelValues(endpoint).Observe(float64(n))
}
