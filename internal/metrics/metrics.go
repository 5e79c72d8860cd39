package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// LearningApplied labels learning events that persisted intelligence.
	LearningApplied = "applied"
	// LearningFailed labels learning events rejected by the pattern store.
	LearningFailed = "failed"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicer_engine",
			Name:      "submissions_total",
			Help:      "Total submission attempts, partitioned by servicer and result status.",
		},
		[]string{"servicer", "status"},
	)

	submissionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "servicer_engine",
			Name:      "submission_seconds",
			Help:      "Submission attempt latency in seconds, including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	learningEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicer_engine",
			Name:      "learning_events_total",
			Help:      "Learning events processed, partitioned by result.",
		},
		[]string{"result"},
	)

	patternsExtractedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicer_engine",
			Name:      "patterns_extracted_total",
			Help:      "Patterns extracted from submission outcomes, by pattern type.",
		},
		[]string{"type"},
	)
)

// Register attaches servicer-engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		submissionsTotal,
		submissionDurationSeconds,
		learningEventsTotal,
		patternsExtractedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSubmission records a submission attempt's duration and result.
func ObserveSubmission(servicer, status string, duration time.Duration) {
	submissionsTotal.WithLabelValues(servicer, status).Inc()
	if duration < 0 {
		duration = 0
	}
	submissionDurationSeconds.Observe(duration.Seconds())
}

// ObserveLearning records one learning event outcome.
func ObserveLearning(applied bool) {
	result := LearningApplied
	if !applied {
		result = LearningFailed
	}
	learningEventsTotal.WithLabelValues(result).Inc()
}

// ObservePatterns counts extracted patterns by type.
func ObservePatterns(patternType string, count int) {
	if count <= 0 {
		return
	}
	patternsExtractedTotal.WithLabelValues(patternType).Add(float64(count))
}
