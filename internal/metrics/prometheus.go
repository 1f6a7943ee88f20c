package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SafetyIncidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_safety_incidents_total",
			Help: "Safety incidents recorded, by type and severity",
		},
		[]string{"type", "severity"},
	)

	IncidentWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sprout_incident_write_failures_total",
			Help: "Incidents that could not be persisted after all retries",
		},
	)

	ChatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_chat_turns_total",
			Help: "Chat turns by outcome (delivered, blocked_input, blocked_output, model_refusal, error)",
		},
		[]string{"outcome"},
	)

	GenerationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_generation_failures_total",
			Help: "Structured generations whose output did not parse",
		},
		[]string{"task"},
	)

	ContentBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_content_blocked_total",
			Help: "Structured generations rejected by the safety gate",
		},
		[]string{"task", "stage"},
	)

	ModelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sprout_model_call_seconds",
			Help:    "Latency of calls to the generative model",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"task"},
	)

	TokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_llm_tokens_used_total",
			Help: "Total tokens reported by the model",
		},
		[]string{"task"},
	)

	IngestionJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_ingestion_jobs_total",
			Help: "Ingestion job attempts by source type and outcome (completed, retrying, failed)",
		},
		[]string{"source_type", "outcome"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(SafetyIncidents)
		prometheus.MustRegister(IncidentWriteFailures)
		prometheus.MustRegister(ChatTurns)
		prometheus.MustRegister(GenerationFailures)
		prometheus.MustRegister(ContentBlocked)
		prometheus.MustRegister(ModelCallDuration)
		prometheus.MustRegister(TokensUsed)
		prometheus.MustRegister(IngestionJobs)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
