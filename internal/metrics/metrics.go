package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSteps atomic.Int64

var (
	SamplerStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stipple_sampler_steps_total",
		Help: "The total number of sampler steps taken",
	}, []string{"sampler"})

	SamplerStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stipple_sampler_step_duration_seconds",
		Help:    "Duration of a single sampler step, including model calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"sampler"})

	SamplingRunDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "stipple_sampling_run_duration_seconds",
		Help: "Duration of a full sampling run over the schedule",
	}, []string{"sampler"})

	ModelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stipple_model_calls_total",
		Help: "Number of denoiser forward passes by guidance branch",
	}, []string{"branch"})

	QuantizedSigmasTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stipple_quantized_sigmas_total",
		Help: "Number of continuous sigmas snapped onto the discrete noise table",
	})

	ScheduleApproximations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stipple_schedule_approximations_total",
		Help: "Karras schedules approximated for samplers without discretization support",
	})

	ImagesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stipple_images_written_total",
		Help: "Images written to disk",
	}, []string{"kind"})

	SafetyFlaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stipple_safety_flagged_total",
		Help: "Images replaced by the placeholder after a safety check",
	})

	RemoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stipple_remote_call_duration_seconds",
		Help:    "Latency of model service calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	RemoteCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stipple_remote_call_errors_total",
		Help: "Failed model service calls",
	}, []string{"method"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})
)

func RecordSamplerStep(sampler string, duration time.Duration) {
	SamplerStepsTotal.WithLabelValues(sampler).Inc()
	totalSteps.Add(1)
	SamplerStepDuration.WithLabelValues(sampler).Observe(duration.Seconds())
}

func RecordSamplingRun(sampler string, duration time.Duration) {
	SamplingRunDuration.WithLabelValues(sampler).Observe(duration.Seconds())
}

// TotalSteps returns the number of sampler steps recorded by this process.
func TotalSteps() int64 {
	return totalSteps.Load()
}

func RecordModelCall(branch string) {
	ModelCallsTotal.WithLabelValues(branch).Inc()
}

func RecordQuantizedSigmas(n int) {
	QuantizedSigmasTotal.Add(float64(n))
}

func RecordScheduleApproximation() {
	ScheduleApproximations.Inc()
}

func RecordImagesWritten(kind string, n int) {
	ImagesWrittenTotal.WithLabelValues(kind).Add(float64(n))
}

func RecordSafetyFlagged(n int) {
	if n > 0 {
		SafetyFlaggedTotal.Add(float64(n))
	}
}

func RecordRemoteCall(method string, duration time.Duration, err error) {
	RemoteCallDuration.WithLabelValues(method).Observe(duration.Seconds())
	if err != nil {
		RemoteCallErrors.WithLabelValues(method).Inc()
	}
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
