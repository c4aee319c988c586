// Package metrics records engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"strconv"

	"github.com/deepnoodle-ai/crew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Callbacks implements crew.ExecutionCallbacks by updating Prometheus
// metrics. Register it with the engine directly or through a CallbackChain.
type Callbacks struct {
	crew.BaseExecutionCallbacks

	// RunsTotal counts Start and Resume calls by final status and whether the
	// call resumed an existing thread.
	RunsTotal *prometheus.CounterVec

	// RunDuration observes the duration of Start and Resume calls in seconds.
	RunDuration *prometheus.HistogramVec

	// StepsTotal counts step invocations by step and outcome.
	StepsTotal *prometheus.CounterVec

	// StepDuration observes step duration in seconds.
	StepDuration *prometheus.HistogramVec

	// StepFailures counts failed steps by step and error type.
	StepFailures *prometheus.CounterVec

	// PausesTotal counts runs that stopped at the interrupt boundary.
	PausesTotal prometheus.Counter
}

var _ crew.ExecutionCallbacks = (*Callbacks)(nil)

// New creates the metrics and registers them with reg. The namespace is
// used as a prefix for all metric names.
func New(reg prometheus.Registerer, namespace string) *Callbacks {
	factory := promauto.With(reg)
	return &Callbacks{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of engine runs by status",
		}, []string{"status", "resumed"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of engine runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of step invocations by outcome",
		}, []string{"step", "outcome"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step invocations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		StepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Total number of failed steps by error type",
		}, []string{"step", "type"}),
		PausesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pauses_total",
			Help:      "Total number of runs paused at the interrupt boundary",
		}),
	}
}

func (c *Callbacks) AfterRun(ctx context.Context, event *crew.RunEvent) {
	status := string(event.Status)
	c.RunsTotal.WithLabelValues(status, strconv.FormatBool(event.Resumed)).Inc()
	c.RunDuration.WithLabelValues(status).Observe(event.Duration.Seconds())
	if event.Status == crew.RunStatusPaused {
		c.PausesTotal.Inc()
	}
}

func (c *Callbacks) AfterStep(ctx context.Context, event *crew.StepEvent) {
	step := string(event.Step)
	c.StepDuration.WithLabelValues(step).Observe(event.Duration.Seconds())
	if event.Error == nil {
		c.StepsTotal.WithLabelValues(step, "success").Inc()
		return
	}
	c.StepsTotal.WithLabelValues(step, "failure").Inc()

	errorType := crew.ErrorTypeStepFailed
	var stepErr *crew.StepExecutionError
	if errors.As(event.Error, &stepErr) {
		errorType = stepErr.Type
	}
	c.StepFailures.WithLabelValues(step, errorType).Inc()
}

// WriteTextfile writes the gathered metrics to path in the text exposition
// format, for collection by the node exporter's textfile collector.
func WriteTextfile(path string, gatherer prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, gatherer)
}
