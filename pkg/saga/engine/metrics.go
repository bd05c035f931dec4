// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/playmech/gametx/pkg/saga"
)

// MetricsCollector receives engine measurements. Implementations can send
// them to Prometheus or other monitoring systems.
type MetricsCollector interface {
	// RecordSagaStarted counts a newly created saga instance.
	RecordSagaStarted(sagaType string)

	// RecordSagaFinished counts a saga reaching the given terminal state.
	RecordSagaFinished(sagaType string, state saga.SagaState, duration time.Duration)

	// RecordStepExecuted counts one finished step with its outcome.
	RecordStepExecuted(sagaType, stepName string, success bool, duration time.Duration)

	// RecordStepRetried counts one retry of a step.
	RecordStepRetried(sagaType, stepName string, attempt int)

	// RecordCompensationExecuted counts one finished compensating action.
	RecordCompensationExecuted(sagaType, stepName string, success bool, duration time.Duration)
}

// noopMetricsCollector is used when no collector is configured.
type noopMetricsCollector struct{}

func (noopMetricsCollector) RecordSagaStarted(string)                                      {}
func (noopMetricsCollector) RecordSagaFinished(string, saga.SagaState, time.Duration)      {}
func (noopMetricsCollector) RecordStepExecuted(string, string, bool, time.Duration)        {}
func (noopMetricsCollector) RecordStepRetried(string, string, int)                         {}
func (noopMetricsCollector) RecordCompensationExecuted(string, string, bool, time.Duration) {}

// NoopMetricsCollector returns a collector that discards all measurements.
func NoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

// PrometheusCollector exports engine metrics through a Prometheus registry.
type PrometheusCollector struct {
	sagasStarted         *prometheus.CounterVec
	sagasFinished        *prometheus.CounterVec
	sagaDuration         *prometheus.HistogramVec
	stepsExecuted        *prometheus.CounterVec
	stepRetries          *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	compensations        *prometheus.CounterVec
	compensationDuration *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector and registers its metrics with
// the given registerer. Pass prometheus.DefaultRegisterer for the process
// default registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		sagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gametx_sagas_started_total",
			Help: "Number of saga instances started.",
		}, []string{"saga_type"}),
		sagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gametx_sagas_finished_total",
			Help: "Number of saga instances reaching a terminal state.",
		}, []string{"saga_type", "state"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gametx_saga_duration_seconds",
			Help:    "End-to-end saga duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga_type", "state"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gametx_saga_steps_total",
			Help: "Number of step executions by result.",
		}, []string{"saga_type", "step", "result"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gametx_saga_step_retries_total",
			Help: "Number of step retry attempts.",
		}, []string{"saga_type", "step"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gametx_saga_step_duration_seconds",
			Help:    "Duration of individual step executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga_type", "step"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gametx_saga_compensations_total",
			Help: "Number of compensating actions by result.",
		}, []string{"saga_type", "step", "result"}),
		compensationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gametx_saga_compensation_duration_seconds",
			Help:    "Duration of individual compensating actions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga_type", "step"}),
	}

	for _, col := range []prometheus.Collector{
		c.sagasStarted, c.sagasFinished, c.sagaDuration,
		c.stepsExecuted, c.stepRetries, c.stepDuration,
		c.compensations, c.compensationDuration,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordSagaStarted implements MetricsCollector.
func (c *PrometheusCollector) RecordSagaStarted(sagaType string) {
	c.sagasStarted.WithLabelValues(sagaType).Inc()
}

// RecordSagaFinished implements MetricsCollector.
func (c *PrometheusCollector) RecordSagaFinished(sagaType string, state saga.SagaState, duration time.Duration) {
	c.sagasFinished.WithLabelValues(sagaType, state.String()).Inc()
	c.sagaDuration.WithLabelValues(sagaType, state.String()).Observe(duration.Seconds())
}

// RecordStepExecuted implements MetricsCollector.
func (c *PrometheusCollector) RecordStepExecuted(sagaType, stepName string, success bool, duration time.Duration) {
	c.stepsExecuted.WithLabelValues(sagaType, stepName, resultLabel(success)).Inc()
	c.stepDuration.WithLabelValues(sagaType, stepName).Observe(duration.Seconds())
}

// RecordStepRetried implements MetricsCollector.
func (c *PrometheusCollector) RecordStepRetried(sagaType, stepName string, _ int) {
	c.stepRetries.WithLabelValues(sagaType, stepName).Inc()
}

// RecordCompensationExecuted implements MetricsCollector.
func (c *PrometheusCollector) RecordCompensationExecuted(sagaType, stepName string, success bool, duration time.Duration) {
	c.compensations.WithLabelValues(sagaType, stepName, resultLabel(success)).Inc()
	c.compensationDuration.WithLabelValues(sagaType, stepName).Observe(duration.Seconds())
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// EngineMetrics is an aggregate snapshot of engine activity.
type EngineMetrics struct {
	TotalSagas              int64     `json:"total_sagas"`
	ActiveSagas             int64     `json:"active_sagas"`
	CompletedSagas          int64     `json:"completed_sagas"`
	FailedSagas             int64     `json:"failed_sagas"`
	CompensationFailedSagas int64     `json:"compensation_failed_sagas"`
	StartTime               time.Time `json:"start_time"`
	LastUpdateTime          time.Time `json:"last_update_time"`
}
