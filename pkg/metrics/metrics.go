// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the deliberation
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. Register once per process.
type Metrics struct {
	Deliberations *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Tokens        *prometheus.CounterVec
	Errors        *prometheus.CounterVec
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliberations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synod_deliberations_total",
			Help: "Completed deliberations by council and execution mode.",
		}, []string{"council", "mode"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synod_stage_duration_seconds",
			Help:    "Wall-clock duration per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"stage"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synod_tokens_total",
			Help: "Tokens consumed by stage and direction.",
		}, []string{"stage", "direction"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synod_pipeline_errors_total",
			Help: "Pipeline errors by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.Deliberations, m.StageDuration, m.Tokens, m.Errors)
	return m
}

// ObserveStage records one stage's duration and token counts.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	m.Tokens.WithLabelValues(stage, "prompt").Add(float64(promptTokens))
	m.Tokens.WithLabelValues(stage, "completion").Add(float64(completionTokens))
}

// RecordDeliberation counts one finished request.
func (m *Metrics) RecordDeliberation(council, mode string) {
	if m == nil {
		return
	}
	m.Deliberations.WithLabelValues(council, mode).Inc()
}

// RecordError counts one pipeline error.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}
