/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the shared prometheus registry and the
// cross-component instruments. Component packages register their own
// collectors against Registry from init.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "strato"

	ProviderLabel  = "provider"
	OperationLabel = "operation"
	ErrorKindLabel = "error_kind"
)

// Registry collects every instrument in the module; embedders expose it on
// their own telemetry endpoint.
var Registry = prometheus.NewRegistry()

var (
	// CloudAPIDuration observes each underlying cloud SDK call.
	CloudAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "cloud",
			Name:      "api_duration_seconds",
			Help:      "Latency of underlying cloud SDK calls, labeled by provider and operation.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{ProviderLabel, OperationLabel},
	)
	// ReconcileDuration observes full create_service reconciliations.
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "deployment",
			Name:      "reconcile_duration_seconds",
			Help:      "End-to-end duration of service reconciliations.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		},
		[]string{ProviderLabel},
	)
	// StoreOperationDuration observes object-store operations.
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "objectstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of object-store operations, labeled by provider and operation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{ProviderLabel, OperationLabel},
	)
	// OperationErrors counts classified failures.
	OperationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operation_errors_total",
			Help:      "Classified operation failures by provider, operation and error kind.",
		},
		[]string{ProviderLabel, OperationLabel, ErrorKindLabel},
	)
)

func init() {
	Registry.MustRegister(CloudAPIDuration, ReconcileDuration, StoreOperationDuration, OperationErrors)
}

// Measure times fn and records it on the given histogram child.
func Measure(observer prometheus.Observer, fn func() error) error {
	start := time.Now()
	err := fn()
	observer.Observe(time.Since(start).Seconds())
	return err
}

// MeasureCtx is Measure for context-accepting calls.
func MeasureCtx(ctx context.Context, observer prometheus.Observer, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	observer.Observe(time.Since(start).Seconds())
	return err
}
