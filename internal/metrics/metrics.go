// Copyright 2025 Tom Barlow
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

// Package metrics exposes Prometheus counters and histograms for the
// scheduler and orchestrator processes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchwright_scheduler_tick_duration_seconds",
			Help:    "Duration of a single scheduler tick.",
			Buckets: prometheus.DefBuckets,
		},
	)

	messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwright_messages_published_total",
			Help: "Total messages published to the bus by topic and message type.",
		},
		[]string{"topic", "message_type"},
	)

	messagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwright_messages_claimed_total",
			Help: "Total messages claimed off the bus by topic.",
		},
		[]string{"topic"},
	)

	messagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwright_messages_dead_lettered_total",
			Help: "Total messages that exhausted their delivery count and were dead-lettered.",
		},
		[]string{"topic"},
	)

	handlerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchwright_handler_duration_seconds",
			Help:    "Duration of an orchestrator event handler invocation by message type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)

	handlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwright_handler_errors_total",
			Help: "Total handler invocations that returned an error, by message type.",
		},
		[]string{"message_type"},
	)

	stepDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwright_step_dispatches_total",
			Help: "Total step and init executions dispatched to a worker.",
		},
		[]string{"kind"},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwright_step_retries_total",
			Help: "Total step and init executions scheduled for retry.",
		},
		[]string{"kind"},
	)

	stepPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwright_step_polls_total",
			Help: "Total poll attempts recorded against a dispatched step or init execution.",
		},
		[]string{"kind"},
	)
)

// RecordSchedulerTick records how long a single scheduler tick took.
func RecordSchedulerTick(d time.Duration) {
	schedulerTickDuration.Observe(d.Seconds())
}

// RecordMessagePublished increments the publish counter for a topic and
// message type. messageType is empty for worker-job/worker-result
// publishes, which don't carry an orchestrator message type.
func RecordMessagePublished(topic, messageType string) {
	messagesPublished.WithLabelValues(topic, messageType).Inc()
}

// RecordMessageClaimed increments the claim counter for a topic.
func RecordMessageClaimed(topic string) {
	messagesClaimed.WithLabelValues(topic).Inc()
}

// RecordMessageDeadLettered increments the dead-letter counter for a
// topic.
func RecordMessageDeadLettered(topic string) {
	messagesDeadLettered.WithLabelValues(topic).Inc()
}

// RecordHandlerInvocation records the latency of a handler invocation and,
// if err is non-nil, increments its error counter.
func RecordHandlerInvocation(messageType string, d time.Duration, err error) {
	handlerLatency.WithLabelValues(messageType).Observe(d.Seconds())
	if err != nil {
		handlerErrors.WithLabelValues(messageType).Inc()
	}
}

// Execution kind labels for the step-level counters.
const (
	KindStep = "step"
	KindInit = "init"
)

// RecordStepDispatch increments the dispatch counter for kind ("step" or
// "init").
func RecordStepDispatch(kind string) {
	stepDispatches.WithLabelValues(kind).Inc()
}

// RecordStepRetry increments the retry counter for kind.
func RecordStepRetry(kind string) {
	stepRetries.WithLabelValues(kind).Inc()
}

// RecordStepPoll increments the poll counter for kind.
func RecordStepPoll(kind string) {
	stepPolls.WithLabelValues(kind).Inc()
}
