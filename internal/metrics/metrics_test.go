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

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordMessagePublished(t *testing.T) {
	before := testutil.ToFloat64(messagesPublished.With(prometheus.Labels{
		"topic": "orchestrator-events", "message_type": "batch-init",
	}))

	RecordMessagePublished("orchestrator-events", "batch-init")

	after := testutil.ToFloat64(messagesPublished.With(prometheus.Labels{
		"topic": "orchestrator-events", "message_type": "batch-init",
	}))
	require.Equal(t, before+1, after)
}

func TestRecordMessageDeadLettered(t *testing.T) {
	before := testutil.ToFloat64(messagesDeadLettered.WithLabelValues("worker-jobs"))
	RecordMessageDeadLettered("worker-jobs")
	after := testutil.ToFloat64(messagesDeadLettered.WithLabelValues("worker-jobs"))
	require.Equal(t, before+1, after)
}

func TestRecordHandlerInvocation_RecordsErrorOnlyWhenNonNil(t *testing.T) {
	beforeErrors := testutil.ToFloat64(handlerErrors.WithLabelValues("phase-due"))

	RecordHandlerInvocation("phase-due", 5*time.Millisecond, nil)
	require.Equal(t, beforeErrors, testutil.ToFloat64(handlerErrors.WithLabelValues("phase-due")))

	RecordHandlerInvocation("phase-due", 5*time.Millisecond, errors.New("boom"))
	require.Equal(t, beforeErrors+1, testutil.ToFloat64(handlerErrors.WithLabelValues("phase-due")))
}

func TestRecordStepDispatch_SeparatesStepAndInitKinds(t *testing.T) {
	beforeStep := testutil.ToFloat64(stepDispatches.WithLabelValues(KindStep))
	beforeInit := testutil.ToFloat64(stepDispatches.WithLabelValues(KindInit))

	RecordStepDispatch(KindStep)

	require.Equal(t, beforeStep+1, testutil.ToFloat64(stepDispatches.WithLabelValues(KindStep)))
	require.Equal(t, beforeInit, testutil.ToFloat64(stepDispatches.WithLabelValues(KindInit)))
}

func TestRecordSchedulerTick(t *testing.T) {
	require.NotPanics(t, func() {
		RecordSchedulerTick(150 * time.Millisecond)
	})
}
