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

package progression

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/metrics"
	"github.com/batchwright/batchwright/internal/store"
)

// ScheduleStepRetry moves a step execution back to pending with a
// RetryAfter deadline and schedules a retry-check message at that
// deadline, the bus's delayed-delivery primitive standing in for a
// cron-style retry timer. Guarded on the step currently being failed or
// poll-timed-out, so a redelivered or superseded result can't rewind a
// step that already moved on.
func (s *Service) ScheduleStepRetry(ctx context.Context, b bus.Bus, stepExecutionID int64, retryIntervalSec int) error {
	retryAfter := time.Now().UTC().Add(time.Duration(retryIntervalSec) * time.Second)
	ok, err := s.queries.SetRetryPending(ctx, stepExecutionID, retryAfter, store.StepFailed, store.StepPollTimeout)
	if err != nil {
		return fmt.Errorf("progression: set retry pending for step execution %d: %w", stepExecutionID, err)
	}
	if !ok {
		return nil
	}
	metrics.RecordStepRetry(metrics.KindStep)
	return publishRetryCheck(ctx, b, stepExecutionID, false, retryAfter)
}

// ScheduleInitRetry mirrors ScheduleStepRetry for init executions.
func (s *Service) ScheduleInitRetry(ctx context.Context, b bus.Bus, initExecutionID int64, retryIntervalSec int) error {
	retryAfter := time.Now().UTC().Add(time.Duration(retryIntervalSec) * time.Second)
	ok, err := s.queries.SetInitRetryPending(ctx, initExecutionID, retryAfter, store.StepFailed, store.StepPollTimeout)
	if err != nil {
		return fmt.Errorf("progression: set retry pending for init execution %d: %w", initExecutionID, err)
	}
	if !ok {
		return nil
	}
	metrics.RecordStepRetry(metrics.KindInit)
	return publishRetryCheck(ctx, b, initExecutionID, true, retryAfter)
}

func publishRetryCheck(ctx context.Context, b bus.Bus, executionID int64, isInit bool, at time.Time) error {
	body, err := json.Marshal(bus.RetryCheckEvent{StepExecutionID: executionID, IsInitStep: isInit})
	if err != nil {
		return fmt.Errorf("progression: marshal retry-check event for execution %d: %w", executionID, err)
	}
	props := map[string]string{bus.PropMessageType: string(bus.MessageTypeRetryCheck)}
	if err := b.PublishAt(ctx, bus.TopicOrchestratorEvents, body, props, "", at); err != nil {
		return fmt.Errorf("progression: publish retry-check for execution %d: %w", executionID, err)
	}
	return nil
}
