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

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/batchwright/batchwright/internal/bus"
)

// publishOrchestratorEvent marshals body and publishes it to
// orchestrator-events with the MessageType app property set, so the
// orchestrator's event router can dispatch on it. jobID, when non-empty,
// lets the bus's duplicate-detection window collapse a message the
// scheduler would otherwise re-emit on a later tick before the
// orchestrator has acted on the first one.
func (l *Loop) publishOrchestratorEvent(ctx context.Context, msgType bus.MessageType, jobID string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("scheduler: marshal %s event: %w", msgType, err)
	}
	props := map[string]string{bus.PropMessageType: string(msgType)}
	if err := l.bus.Publish(ctx, bus.TopicOrchestratorEvents, b, props, jobID); err != nil {
		return fmt.Errorf("scheduler: publish %s event: %w", msgType, err)
	}
	return nil
}
