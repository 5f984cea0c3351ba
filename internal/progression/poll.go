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
	"time"

	"github.com/batchwright/batchwright/internal/store"
)

// PollDue reports whether a polling step execution's next poll interval
// has elapsed as of now. Interval/timeout arithmetic is done here in Go
// rather than in SQL because postgres and sqlite don't share a
// date-function dialect.
func PollDue(step store.StepExecution, now time.Time) bool {
	if step.LastPolledAt == nil {
		return true
	}
	return !step.LastPolledAt.Add(time.Duration(step.PollIntervalSec) * time.Second).After(now)
}

// PollTimedOut reports whether a polling step execution has exceeded its
// PollTimeoutSec budget, measured from PollStartedAt.
func PollTimedOut(step store.StepExecution, now time.Time) bool {
	if step.PollStartedAt == nil {
		return false
	}
	return step.PollStartedAt.Add(time.Duration(step.PollTimeoutSec) * time.Second).Before(now)
}

// InitPollDue and InitPollTimedOut mirror PollDue/PollTimedOut for init
// executions; StepExecution and InitExecution share every field the poll
// arithmetic needs, but are distinct Go types.
func InitPollDue(step store.InitExecution, now time.Time) bool {
	if step.LastPolledAt == nil {
		return true
	}
	return !step.LastPolledAt.Add(time.Duration(step.PollIntervalSec) * time.Second).After(now)
}

func InitPollTimedOut(step store.InitExecution, now time.Time) bool {
	if step.PollStartedAt == nil {
		return false
	}
	return step.PollStartedAt.Add(time.Duration(step.PollTimeoutSec) * time.Second).Before(now)
}
