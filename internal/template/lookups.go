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

package template

import (
	"encoding/json"
	"fmt"
	"time"
)

// SpecialVars is the highest-precedence Lookup: _batch_id and
// _batch_start_time, available even to init steps that have no member
// data at all.
func SpecialVars(batchID int64, batchStartTime *time.Time) Lookup {
	return func(name string) (string, bool) {
		switch name {
		case "_batch_id":
			return fmt.Sprintf("%d", batchID), true
		case "_batch_start_time":
			if batchStartTime == nil {
				return "", false
			}
			return batchStartTime.UTC().Format(time.RFC3339), true
		default:
			return "", false
		}
	}
}

// JSONFieldLookup resolves name against the top-level keys of a JSON
// object, used for both WorkerDataJson (worker-output vars) and DataJson
// (data-column vars). Values are stringified: strings pass through,
// everything else is re-marshaled to JSON text.
func JSONFieldLookup(rawJSON string) Lookup {
	var fields map[string]any
	if rawJSON != "" {
		// Parse errors here mean no fields resolve, not a fatal error:
		// the precedence chain simply falls through to the next source.
		_ = json.Unmarshal([]byte(rawJSON), &fields)
	}

	return func(name string) (string, bool) {
		v, ok := fields[name]
		if !ok {
			return "", false
		}
		if s, ok := v.(string); ok {
			return s, true
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
