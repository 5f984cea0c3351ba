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
	"strings"
)

// ExtractOutputParams reads each outputParams mapping (template var ->
// result field name) out of a worker result payload, matching field
// names case-insensitively. When complete is true, fields are read from
// the "data" sub-object (a completed poll result nests its fields there),
// falling back to the top level when "data" is absent or not an object;
// otherwise from the top level.
func ExtractOutputParams(resultJSON string, complete bool, outputParams map[string]string) (map[string]string, error) {
	if len(outputParams) == 0 {
		return nil, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &payload); err != nil {
		return nil, fmt.Errorf("template: parse result payload: %w", err)
	}

	fields := payload
	if complete {
		if data, ok := payload["data"].(map[string]any); ok {
			fields = data
		}
	}

	lowered := make(map[string]any, len(fields))
	for k, v := range fields {
		lowered[strings.ToLower(k)] = v
	}

	out := make(map[string]string, len(outputParams))
	for templateVar, fieldName := range outputParams {
		v, ok := lowered[strings.ToLower(fieldName)]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			out[templateVar] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("template: marshal output param %q: %w", templateVar, err)
		}
		out[templateVar] = string(b)
	}
	return out, nil
}
