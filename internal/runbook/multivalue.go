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

package runbook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SplitMultiValue splits a raw column value per format, the data-source
// driver's "surface multi-valued columns as delimited strings" contract.
func SplitMultiValue(raw string, format MultiValueFormat) ([]string, error) {
	switch format {
	case SemicolonDelimited:
		return splitTrimmed(raw, ";"), nil
	case CommaDelimited:
		return splitTrimmed(raw, ","), nil
	case JSONArray:
		var values []string
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("runbook: parse json_array column value %q: %w", raw, err)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("runbook: unknown multi-value format %q", format)
	}
}

func splitTrimmed(raw, sep string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
