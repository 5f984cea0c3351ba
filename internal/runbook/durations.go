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
	"fmt"
	"regexp"
	"strconv"
)

// Duration is a step-level retry/poll interval, stored as whole seconds.
// Runbook YAML doesn't use Go's time.Duration syntax, so this is parsed
// by unitDurationRegex rather than time.ParseDuration.
type Duration int64

// Seconds returns the duration's length in seconds.
func (d Duration) Seconds() int { return int(d) }

var offsetRegex = regexp.MustCompile(`^T-([0-9]+)([dhms])$`)

// ParseOffset parses a phase offset of the form "T-<N><unit>" (unit one of
// d, h, m, s) into whole minutes, rounding seconds up to the next minute.
// "T-0" is the zero offset regardless of unit suffix.
func ParseOffset(offset string) (int64, error) {
	if offset == "T-0" {
		return 0, nil
	}

	matches := offsetRegex.FindStringSubmatch(offset)
	if matches == nil {
		return 0, fmt.Errorf("runbook: invalid phase offset %q, want T-<N><d|h|m|s>", offset)
	}

	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("runbook: invalid phase offset %q: %w", offset, err)
	}

	switch matches[2] {
	case "d":
		return n * 1440, nil
	case "h":
		return n * 60, nil
	case "m":
		return n, nil
	case "s":
		return (n + 59) / 60, nil
	default:
		return 0, fmt.Errorf("runbook: invalid phase offset unit in %q", offset)
	}
}

var unitDurationRegex = regexp.MustCompile(`^([0-9]+)([dhms])$`)

// ParseDuration parses a retry/poll interval of the form "<N><unit>" (unit
// one of d, h, m, s) into whole seconds.
func ParseDuration(s string) (Duration, error) {
	matches := unitDurationRegex.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("runbook: invalid duration %q, want <N><d|h|m|s>", s)
	}

	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("runbook: invalid duration %q: %w", s, err)
	}

	switch matches[2] {
	case "d":
		return Duration(n * 86400), nil
	case "h":
		return Duration(n * 3600), nil
	case "m":
		return Duration(n * 60), nil
	case "s":
		return Duration(n), nil
	default:
		return 0, fmt.Errorf("runbook: invalid duration unit in %q", s)
	}
}
