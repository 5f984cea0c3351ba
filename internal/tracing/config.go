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

package tracing

// Config holds tracing configuration for a single process (a scheduler or
// an orchestrator replica).
type Config struct {
	// Enabled controls whether tracing is active. Disabled by default so a
	// local run or a unit test doesn't pay for span creation.
	Enabled bool

	// ServiceName identifies this process in emitted spans, e.g.
	// "batchsched" or "batchorch".
	ServiceName string

	// ServiceVersion is the build version, reported as a resource
	// attribute.
	ServiceVersion string

	// Exporter selects the span exporter: "stdout" or "none". "none"
	// still builds a provider, it just never exports anything.
	Exporter string

	// Sampling configures which spans get recorded.
	Sampling SamplerConfig
}

// DefaultConfig returns configuration with tracing off and full sampling,
// for callers that want to opt in piecemeal.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "batchwright",
		ServiceVersion: "unknown",
		Exporter:       "stdout",
		Sampling: SamplerConfig{
			Enabled:            false,
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
	}
}
