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

/*
Package tracing provides OpenTelemetry-based span creation for the
scheduler and orchestrator processes.

A Provider wraps an sdktrace.TracerProvider behind the pkg/observability
interfaces, so callers depend on an interface rather than the otel SDK
directly. One span is created per scheduler tick and per orchestrator
handler invocation; there is no persistent span storage and no
audit trail, spans are exported (when tracing is enabled) via the
stdout exporter and otherwise discarded once ended.

	cfg := tracing.DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = "batchorch"

	provider, err := tracing.NewProvider(cfg)
	if err != nil {
		return err
	}
	defer provider.Shutdown(ctx)

	tracer := provider.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "handle.batch_init")
	defer span.End()
*/
package tracing
