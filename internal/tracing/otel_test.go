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

import (
	"context"
	"errors"
	"testing"

	"github.com/batchwright/batchwright/pkg/observability"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tracer := p.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "op")
	require.NotNil(t, ctx)
	span.SetAttributes(map[string]any{"batch.id": int64(1)})
	span.End()
}

func TestNewProvider_StdoutExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "stdout"
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tracer := p.Tracer("orchestrator")
	_, span := tracer.Start(context.Background(), "handle.batch_init",
		observability.WithAttributes(map[string]any{"batchwright.status": "ok"}))
	span.SetStatus(observability.StatusCodeOK, "")
	span.End()

	require.NoError(t, p.ForceFlush(context.Background()))
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "otlp"
	_, err := NewProvider(cfg)
	require.Error(t, err)
}

func TestSpan_RecordError(t *testing.T) {
	p, err := NewProvider(DefaultConfig())
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tracer := p.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestNewSampler_AlwaysSampleErrors(t *testing.T) {
	sampler := NewSampler(SamplerConfig{Enabled: true, Rate: 0.0, AlwaysSampleErrors: true})
	require.Contains(t, sampler.Description(), "ErrorAwareSampler")
}
