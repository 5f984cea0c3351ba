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

package observability

import "context"

// NoopTracer is a Tracer that creates spans which record nothing. Callers
// that don't wire a real TracerProvider can default to this instead of
// nil-checking on every Start call.
var NoopTracer Tracer = noopTracer{}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanHandle) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(opts ...SpanEndOption)             {}
func (noopSpan) SetStatus(code StatusCode, msg string) {}
func (noopSpan) SetAttributes(attrs map[string]any)    {}
func (noopSpan) AddEvent(name string, attrs map[string]any) {}
func (noopSpan) SpanContext() TraceContext             { return TraceContext{} }
func (noopSpan) RecordError(err error)                 {}
