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

// Package template resolves {{name}} references inside step function
// names and parameter values, once at step-creation time, from a
// precedence-ordered chain of variable sources.
package template

import (
	"fmt"
	"strings"
)

// Lookup resolves a single variable name, reporting whether it exists.
type Lookup func(name string) (string, bool)

// Resolver walks a string for {{name}} references and resolves each
// through a precedence-ordered chain of Lookups: the first Lookup to
// report a hit wins.
type Resolver struct {
	chain []Lookup
}

// New builds a Resolver that tries each Lookup in order.
func New(chain ...Lookup) *Resolver {
	return &Resolver{chain: chain}
}

// UnresolvedVariableError reports a {{name}} reference than none of the
// Resolver's Lookups could satisfy.
type UnresolvedVariableError struct {
	Name string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved variable %s", e.Name)
}

// Resolve scans s for {{name}} references and substitutes each with its
// looked-up value. It fails closed: the first unresolved reference
// aborts the whole resolution (the spec's "fail the step" contract).
func (r *Resolver) Resolve(s string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "{{")
		if start == -1 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])

		end := strings.Index(s[start+2:], "}}")
		if end == -1 {
			return "", fmt.Errorf("template: unterminated {{ in %q", s)
		}
		end += start + 2

		name := strings.TrimSpace(s[start+2 : end])
		value, ok := r.lookup(name)
		if !ok {
			return "", &UnresolvedVariableError{Name: name}
		}
		out.WriteString(value)

		i = end + 2
	}
	return out.String(), nil
}

func (r *Resolver) lookup(name string) (string, bool) {
	for _, l := range r.chain {
		if v, ok := l(name); ok {
			return v, true
		}
	}
	return "", false
}

// ResolveMap resolves every value in params, returning a new map. The
// first unresolved reference in any value aborts with that value's error.
func (r *Resolver) ResolveMap(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		resolved, err := r.Resolve(v)
		if err != nil {
			return nil, fmt.Errorf("template: param %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}
