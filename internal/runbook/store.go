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
	"context"
	"errors"
	"fmt"

	"github.com/batchwright/batchwright/internal/store"
)

// ErrInvalid wraps a non-empty validation error list from Parse/Validate.
var ErrInvalid = errors.New("runbook: invalid definition")

// Store adapts internal/store's repository methods to the publish/parse
// contract in front of callers (the scheduler, batchctl), keeping the
// Definition/validation concerns out of internal/store entirely.
type Store struct {
	queries *store.Queries
}

// NewStore wraps a repository facade.
func NewStore(queries *store.Queries) *Store {
	return &Store{queries: queries}
}

// Publish parses and validates yamlText, then inserts a new runbook
// version, deactivating the prior active version for name.
func (s *Store) Publish(ctx context.Context, name, yamlText string, overdue store.OverdueBehavior, rerunInit bool) (int64, error) {
	def, errs := Parse(yamlText)
	if len(errs) > 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, errs)
	}
	if def.Name != name {
		return 0, fmt.Errorf("%w: yaml name %q does not match publish name %q", ErrInvalid, def.Name, name)
	}

	return s.queries.PublishRunbook(ctx, name, yamlText, overdue, rerunInit)
}

// GetActive returns the active version's parsed Definition alongside its
// stored Runbook row.
func (s *Store) GetActive(ctx context.Context, name string) (*store.Runbook, *Definition, error) {
	rb, err := s.queries.GetActiveRunbook(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	def, errs := Parse(rb.YAML)
	if len(errs) > 0 {
		return rb, nil, fmt.Errorf("%w: %v", ErrInvalid, errs)
	}
	return rb, def, nil
}

// GetByNameAndVersion returns a specific version's parsed Definition.
func (s *Store) GetByNameAndVersion(ctx context.Context, name string, version int64) (*store.Runbook, *Definition, error) {
	rb, err := s.queries.GetRunbookByNameAndVersion(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}
	def, errs := Parse(rb.YAML)
	if len(errs) > 0 {
		return rb, nil, fmt.Errorf("%w: %v", ErrInvalid, errs)
	}
	return rb, def, nil
}

// Deactivate clears IsActive on a specific version.
func (s *Store) Deactivate(ctx context.Context, name string, version int64) error {
	ok, err := s.queries.DeactivateRunbook(ctx, name, version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("runbook: %q version %d was already inactive", name, version)
	}
	return nil
}
