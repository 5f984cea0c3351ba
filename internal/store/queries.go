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

package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Queries is a repository facade bound either to the connection pool
// (DB.Queries) or to a single transaction (DB.WithTx). Both daemons hold
// one pool-bound Queries for their lifetime, so a handler's statements
// each run on a pooled connection rather than in a per-message
// transaction; repositories themselves own no connection state beyond
// what's passed in here.
type Queries struct {
	ext    sqlx.ExtContext
	rebind func(string) string
}

// Queries returns a facade bound directly to the connection pool, for
// callers that don't need transactional scope (e.g. batchctl reads).
func (db *DB) Queries() *Queries {
	return &Queries{ext: db.DB, rebind: db.Rebind}
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	q := &Queries{ext: tx, rebind: db.Rebind}
	if err := fn(q); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (q *Queries) rb(query string) string {
	return q.rebind(query)
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.rb(query), args...)
}

func (q *Queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.rb(query), args...)
}

func (q *Queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.rb(query), args...)
}

// rowsAffected returns the rows-affected count of a guarded update,
// treated by callers as the "did this transition occur" boolean per the
// concurrency model's guarded-update primitive.
func rowsAffected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
