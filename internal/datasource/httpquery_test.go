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

package datasource

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPQueryClient_StreamsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"connection":"conn-a"`)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"email\":\"a@x\",\"count\":3}\n{\"email\":\"b@x\",\"count\":4.5}\n"))
	}))
	defer srv.Close()

	t.Setenv("TEST_ENDPOINT", srv.URL)
	t.Setenv("TEST_CONNECTION", "conn-a")

	client := newHTTPQueryClient("TEST_ENDPOINT")
	it, err := client.query(context.Background(), "TEST_CONNECTION", "", "select 1")
	require.NoError(t, err)
	defer it.Close()

	row, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a@x", row["email"])
	require.Equal(t, "3", row["count"])

	row, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b@x", row["email"])

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHTTPQueryClient_MissingEndpointEnv(t *testing.T) {
	client := newHTTPQueryClient("BATCHWRIGHT_UNSET_ENDPOINT_VAR")
	_, err := client.query(context.Background(), "ALSO_UNSET", "", "select 1")
	require.Error(t, err)
}
