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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// httpQueryClient is the shared HTTP/JSON query runner both drivers
// parameterize: it POSTs the query to an endpoint resolved from an env
// var, then decodes a newline-delimited-JSON response one row at a time
// so row count in the thousands never buffers in memory.
type httpQueryClient struct {
	client      *http.Client
	endpointVar string // env var holding the base endpoint URL
}

func newHTTPQueryClient(endpointVar string) *httpQueryClient {
	return &httpQueryClient{
		client:      &http.Client{Timeout: 60 * time.Second},
		endpointVar: endpointVar,
	}
}

func (c *httpQueryClient) query(ctx context.Context, connectionVar, warehouseIDVar, query string) (RowIter, error) {
	endpoint := os.Getenv(c.endpointVar)
	if endpoint == "" {
		return nil, fmt.Errorf("datasource: environment variable %q is not set", c.endpointVar)
	}
	connection := os.Getenv(connectionVar)
	if connection == "" {
		return nil, fmt.Errorf("datasource: environment variable %q is not set", connectionVar)
	}

	body := map[string]string{"connection": connection, "query": query}
	if warehouseIDVar != "" {
		warehouseID := os.Getenv(warehouseIDVar)
		if warehouseID == "" {
			return nil, fmt.Errorf("datasource: environment variable %q is not set", warehouseIDVar)
		}
		body["warehouse_id"] = warehouseID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("datasource: marshal query request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("datasource: build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("datasource: query request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("datasource: query request returned status %s", resp.Status)
	}

	return &jsonLinesRowIter{resp: resp, scanner: bufio.NewScanner(resp.Body)}, nil
}

// jsonLinesRowIter decodes one JSON object per line, the streaming shape
// that keeps a thousand-row result set off the heap all at once.
type jsonLinesRowIter struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func (it *jsonLinesRowIter) Next(ctx context.Context) (Row, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if !it.scanner.Scan() {
		if err := it.scanner.Err(); err != nil {
			return nil, false, fmt.Errorf("datasource: read query result: %w", err)
		}
		return nil, false, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(it.scanner.Bytes(), &raw); err != nil {
		return nil, false, fmt.Errorf("datasource: decode result row: %w", err)
	}

	row := make(Row, len(raw))
	for k, v := range raw {
		row[k] = stringify(v)
	}
	return row, true, nil
}

func (it *jsonLinesRowIter) Close() error {
	return it.resp.Body.Close()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
