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
	"fmt"
)

// databricksEndpointVar names the environment variable holding the base
// URL of the Databricks SQL statement endpoint this driver POSTs to.
const databricksEndpointVar = "BATCHWRIGHT_DATABRICKS_ENDPOINT"

func init() {
	Register("databricks", &databricksDriver{client: newHTTPQueryClient(databricksEndpointVar)})
}

// databricksDriver queries a Databricks SQL warehouse. Like dataverseDriver,
// it is a thin query runner, not a client for the Databricks SQL
// Statement Execution API; warehouseID is required here, unlike
// Dataverse, since a Databricks query must be routed to a specific
// warehouse.
type databricksDriver struct {
	client *httpQueryClient
}

func (d *databricksDriver) Query(ctx context.Context, connection, warehouseID, query string) (RowIter, error) {
	if warehouseID == "" {
		return nil, fmt.Errorf("datasource: databricks query requires a warehouse_id")
	}
	return d.client.query(ctx, connection, warehouseID, query)
}
