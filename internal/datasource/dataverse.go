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

import "context"

// dataverseEndpointVar names the environment variable holding the base
// URL of the Dataverse query endpoint this driver POSTs to. The
// runbook's own data_source.connection value names a second env var
// resolved per call, so one process can serve multiple runbooks against
// different Dataverse environments.
const dataverseEndpointVar = "BATCHWRIGHT_DATAVERSE_ENDPOINT"

func init() {
	Register("dataverse", &dataverseDriver{client: newHTTPQueryClient(dataverseEndpointVar)})
}

// dataverseDriver queries Microsoft Dataverse. It does not speak
// Dataverse's native OData/Web API protocol; it is a thin JSON-over-HTTP
// query runner fronting whatever service translates the runbook's query
// text into a Dataverse FetchXML or OData call, consistent with "surfaced
// only as a pluggable query interface" in the Non-goals.
type dataverseDriver struct {
	client *httpQueryClient
}

func (d *dataverseDriver) Query(ctx context.Context, connection, warehouseID, query string) (RowIter, error) {
	return d.client.query(ctx, connection, "", query)
}
