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

import "fmt"

// Validate checks the cross-referential rules parse.go can't check while
// still decoding: on_failure references, batch_time exclusivity, and
// primary_key presence. Offset and duration syntax errors are collected
// directly during Parse.
func Validate(def *Definition) []error {
	var errs []error

	if def.Name == "" {
		errs = append(errs, fmt.Errorf("runbook: name is required"))
	}

	if def.DataSource.PrimaryKey == "" {
		errs = append(errs, fmt.Errorf("runbook: data_source.primary_key is required"))
	}

	if def.DataSource.BatchTimeImmediate && def.DataSource.BatchTimeColumn != "" {
		errs = append(errs, fmt.Errorf("runbook: data_source.batch_time and batch_time_column are mutually exclusive"))
	}
	if !def.DataSource.BatchTimeImmediate && def.DataSource.BatchTimeColumn == "" {
		errs = append(errs, fmt.Errorf("runbook: data_source must set one of batch_time_column or batch_time: immediate"))
	}

	switch def.DataSource.Type {
	case Dataverse, Databricks:
	default:
		errs = append(errs, fmt.Errorf("runbook: data_source.type %q not recognized", def.DataSource.Type))
	}

	errs = append(errs, validateOnFailureRefs("init", def.Init, def.Rollbacks)...)
	for _, p := range def.Phases {
		errs = append(errs, validateOnFailureRefs(fmt.Sprintf("phases[%s]", p.Name), p.Steps, def.Rollbacks)...)
	}
	errs = append(errs, validateOnFailureRefs("on_member_removed", def.OnMemberRemoved, def.Rollbacks)...)

	return errs
}

func validateOnFailureRefs(context string, steps []Step, rollbacks map[string][]Step) []error {
	var errs []error
	for _, s := range steps {
		if s.OnFailure == "" {
			continue
		}
		if _, ok := rollbacks[s.OnFailure]; !ok {
			errs = append(errs, fmt.Errorf("runbook: %s step %q references undefined rollback %q", context, s.Name, s.OnFailure))
		}
	}
	return errs
}
