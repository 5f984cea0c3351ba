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
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlStep mirrors the on-disk step definition; yamlRetry/yamlPoll are
// decoded separately since params/function carry raw template text that
// Definition's Step doesn't reinterpret at parse time.
type yamlStep struct {
	Name         string            `yaml:"name"`
	WorkerID     string            `yaml:"worker_id"`
	Function     string            `yaml:"function"`
	Params       map[string]string `yaml:"params"`
	OutputParams map[string]string `yaml:"output_params"`
	OnFailure    string            `yaml:"on_failure"`
	Poll         *yamlPoll         `yaml:"poll"`
	Retry        *yamlRetry        `yaml:"retry"`
}

type yamlRetry struct {
	MaxRetries int    `yaml:"max_retries"`
	Interval   string `yaml:"interval"`
}

type yamlPoll struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

type yamlMultiValuedColumn struct {
	Column string `yaml:"column"`
	Format string `yaml:"format"`
}

type yamlDataSource struct {
	Type               string                  `yaml:"type"`
	Connection         string                  `yaml:"connection"`
	WarehouseID        string                  `yaml:"warehouse_id"`
	Query              string                  `yaml:"query"`
	PrimaryKey         string                  `yaml:"primary_key"`
	BatchTimeColumn    string                  `yaml:"batch_time_column"`
	BatchTime          string                  `yaml:"batch_time"`
	MultiValuedColumns []yamlMultiValuedColumn `yaml:"multi_valued_columns"`
}

type yamlPhase struct {
	Name   string     `yaml:"name"`
	Offset string     `yaml:"offset"`
	Steps  []yamlStep `yaml:"steps"`
}

type yamlDefinition struct {
	Name            string                `yaml:"name"`
	Description     string                `yaml:"description"`
	DataSource      yamlDataSource        `yaml:"data_source"`
	Retry           *yamlRetry            `yaml:"retry"`
	Init            []yamlStep            `yaml:"init"`
	Phases          []yamlPhase           `yaml:"phases"`
	OnMemberRemoved []yamlStep            `yaml:"on_member_removed"`
	Rollbacks       map[string][]yamlStep `yaml:"rollbacks"`
}

// Parse decodes and validates runbook YAML text into a Definition. It
// returns every validation error found, not just the first.
func Parse(text string) (*Definition, []error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, []error{fmt.Errorf("runbook: parse yaml: %w", err)}
	}

	def := &Definition{
		Name:        raw.Name,
		Description: raw.Description,
	}

	var errs []error

	ds, dsErrs := convertDataSource(raw.DataSource)
	def.DataSource = ds
	errs = append(errs, dsErrs...)

	if raw.Retry != nil {
		retry, err := convertRetry(raw.Retry)
		if err != nil {
			errs = append(errs, err)
		}
		def.GlobalRetry = retry
	}

	init, initErrs := convertSteps(raw.Init)
	def.Init = init
	errs = append(errs, initErrs...)

	for _, p := range raw.Phases {
		offsetMinutes, err := ParseOffset(p.Offset)
		if err != nil {
			errs = append(errs, err)
		}
		steps, stepErrs := convertSteps(p.Steps)
		errs = append(errs, stepErrs...)
		def.Phases = append(def.Phases, Phase{
			Name:          p.Name,
			Offset:        p.Offset,
			OffsetMinutes: offsetMinutes,
			Steps:         steps,
		})
	}

	removed, removedErrs := convertSteps(raw.OnMemberRemoved)
	def.OnMemberRemoved = removed
	errs = append(errs, removedErrs...)

	if len(raw.Rollbacks) > 0 {
		def.Rollbacks = make(map[string][]Step, len(raw.Rollbacks))
		for name, steps := range raw.Rollbacks {
			converted, stepErrs := convertSteps(steps)
			errs = append(errs, stepErrs...)
			def.Rollbacks[name] = converted
		}
	}

	errs = append(errs, Validate(def)...)
	if len(errs) > 0 {
		return def, errs
	}
	return def, nil
}

func convertDataSource(raw yamlDataSource) (DataSource, []error) {
	var errs []error

	ds := DataSource{
		Type:            DataSourceType(raw.Type),
		Connection:      raw.Connection,
		WarehouseID:     raw.WarehouseID,
		Query:           raw.Query,
		PrimaryKey:      raw.PrimaryKey,
		BatchTimeColumn: raw.BatchTimeColumn,
	}

	if raw.BatchTime == "immediate" {
		ds.BatchTimeImmediate = true
	} else if raw.BatchTime != "" {
		errs = append(errs, fmt.Errorf("runbook: data_source.batch_time %q not recognized (only \"immediate\")", raw.BatchTime))
	}

	for _, c := range raw.MultiValuedColumns {
		format := MultiValueFormat(c.Format)
		switch format {
		case SemicolonDelimited, CommaDelimited, JSONArray:
		default:
			errs = append(errs, fmt.Errorf("runbook: multi_valued_columns[%q] has unknown format %q", c.Column, c.Format))
		}
		ds.MultiValuedColumns = append(ds.MultiValuedColumns, MultiValuedColumn{Column: c.Column, Format: format})
	}

	return ds, errs
}

func convertRetry(raw *yamlRetry) (*Retry, error) {
	if raw == nil {
		return nil, nil
	}
	interval, err := ParseDuration(raw.Interval)
	if err != nil {
		return nil, err
	}
	return &Retry{MaxRetries: raw.MaxRetries, Interval: interval}, nil
}

func convertPoll(raw *yamlPoll) (*Poll, error) {
	if raw == nil {
		return nil, nil
	}
	interval, err := ParseDuration(raw.Interval)
	if err != nil {
		return nil, err
	}
	timeout, err := ParseDuration(raw.Timeout)
	if err != nil {
		return nil, err
	}
	return &Poll{Interval: interval, Timeout: timeout}, nil
}

func convertSteps(raw []yamlStep) ([]Step, []error) {
	var errs []error
	steps := make([]Step, 0, len(raw))
	for _, s := range raw {
		poll, err := convertPoll(s.Poll)
		if err != nil {
			errs = append(errs, err)
		}
		retry, err := convertRetry(s.Retry)
		if err != nil {
			errs = append(errs, err)
		}
		steps = append(steps, Step{
			Name:         s.Name,
			WorkerID:     s.WorkerID,
			Function:     s.Function,
			Params:       s.Params,
			OutputParams: s.OutputParams,
			OnFailure:    s.OnFailure,
			Poll:         poll,
			Retry:        retry,
		})
	}
	return steps, errs
}
