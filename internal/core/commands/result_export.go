// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

// ResultExportToBigQuery copies a persisted result to the analytics table.
// The export is best effort: the relational row is already committed, so a
// failure is counted and logged and never fails the delivery.
type ResultExportToBigQuery struct {
	cor.BaseCommand
	exporter ResultExporter
}

// NewResultExportToBigQuery is the constructor for creating a new ResultExportToBigQuery command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - exporter: The analytics sink. A nil exporter disables the command.
//
// Outputs:
//   - *ResultExportToBigQuery: A pointer to the newly instantiated command.
func NewResultExportToBigQuery(name string, exporter ResultExporter) *ResultExportToBigQuery {
	return &ResultExportToBigQuery{BaseCommand: *cor.NewBaseCommand(name), exporter: exporter}
}

// IsExecutable reports whether an exporter is configured and a result and its
// segment are in the context.
func (c *ResultExportToBigQuery) IsExecutable(context cor.Context) bool {
	if c.exporter == nil || context == nil {
		return false
	}
	_, ok := context.Get(GetResultParameterName()).(*model.Result)
	_, hasSeg := getSegment(context)
	return ok && hasSeg
}

// Execute exports the result. Errors are counted and logged only.
func (c *ResultExportToBigQuery) Execute(context cor.Context) {
	ctx := context.GetContext()
	seg, _ := getSegment(context)
	result := context.Get(GetResultParameterName()).(*model.Result)

	if err := c.exporter.ExportResult(ctx, seg, result); err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		slog.WarnContext(ctx, "failed to export result", "result_id", result.ID, "error", err)
		return
	}
	c.Succeed(context)
}
