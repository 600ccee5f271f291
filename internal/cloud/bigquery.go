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

package cloud

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

// ResultRow is the analytics copy of a classification result.
type ResultRow struct {
	ResultID       string    `bigquery:"result_id"`
	TaskID         string    `bigquery:"task_id"`
	SegmentID      string    `bigquery:"segment_id"`
	StartTime      float64   `bigquery:"start_time"`
	EndTime        float64   `bigquery:"end_time"`
	ObjectDetected string    `bigquery:"object_detected"`
	Confidence     float64   `bigquery:"confidence"`
	ResultFileURL  string    `bigquery:"result_file_url"`
	CreatedAt      time.Time `bigquery:"created_at"`
}

// NewResultRow flattens a result and its segment.
func NewResultRow(segment *model.Segment, result *model.Result) *ResultRow {
	row := &ResultRow{
		ResultID:       result.ID.String(),
		TaskID:         segment.TaskID.String(),
		SegmentID:      segment.ID.String(),
		ObjectDetected: result.ObjectDetected,
		Confidence:     result.Confidence,
		CreatedAt:      result.CreatedAt,
	}
	if span, ok := segment.Span(); ok {
		row.StartTime, row.EndTime = span.Start, span.End
	}
	if result.ResultBlob != nil {
		row.ResultFileURL = *result.ResultBlob
	}
	return row
}

// BigQueryResultExporter streams results into an analytics table. The table
// is a copy for reporting; the relational store stays authoritative.
type BigQueryResultExporter struct {
	inserter *bigquery.Inserter
}

// NewBigQueryResultExporter is the constructor for BigQueryResultExporter.
//
// Inputs:
//   - client: An initialized BigQuery client.
//   - dataset: The dataset holding the results table.
//   - table: The results table, created by the schema setup beforehand.
//
// Outputs:
//   - *BigQueryResultExporter: An exporter that streams rows into the table.
func NewBigQueryResultExporter(client *bigquery.Client, dataset, table string) *BigQueryResultExporter {
	return &BigQueryResultExporter{inserter: client.Dataset(dataset).Table(table).Inserter()}
}

// ExportResult inserts one row, deduplicated by the result id.
func (b *BigQueryResultExporter) ExportResult(ctx context.Context, segment *model.Segment, result *model.Result) error {
	row := NewResultRow(segment, result)
	saver := &bigquery.StructSaver{Struct: row, InsertID: row.ResultID}
	if err := b.inserter.Put(ctx, saver); err != nil {
		return fmt.Errorf("bigquery insert failed for result %s: %w", row.ResultID, err)
	}
	return nil
}
