// Package handlers contains the built-in task handlers registered by the
// worker CLI: a progress-tracked bulk export and a periodic cleanup task.
// They double as reference implementations of the handler contract.
package handlers

import (
	"context"
	"time"

	"github.com/conveyorq/conveyor/internal/task"
)

// Task names registered by this package.
const (
	TaskExportWorkLogs = "export_work_logs"
	TaskCleanup        = "cleanup"
)

// ExportQueue is the dedicated queue for long-running export jobs, kept
// separate so they do not starve short tasks on the default queue.
const ExportQueue = "export"

// WorkLogSource enumerates work log records for export, injected so the
// handler's data dependency is visible in its construction rather than
// recovered from ambient state.
type WorkLogSource interface {
	// CountWorkLogs returns how many records fall in [start, end].
	CountWorkLogs(ctx context.Context, start, end time.Time) (int, error)

	// FetchWorkLogs returns up to limit records starting at offset.
	FetchWorkLogs(ctx context.Context, start, end time.Time, offset, limit int) ([]WorkLog, error)
}

// WorkLog is one exportable record.
type WorkLog struct {
	ID       string        `json:"id"`
	Date     time.Time     `json:"date"`
	Duration time.Duration `json:"duration"`
	Note     string        `json:"note"`
}

// ExportSink receives exported batches.
type ExportSink interface {
	// WriteBatch appends a batch to the export identified by taskID.
	WriteBatch(ctx context.Context, taskID string, logs []WorkLog) error
}

// exportPayload represents the serialized arguments of an export task.
type exportPayload struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ExportResult is the handler's return value, recorded as the task result.
type ExportResult struct {
	RecordCount int    `json:"record_count"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

const exportBatchSize = 100

// ExportHandler builds the export_work_logs handler over the given source
// and sink. The handler enumerates records in batches and reports progress
// once per batch, so polling clients stay informed without flooding the
// result store.
func ExportHandler(source WorkLogSource, sink ExportSink) task.Handler {
	return func(ctx context.Context, inv *task.Invocation) (any, error) {
		var payload exportPayload
		if err := inv.Bind(&payload); err != nil {
			return nil, err
		}

		start, err := time.Parse("2006-01-02", payload.Start)
		if err != nil {
			return nil, task.Permanentf("invalid start date %q: %w", payload.Start, err)
		}
		end, err := time.Parse("2006-01-02", payload.End)
		if err != nil {
			return nil, task.Permanentf("invalid end date %q: %w", payload.End, err)
		}
		if end.Before(start) {
			return nil, task.Permanentf("end date %q precedes start date %q", payload.End, payload.Start)
		}

		total, err := source.CountWorkLogs(ctx, start, end)
		if err != nil {
			return nil, task.Transientf("failed to count work logs: %w", err)
		}

		inv.Progress.Report(ctx, 0, "export started")

		exported := 0
		for exported < total {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			logs, err := source.FetchWorkLogs(ctx, start, end, exported, exportBatchSize)
			if err != nil {
				return nil, task.Transientf("failed to fetch work logs: %w", err)
			}
			if len(logs) == 0 {
				break
			}

			if err := sink.WriteBatch(ctx, inv.TaskID, logs); err != nil {
				return nil, task.Transientf("failed to write export batch: %w", err)
			}

			exported += len(logs)
			inv.Progress.Report(ctx, exported*100/total, "exporting work logs")
		}

		inv.Progress.Report(ctx, 100, "export complete")

		return ExportResult{
			RecordCount: exported,
			Start:       payload.Start,
			End:         payload.End,
		}, nil
	}
}
