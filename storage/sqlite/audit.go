package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/docingest/core"
)

// RecordIngestion appends an audit record.
func (s *Store) RecordIngestion(ctx context.Context, rec *core.AuditRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_log (job_id, document_id, source_ref, size_bytes, chunks,
			vectors, attempts, processing_time_us, status, error_details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.JobID, rec.DocumentID, rec.SourceRef, rec.SizeBytes, rec.Chunks,
		rec.Vectors, rec.Attempts, rec.ProcessingTime.Microseconds(), rec.Status.String(),
		nullString(rec.ErrorDetails), toMicros(createdAt))
	if err != nil {
		return fmt.Errorf("recording ingestion: %w", err)
	}
	return nil
}

// IngestionStats aggregates audit records created at or after since.
func (s *Store) IngestionStats(ctx context.Context, since time.Time) (*core.IngestionStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(chunks), 0),
			COALESCE(SUM(vectors), 0),
			COALESCE(AVG(processing_time_us), 0)
		FROM ingestion_log
		WHERE created_at >= ?
	`, core.StatusCompleted.String(), core.StatusDeadLettered.String(),
		core.StatusCancelled.String(), toMicros(since))

	stats := core.IngestionStats{Since: since}
	var avgMicros float64
	if err := row.Scan(&stats.TotalIngestions, &stats.Completed, &stats.DeadLettered,
		&stats.Cancelled, &stats.TotalChunks, &stats.TotalVectors, &avgMicros); err != nil {
		return nil, fmt.Errorf("querying ingestion stats: %w", err)
	}
	stats.AvgProcessingTime = time.Duration(avgMicros) * time.Microsecond
	return &stats, nil
}
