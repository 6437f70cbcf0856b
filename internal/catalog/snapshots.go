package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/models"
)

// SnapshotEntry is the recorded identity of one file in a prior run's
// inventory.
type SnapshotEntry struct {
	Size  int64
	MTime time.Time
}

// BaselineTaskID resolves the execution whose inventory serves as the
// change-detection baseline: for differential backups the most recent
// completed full run of the same task name, for incremental the most
// recent completed run of any type. Returns 0 when no baseline exists,
// in which case the run degrades to a full backup.
func (s *Store) BaselineTaskID(ctx context.Context, taskName string, taskType models.TaskType) (int64, error) {
	query := `
		SELECT id FROM backup_tasks
		WHERE is_template = 0 AND task_name = ? AND status = ?`
	args := []interface{}{taskName, models.TaskStatusCompleted}

	if taskType == models.TaskTypeDifferential {
		query += " AND task_type IN (?, ?)"
		args = append(args, models.TaskTypeFull, models.TaskTypeMonthlyFull)
	}
	query += " ORDER BY completed_at DESC, id DESC LIMIT 1"

	var id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve baseline: %w", err)
	}
	return id, nil
}

// SnapshotIndex loads a task's inventory into a path-keyed index for
// change comparison. The last row per path wins.
func (s *Store) SnapshotIndex(ctx context.Context, taskID int64) (map[string]SnapshotEntry, error) {
	index := make(map[string]SnapshotEntry)
	var cursor int64
	for {
		page, err := s.FetchPendingFiles(ctx, taskID, cursor, 1000)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return index, nil
		}
		for _, rec := range page {
			index[rec.FilePath] = SnapshotEntry{Size: rec.FileSize, MTime: rec.MTime}
		}
		cursor = page[len(page)-1].ID
	}
}
