package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/models"
)

// TemplateSchedule is the scheduling view of a task template.
type TemplateSchedule struct {
	TaskID    int64
	TaskName  string
	TaskType  models.TaskType
	Cron      string
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// SetTemplateSchedule attaches or updates a cron schedule on a template.
// Non-template tasks are rejected.
func (s *Store) SetTemplateSchedule(ctx context.Context, taskID int64, cronExpr string, enabled bool) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.IsTemplate {
		return fmt.Errorf("task %d is not a template", taskID)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE backup_tasks SET schedule_cron = ?, schedule_enabled = ? WHERE id = ?",
		cronExpr, enabled, taskID)
	if err != nil {
		return fmt.Errorf("failed to set template schedule: %w", err)
	}
	return nil
}

// ListScheduledTemplates returns templates with an enabled, non-empty
// cron schedule.
func (s *Store) ListScheduledTemplates(ctx context.Context) ([]TemplateSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_name, task_type, schedule_cron, schedule_enabled, last_run_at, next_run_at
		FROM backup_tasks
		WHERE is_template = 1 AND schedule_enabled = 1 AND schedule_cron != ''
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled templates: %w", err)
	}
	defer rows.Close()

	var out []TemplateSchedule
	for rows.Next() {
		var ts TemplateSchedule
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&ts.TaskID, &ts.TaskName, &ts.TaskType, &ts.Cron, &ts.Enabled, &lastRun, &nextRun); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			ts.LastRunAt = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			ts.NextRunAt = &t
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// RecordScheduledRun stamps the template's last run time.
func (s *Store) RecordScheduledRun(ctx context.Context, taskID int64, ranAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE backup_tasks SET last_run_at = ? WHERE id = ?", ranAt, taskID)
	if err != nil {
		return fmt.Errorf("failed to record scheduled run: %w", err)
	}
	return nil
}

// SetNextRun stores the template's next scheduled fire time.
func (s *Store) SetNextRun(ctx context.Context, taskID int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE backup_tasks SET next_run_at = ? WHERE id = ?", next, taskID)
	if err != nil {
		return fmt.Errorf("failed to set next run: %w", err)
	}
	return nil
}
