package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/database"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/models"
)

// bulkInsertBatchSize is the default number of inventory rows per
// transaction when the caller does not specify one.
const bulkInsertBatchSize = 500

// Store provides the durable catalog backing tasks, per-task file
// inventories, tape cartridges and backup sets. All mutating calls from
// pipeline workers should go through the Writer queue; the Store methods
// themselves are plain transactional operations.
type Store struct {
	db     *database.DB
	logger *logging.Logger
}

// NewStore creates a catalog store over an opened database.
func NewStore(db *database.DB, logger *logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying database for tests and bootstrap code.
func (s *Store) DB() *database.DB {
	return s.db
}

// TaskConfig carries the caller-supplied fields of a new task template.
type TaskConfig struct {
	TaskName           string
	TaskType           models.TaskType
	SourcePaths        []string
	ExcludePatterns    []string
	RetentionDays      int
	TapeDevice         string
	CompressionEnabled bool
	EncryptionEnabled  bool
	EnableSimpleScan   bool
}

// inventoryTableName returns the physical inventory table name for a task.
func inventoryTableName(taskID int64) string {
	return fmt.Sprintf("backup_files_%d", taskID)
}

// provisionInventory creates the task's physical inventory table by cloning
// the template schema, and records the group mapping. Runs inside the
// caller's transaction so a failure rolls everything back.
func (s *Store) provisionInventory(tx *sql.Tx, taskID int64) (string, int64, error) {
	var templateSQL string
	err := tx.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type='table' AND name='backup_files_template'",
	).Scan(&templateSQL)
	if err != nil {
		return "", 0, fmt.Errorf("inventory template schema missing: %w", err)
	}

	tableName := inventoryTableName(taskID)
	createSQL := strings.Replace(templateSQL, "backup_files_template", tableName, 1)
	if _, err := tx.Exec(createSQL); err != nil {
		return "", 0, fmt.Errorf("failed to create inventory table %s: %w", tableName, err)
	}

	res, err := tx.Exec(
		"INSERT INTO backup_files_groups (table_name, task_id) VALUES (?, ?)",
		tableName, taskID,
	)
	if err != nil {
		return "", 0, fmt.Errorf("failed to record inventory group: %w", err)
	}
	groupID, _ := res.LastInsertId()

	if _, err := tx.Exec(
		"UPDATE backup_tasks SET backup_files_table = ?, backup_files_group_id = ? WHERE id = ?",
		tableName, groupID, taskID,
	); err != nil {
		return "", 0, fmt.Errorf("failed to link inventory table: %w", err)
	}

	return tableName, groupID, nil
}

// CreateTaskTemplate creates a task template together with its inventory
// table and group mapping. The whole operation is atomic; a failure leaves
// no partial state behind.
func (s *Store) CreateTaskTemplate(ctx context.Context, cfg TaskConfig) (int64, error) {
	sourceJSON, _ := json.Marshal(cfg.SourcePaths)
	excludeJSON, _ := json.Marshal(cfg.ExcludePatterns)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO backup_tasks
			(task_name, task_type, source_paths, exclude_patterns, status, scan_status,
			 retention_days, tape_device, compression_enabled, encryption_enabled,
			 enable_simple_scan, is_template)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, cfg.TaskName, cfg.TaskType, string(sourceJSON), string(excludeJSON),
		models.TaskStatusPending, models.ScanStatusNone,
		cfg.RetentionDays, cfg.TapeDevice, cfg.CompressionEnabled,
		cfg.EncryptionEnabled, cfg.EnableSimpleScan)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task template: %w", err)
	}
	taskID, _ := res.LastInsertId()

	if _, _, err := s.provisionInventory(tx, taskID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit task template: %w", err)
	}
	return taskID, nil
}

// CloneTemplateToExecution creates a pending execution from a template,
// provisioning the execution's own inventory table atomically.
func (s *Store) CloneTemplateToExecution(ctx context.Context, templateID int64) (int64, error) {
	tpl, err := s.GetTask(ctx, templateID)
	if err != nil {
		return 0, err
	}
	if !tpl.IsTemplate {
		return 0, fmt.Errorf("task %d is not a template", templateID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sourceJSON, _ := json.Marshal(tpl.SourcePaths)
	excludeJSON, _ := json.Marshal(tpl.ExcludePatterns)

	res, err := tx.Exec(`
		INSERT INTO backup_tasks
			(task_name, task_type, source_paths, exclude_patterns, status, scan_status,
			 retention_days, tape_device, compression_enabled, encryption_enabled,
			 enable_simple_scan, is_template)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, tpl.TaskName, tpl.TaskType, string(sourceJSON), string(excludeJSON),
		models.TaskStatusPending, models.ScanStatusNone,
		tpl.RetentionDays, tpl.TapeDevice, tpl.CompressionEnabled,
		tpl.EncryptionEnabled, tpl.EnableSimpleScan)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution: %w", err)
	}
	taskID, _ := res.LastInsertId()

	if _, _, err := s.provisionInventory(tx, taskID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit execution: %w", err)
	}
	return taskID, nil
}

// InventoryTable resolves the physical inventory table for a task via the
// backup_files_groups mapping.
func (s *Store) InventoryTable(ctx context.Context, taskID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT table_name FROM backup_files_groups WHERE task_id = ?", taskID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("task %d has no inventory table", taskID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve inventory table: %w", err)
	}
	return name, nil
}

// BulkInsertFiles inserts scanned file rows into the task's inventory
// table in batched transactions. Duplicates within the call, keyed by
// (backup_set_id, file_path), are dropped silently.
func (s *Store) BulkInsertFiles(ctx context.Context, taskID int64, rows []models.FileRecord, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = bulkInsertBatchSize
	}

	table, err := s.InventoryTable(ctx, taskID)
	if err != nil {
		return err
	}

	// Drop duplicates within the call, first occurrence wins.
	seen := make(map[string]struct{}, len(rows))
	unique := rows[:0:0]
	for _, r := range rows {
		key := fmt.Sprintf("%d\x00%s", r.BackupSetID, r.FilePath)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, r)
	}

	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (backup_set_id, file_path, file_size, mtime) VALUES (?, ?, ?, ?)",
		table,
	)

	for start := 0; start < len(unique); start += batchSize {
		end := start + batchSize
		if end > len(unique) {
			end = len(unique)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		stmt, err := tx.Prepare(insertSQL)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		for _, r := range unique[start:end] {
			if _, err := stmt.Exec(r.BackupSetID, r.FilePath, r.FileSize, r.MTime); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("failed to insert inventory row %s: %w", r.FilePath, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit inventory batch: %w", err)
		}
	}
	return nil
}

// FetchPendingFiles pages through the task inventory in stable rowid
// order. The cursor is the last seen row id; pass 0 to start.
func (s *Store) FetchPendingFiles(ctx context.Context, taskID int64, cursor int64, limit int) ([]models.FileRecord, error) {
	table, err := s.InventoryTable(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT id, backup_set_id, file_path, file_size, mtime, is_copy_success, copy_status_at, archive_id, updated_at
		FROM %s WHERE id > ? ORDER BY id LIMIT ?`, table)

	rows, err := s.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inventory page: %w", err)
	}
	defer rows.Close()

	var out []models.FileRecord
	for rows.Next() {
		var r models.FileRecord
		var mtime, copyAt, updatedAt sql.NullTime
		var copyOK sql.NullBool
		var archiveID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.BackupSetID, &r.FilePath, &r.FileSize, &mtime, &copyOK, &copyAt, &archiveID, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inventory row: %w", err)
		}
		if mtime.Valid {
			r.MTime = mtime.Time
		}
		if copyOK.Valid {
			v := copyOK.Bool
			r.IsCopySuccess = &v
		}
		if copyAt.Valid {
			t := copyAt.Time
			r.CopyStatusAt = &t
		}
		if archiveID.Valid {
			v := archiveID.Int64
			r.ArchiveID = &v
		}
		if updatedAt.Valid {
			t := updatedAt.Time
			r.UpdatedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountInventory returns total rows and rows flagged copied for a task.
func (s *Store) CountInventory(ctx context.Context, taskID int64) (total int64, copied int64, err error) {
	table, err := s.InventoryTable(ctx, taskID)
	if err != nil {
		return 0, 0, err
	}
	query := fmt.Sprintf(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_copy_success = 1 THEN 1 ELSE 0 END), 0) FROM %s", table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&total, &copied); err != nil {
		return 0, 0, fmt.Errorf("failed to count inventory: %w", err)
	}
	return total, copied, nil
}

// GetTask loads one task row.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_name, task_type, source_paths, exclude_patterns, status, scan_status,
		       progress_percent, total_files, processed_files, total_bytes, processed_bytes,
		       compressed_bytes, result_summary, tape_device, is_template, description,
		       retention_days, compression_enabled, encryption_enabled, enable_simple_scan,
		       created_at, started_at, completed_at, error_message, backup_files_group_id, backup_files_table
		FROM backup_tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var sourceJSON, excludeJSON string
	var startedAt, completedAt sql.NullTime
	var groupID sql.NullInt64
	err := row.Scan(&t.ID, &t.TaskName, &t.TaskType, &sourceJSON, &excludeJSON, &t.Status,
		&t.ScanStatus, &t.ProgressPercent, &t.TotalFiles, &t.ProcessedFiles, &t.TotalBytes,
		&t.ProcessedBytes, &t.CompressedBytes, &t.ResultSummary, &t.TapeDevice, &t.IsTemplate,
		&t.Description, &t.RetentionDays, &t.CompressionEnabled, &t.EncryptionEnabled,
		&t.EnableSimpleScan, &t.CreatedAt, &startedAt, &completedAt, &t.ErrorMessage,
		&groupID, &t.BackupFilesTable)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	json.Unmarshal([]byte(sourceJSON), &t.SourcePaths)
	json.Unmarshal([]byte(excludeJSON), &t.ExcludePatterns)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if groupID.Valid {
		t.BackupFilesGroupID = &groupID.Int64
	}
	return &t, nil
}

// ListTemplates returns all template tasks.
func (s *Store) ListTemplates(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_name, task_type, source_paths, exclude_patterns, status, scan_status,
		       progress_percent, total_files, processed_files, total_bytes, processed_bytes,
		       compressed_bytes, result_summary, tape_device, is_template, description,
		       retention_days, compression_enabled, encryption_enabled, enable_simple_scan,
		       created_at, started_at, completed_at, error_message, backup_files_group_id, backup_files_table
		FROM backup_tasks WHERE is_template = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task to a new status. Terminal statuses also
// stamp completed_at; running stamps started_at when not yet set.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, errorMessage string) error {
	now := time.Now()
	var err error
	switch {
	case status == models.TaskStatusRunning:
		_, err = s.db.ExecContext(ctx, `
			UPDATE backup_tasks SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, now, taskID)
	case status.IsTerminal():
		_, err = s.db.ExecContext(ctx, `
			UPDATE backup_tasks SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
			status, now, errorMessage, taskID)
	default:
		_, err = s.db.ExecContext(ctx,
			"UPDATE backup_tasks SET status = ? WHERE id = ?", status, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// UpdateScanStatus records the pipeline stage of a running task.
func (s *Store) UpdateScanStatus(ctx context.Context, taskID int64, scanStatus models.ScanStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE backup_tasks SET scan_status = ? WHERE id = ?", scanStatus, taskID)
	if err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	return nil
}

// UpdateTaskDescription replaces the task's stage-tagged description.
func (s *Store) UpdateTaskDescription(ctx context.Context, taskID int64, description string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE backup_tasks SET description = ? WHERE id = ?", description, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task description: %w", err)
	}
	return nil
}

// SetScanTotals freezes total_files and total_bytes after scan completion.
func (s *Store) SetScanTotals(ctx context.Context, taskID int64, totalFiles, totalBytes int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE backup_tasks SET total_files = ?, total_bytes = ? WHERE id = ?",
		totalFiles, totalBytes, taskID)
	if err != nil {
		return fmt.Errorf("failed to set scan totals: %w", err)
	}
	return nil
}

// UpdateTaskProgress writes the per-stage progress counters.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID int64, processedFiles, processedBytes, compressedBytes int64, progressPercent float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks
		SET processed_files = ?, processed_bytes = ?, compressed_bytes = ?, progress_percent = ?
		WHERE id = ?`,
		processedFiles, processedBytes, compressedBytes, progressPercent, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// SetResultSummary stores the JSON result summary for a task.
func (s *Store) SetResultSummary(ctx context.Context, taskID int64, summary models.ResultSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal result summary: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE backup_tasks SET result_summary = ? WHERE id = ?", string(data), taskID); err != nil {
		return fmt.Errorf("failed to store result summary: %w", err)
	}
	return nil
}
