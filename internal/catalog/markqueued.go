package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// markBatchRows keeps one multi-row INSERT under the driver's
	// bind-variable ceiling.
	markBatchRows = 5000

	// verifySingleScanLimit is the path count up to which verification
	// runs as one scan; above it the set is checked in chunks.
	verifySingleScanLimit = 50000
	verifyChunkSize       = 10000
)

// transientTableSeq numbers the per-call transient path tables so that
// concurrent marks never collide on a table name.
var transientTableSeq int64

// dedupPaths drops repeated paths while preserving first-seen order.
func dedupPaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0:0]
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ensureQueuedIndex creates the composite lookup index the join-update
// relies on. Creation races are harmless.
func (s *Store) ensureQueuedIndex(ctx context.Context, table string) {
	indexSQL := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_set_path ON %s(backup_set_id, file_path)",
		table, table)
	if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			s.logger.Warn("Failed to ensure inventory index", map[string]interface{}{
				"table": table,
				"error": err.Error(),
			})
		}
	}
}

// MarkFilesQueued flags the given inventory rows as handed to the tape
// stage: is_copy_success becomes 1 with copy_status_at and updated_at set.
// Rows already flagged 1 are left untouched, so the call is idempotent.
// Returns the number of rows actually updated.
func (s *Store) MarkFilesQueued(ctx context.Context, taskID, backupSetID int64, paths []string) (int64, error) {
	paths = dedupPaths(paths)
	if len(paths) == 0 {
		return 0, nil
	}

	table, err := s.InventoryTable(ctx, taskID)
	if err != nil {
		return 0, err
	}
	s.ensureQueuedIndex(ctx, table)

	tmpTable := fmt.Sprintf("tmp_file_paths_%d", atomic.AddInt64(&transientTableSeq, 1))
	defer func() {
		// Best effort; a rollback already removes it.
		s.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", tmpTable))
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(
		"CREATE TABLE %s (file_path TEXT PRIMARY KEY)", tmpTable)); err != nil {
		return 0, fmt.Errorf("failed to create transient path table: %w", err)
	}

	for start := 0; start < len(paths); start += markBatchRows {
		end := start + markBatchRows
		if end > len(paths) {
			end = len(paths)
		}
		chunk := paths[start:end]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT OR IGNORE INTO %s (file_path) VALUES ", tmpTable)
		args := make([]interface{}, 0, len(chunk))
		for i, p := range chunk {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(?)")
			args = append(args, p)
		}
		if _, err := tx.Exec(b.String(), args...); err != nil {
			return 0, fmt.Errorf("failed to stage paths: %w", err)
		}
	}

	now := time.Now()
	res, err := tx.Exec(fmt.Sprintf(`
		UPDATE %s
		SET is_copy_success = 1, copy_status_at = ?, updated_at = ?
		WHERE backup_set_id = ?
		  AND file_path IN (SELECT file_path FROM %s)
		  AND (is_copy_success IS NULL OR is_copy_success != 1)`,
		table, tmpTable), now, now, backupSetID)
	if err != nil {
		return 0, fmt.Errorf("failed to flag queued files: %w", err)
	}
	updated, _ := res.RowsAffected()

	if _, err := tx.Exec(fmt.Sprintf("DROP TABLE %s", tmpTable)); err != nil {
		s.logger.Debug("Transient path table drop deferred", map[string]interface{}{
			"table": tmpTable,
			"error": err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit queued flags: %w", err)
	}
	return updated, nil
}

// VerifyFilesQueued reports whether every given path of the backup set is
// flagged queued. Up to 50 000 paths are checked as one scan; larger
// inputs are checked in chunks. An empty path list verifies trivially.
func (s *Store) VerifyFilesQueued(ctx context.Context, taskID, backupSetID int64, paths []string) (bool, error) {
	paths = dedupPaths(paths)
	if len(paths) == 0 {
		return true, nil
	}

	table, err := s.InventoryTable(ctx, taskID)
	if err != nil {
		return false, err
	}

	chunk := len(paths)
	if chunk > verifySingleScanLimit {
		chunk = verifyChunkSize
	}

	for start := 0; start < len(paths); start += chunk {
		end := start + chunk
		if end > len(paths) {
			end = len(paths)
		}
		ok, err := s.chunkQueued(ctx, table, backupSetID, paths[start:end])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// chunkQueued checks one chunk for any path that is missing or not
// flagged. The paths are staged in a transient table and the inventory
// scanned once, so the scan never binds one variable per path and the
// driver's bind ceiling is out of reach regardless of chunk size.
func (s *Store) chunkQueued(ctx context.Context, table string, backupSetID int64, paths []string) (bool, error) {
	tmpTable := fmt.Sprintf("tmp_verify_paths_%d", atomic.AddInt64(&transientTableSeq, 1))
	defer func() {
		s.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", tmpTable))
	}()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE %s (file_path TEXT PRIMARY KEY)", tmpTable)); err != nil {
		return false, fmt.Errorf("failed to create transient path table: %w", err)
	}

	for start := 0; start < len(paths); start += markBatchRows {
		end := start + markBatchRows
		if end > len(paths) {
			end = len(paths)
		}
		batch := paths[start:end]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT OR IGNORE INTO %s (file_path) VALUES ", tmpTable)
		args := make([]interface{}, 0, len(batch))
		for i, p := range batch {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(?)")
			args = append(args, p)
		}
		if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
			return false, fmt.Errorf("failed to stage paths: %w", err)
		}
	}

	var missing int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s t
		WHERE NOT EXISTS (
			SELECT 1 FROM %s f
			WHERE f.backup_set_id = ? AND f.file_path = t.file_path
			  AND f.is_copy_success = 1)`,
		tmpTable, table), backupSetID).Scan(&missing)
	if err != nil {
		return false, fmt.Errorf("failed to verify queued files: %w", err)
	}
	return missing == 0, nil
}
