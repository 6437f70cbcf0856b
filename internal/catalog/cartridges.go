package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/models"
)

const cartridgeColumns = `tape_id, label, status, media_type, generation, serial_number,
	manufacturer, location, capacity_bytes, used_bytes, retention_months, notes,
	manufactured_date, created_date, first_use_date, expiry_date, last_used_date,
	last_erase_date, auto_erase, health_score, error_count, warning_count,
	write_count, read_count, load_count, pass_count, backup_group, backup_set_count`

// InsertCartridge registers a new cartridge row keyed by its tape ID.
func (s *Store) InsertCartridge(ctx context.Context, c *models.TapeCartridge) error {
	if c.CreatedDate == nil {
		now := time.Now()
		c.CreatedDate = &now
	}
	if c.Status == "" {
		c.Status = models.CartridgeStatusNew
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO tape_cartridges (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cartridgeColumns),
		c.TapeID, c.Label, c.Status, c.MediaType, c.Generation, c.SerialNumber,
		c.Manufacturer, c.Location, c.CapacityBytes, c.UsedBytes, c.RetentionMonths,
		c.Notes, c.ManufacturedDate, c.CreatedDate, c.FirstUseDate, c.ExpiryDate,
		c.LastUsedDate, c.LastEraseDate, c.AutoErase, c.HealthScore, c.ErrorCount,
		c.WarningCount, c.WriteCount, c.ReadCount, c.LoadCount, c.PassCount,
		c.BackupGroup, c.BackupSetCount)
	if err != nil {
		return fmt.Errorf("failed to insert cartridge %s: %w", c.TapeID, err)
	}
	return nil
}

func scanCartridge(row rowScanner) (*models.TapeCartridge, error) {
	var c models.TapeCartridge
	var manufactured, created, firstUse, expiry, lastUsed, lastErase sql.NullTime
	err := row.Scan(&c.TapeID, &c.Label, &c.Status, &c.MediaType, &c.Generation,
		&c.SerialNumber, &c.Manufacturer, &c.Location, &c.CapacityBytes, &c.UsedBytes,
		&c.RetentionMonths, &c.Notes, &manufactured, &created, &firstUse, &expiry,
		&lastUsed, &lastErase, &c.AutoErase, &c.HealthScore, &c.ErrorCount,
		&c.WarningCount, &c.WriteCount, &c.ReadCount, &c.LoadCount, &c.PassCount,
		&c.BackupGroup, &c.BackupSetCount)
	if err != nil {
		return nil, err
	}
	if manufactured.Valid {
		c.ManufacturedDate = &manufactured.Time
	}
	if created.Valid {
		c.CreatedDate = &created.Time
	}
	if firstUse.Valid {
		c.FirstUseDate = &firstUse.Time
	}
	if expiry.Valid {
		c.ExpiryDate = &expiry.Time
	}
	if lastUsed.Valid {
		c.LastUsedDate = &lastUsed.Time
	}
	if lastErase.Valid {
		c.LastEraseDate = &lastErase.Time
	}
	return &c, nil
}

// GetCartridge loads one cartridge by tape ID.
func (s *Store) GetCartridge(ctx context.Context, tapeID string) (*models.TapeCartridge, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM tape_cartridges WHERE tape_id = ?", cartridgeColumns), tapeID)
	c, err := scanCartridge(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cartridge %s not found", tapeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cartridge %s: %w", tapeID, err)
	}
	return c, nil
}

// UpdateCartridge rewrites every mutable column of a cartridge row.
func (s *Store) UpdateCartridge(ctx context.Context, c *models.TapeCartridge) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tape_cartridges SET
			label = ?, status = ?, media_type = ?, generation = ?, serial_number = ?,
			manufacturer = ?, location = ?, capacity_bytes = ?, used_bytes = ?,
			retention_months = ?, notes = ?, manufactured_date = ?, created_date = ?,
			first_use_date = ?, expiry_date = ?, last_used_date = ?, last_erase_date = ?,
			auto_erase = ?, health_score = ?, error_count = ?, warning_count = ?,
			write_count = ?, read_count = ?, load_count = ?, pass_count = ?,
			backup_group = ?, backup_set_count = ?
		WHERE tape_id = ?`,
		c.Label, c.Status, c.MediaType, c.Generation, c.SerialNumber,
		c.Manufacturer, c.Location, c.CapacityBytes, c.UsedBytes,
		c.RetentionMonths, c.Notes, c.ManufacturedDate, c.CreatedDate,
		c.FirstUseDate, c.ExpiryDate, c.LastUsedDate, c.LastEraseDate,
		c.AutoErase, c.HealthScore, c.ErrorCount, c.WarningCount,
		c.WriteCount, c.ReadCount, c.LoadCount, c.PassCount,
		c.BackupGroup, c.BackupSetCount, c.TapeID)
	if err != nil {
		return fmt.Errorf("failed to update cartridge %s: %w", c.TapeID, err)
	}
	return nil
}

// RenameCartridge rewrites a cartridge's primary key after its on-media
// identity changed. Fails when another row already owns the new ID.
func (s *Store) RenameCartridge(ctx context.Context, oldTapeID, newTapeID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tape_cartridges SET tape_id = ? WHERE tape_id = ?", newTapeID, oldTapeID)
	if err != nil {
		return fmt.Errorf("failed to rename cartridge %s: %w", oldTapeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cartridge %s not found", oldTapeID)
	}
	return nil
}

// UpdateCartridgeStatus moves a cartridge along its lifecycle. Illegal
// transitions are rejected.
func (s *Store) UpdateCartridgeStatus(ctx context.Context, tapeID string, to models.CartridgeStatus) error {
	c, err := s.GetCartridge(ctx, tapeID)
	if err != nil {
		return err
	}
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("cartridge %s cannot move from %s to %s", tapeID, c.Status, to)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE tape_cartridges SET status = ? WHERE tape_id = ?", to, tapeID); err != nil {
		return fmt.Errorf("failed to update cartridge status: %w", err)
	}
	return nil
}

// AddCartridgeUsage accumulates written bytes and write/set counters after
// a successful archive copy.
func (s *Store) AddCartridgeUsage(ctx context.Context, tapeID string, bytes int64, sets int) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tape_cartridges SET
			used_bytes = used_bytes + ?,
			write_count = write_count + 1,
			backup_set_count = backup_set_count + ?,
			last_used_date = ?,
			first_use_date = COALESCE(first_use_date, ?)
		WHERE tape_id = ?`,
		bytes, sets, now, now, tapeID)
	if err != nil {
		return fmt.Errorf("failed to record cartridge usage: %w", err)
	}
	return nil
}

// ListCartridges returns all cartridges, optionally filtered by status.
func (s *Store) ListCartridges(ctx context.Context, status models.CartridgeStatus) ([]*models.TapeCartridge, error) {
	query := fmt.Sprintf("SELECT %s FROM tape_cartridges", cartridgeColumns)
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_date, tape_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cartridges: %w", err)
	}
	defer rows.Close()

	var out []*models.TapeCartridge
	for rows.Next() {
		c, err := scanCartridge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cartridge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindAvailableCartridge returns the oldest cartridge that is available or
// new, not expired at the given time, and has at least requiredBytes free.
func (s *Store) FindAvailableCartridge(ctx context.Context, requiredBytes int64, now time.Time) (*models.TapeCartridge, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tape_cartridges
		WHERE status IN (?, ?)
		ORDER BY created_date, tape_id`, cartridgeColumns),
		models.CartridgeStatusAvailable, models.CartridgeStatusNew)
	if err != nil {
		return nil, fmt.Errorf("failed to query available cartridges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCartridge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cartridge: %w", err)
		}
		if c.IsExpired(now) || c.IsFull() {
			continue
		}
		if c.FreeBytes() >= requiredBytes {
			return c, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// FindExpiredCartridges returns cartridges whose retention window lapsed
// at the given time and that are not retired.
func (s *Store) FindExpiredCartridges(ctx context.Context, now time.Time) ([]*models.TapeCartridge, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tape_cartridges
		WHERE expiry_date IS NOT NULL AND status != ?
		ORDER BY expiry_date`, cartridgeColumns),
		models.CartridgeStatusRetired)
	if err != nil {
		return nil, fmt.Errorf("failed to query cartridge expiry: %w", err)
	}
	defer rows.Close()

	var out []*models.TapeCartridge
	for rows.Next() {
		c, err := scanCartridge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cartridge: %w", err)
		}
		if c.IsExpired(now) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

// CreateBackupSet opens a new backup set for a task execution.
func (s *Store) CreateBackupSet(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO backup_sets (task_id, status, start_time) VALUES (?, 'running', ?)",
		taskID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to create backup set: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// GetBackupSet loads one backup set.
func (s *Store) GetBackupSet(ctx context.Context, setID int64) (*models.BackupSet, error) {
	var b models.BackupSet
	var endTime sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, tape_id, archive_path, archive_bytes, file_count, total_bytes,
		       status, start_time, end_time, created_at
		FROM backup_sets WHERE id = ?`, setID).
		Scan(&b.ID, &b.TaskID, &b.TapeID, &b.ArchivePath, &b.ArchiveBytes, &b.FileCount,
			&b.TotalBytes, &b.Status, &b.StartTime, &endTime, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backup set %d not found", setID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backup set %d: %w", setID, err)
	}
	if endTime.Valid {
		b.EndTime = &endTime.Time
	}
	return &b, nil
}

// RecordSetArchive accumulates a copied archive into its backup set and
// associates the target cartridge.
func (s *Store) RecordSetArchive(ctx context.Context, setID int64, tapeID, archivePath string, archiveBytes, fileCount int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_sets SET
			tape_id = ?,
			archive_path = ?,
			archive_bytes = archive_bytes + ?,
			file_count = file_count + ?
		WHERE id = ?`,
		tapeID, archivePath, archiveBytes, fileCount, setID)
	if err != nil {
		return fmt.Errorf("failed to record set archive: %w", err)
	}
	return nil
}

// CompleteBackupSet stamps the set's terminal status and end time.
func (s *Store) CompleteBackupSet(ctx context.Context, setID int64, status string, totalBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_sets SET status = ?, total_bytes = ?, end_time = ? WHERE id = ?`,
		status, totalBytes, time.Now(), setID)
	if err != nil {
		return fmt.Errorf("failed to complete backup set: %w", err)
	}
	return nil
}

// ListBackupSetsByTape returns the sets written to one cartridge.
func (s *Store) ListBackupSetsByTape(ctx context.Context, tapeID string) ([]*models.BackupSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, tape_id, archive_path, archive_bytes, file_count, total_bytes,
		       status, start_time, end_time, created_at
		FROM backup_sets WHERE tape_id = ? ORDER BY id`, tapeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup sets: %w", err)
	}
	defer rows.Close()

	var out []*models.BackupSet
	for rows.Next() {
		var b models.BackupSet
		var endTime sql.NullTime
		if err := rows.Scan(&b.ID, &b.TaskID, &b.TapeID, &b.ArchivePath, &b.ArchiveBytes,
			&b.FileCount, &b.TotalBytes, &b.Status, &b.StartTime, &endTime, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup set: %w", err)
		}
		if endTime.Valid {
			b.EndTime = &endTime.Time
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
