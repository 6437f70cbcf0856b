package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/database"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	logger, _ := logging.NewLogger("error", "text", "")
	return NewStore(db, logger)
}

func newTestTask(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()
	tplID, err := s.CreateTaskTemplate(ctx, TaskConfig{
		TaskName:    "nightly",
		TaskType:    models.TaskTypeFull,
		SourcePaths: []string{"/data"},
	})
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	taskID, err := s.CloneTemplateToExecution(ctx, tplID)
	if err != nil {
		t.Fatalf("failed to clone template: %v", err)
	}
	return taskID
}

func TestCreateTaskTemplateProvisionsInventory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTaskTemplate(ctx, TaskConfig{
		TaskName:    "weekly",
		TaskType:    models.TaskTypeFull,
		SourcePaths: []string{"/srv", "/etc"},
	})
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if !task.IsTemplate {
		t.Error("expected template flag set")
	}
	if len(task.SourcePaths) != 2 || task.SourcePaths[0] != "/srv" {
		t.Errorf("unexpected source paths: %v", task.SourcePaths)
	}

	wantTable := fmt.Sprintf("backup_files_%d", id)
	if task.BackupFilesTable != wantTable {
		t.Errorf("expected inventory table %s, got %s", wantTable, task.BackupFilesTable)
	}

	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", wantTable,
	).Scan(&count); err != nil {
		t.Fatalf("failed to check inventory table: %v", err)
	}
	if count != 1 {
		t.Errorf("expected physical inventory table %s", wantTable)
	}

	resolved, err := s.InventoryTable(ctx, id)
	if err != nil {
		t.Fatalf("failed to resolve inventory table: %v", err)
	}
	if resolved != wantTable {
		t.Errorf("group mapping resolved %s, want %s", resolved, wantTable)
	}
}

func TestCloneTemplateToExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tplID, err := s.CreateTaskTemplate(ctx, TaskConfig{
		TaskName:    "nightly",
		TaskType:    models.TaskTypeIncremental,
		SourcePaths: []string{"/data"},
	})
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	execID, err := s.CloneTemplateToExecution(ctx, tplID)
	if err != nil {
		t.Fatalf("failed to clone template: %v", err)
	}
	if execID == tplID {
		t.Fatal("execution must be a distinct task")
	}

	exec, err := s.GetTask(ctx, execID)
	if err != nil {
		t.Fatalf("failed to load execution: %v", err)
	}
	if exec.IsTemplate {
		t.Error("execution must not be a template")
	}
	if exec.Status != models.TaskStatusPending {
		t.Errorf("expected pending execution, got %s", exec.Status)
	}
	if exec.TaskType != models.TaskTypeIncremental {
		t.Errorf("expected inherited task type, got %s", exec.TaskType)
	}
	if exec.BackupFilesTable != fmt.Sprintf("backup_files_%d", execID) {
		t.Errorf("execution owns wrong inventory table: %s", exec.BackupFilesTable)
	}

	// Cloning an execution is not allowed.
	if _, err := s.CloneTemplateToExecution(ctx, execID); err == nil {
		t.Error("expected error cloning a non-template")
	}
}

func TestBulkInsertAndFetchPendingFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID := newTestTask(t, s)

	var rows []models.FileRecord
	for i := 0; i < 25; i++ {
		rows = append(rows, models.FileRecord{
			BackupSetID: 1,
			FilePath:    fmt.Sprintf("/data/file%03d", i),
			FileSize:    int64(i * 100),
			MTime:       time.Now(),
		})
	}
	// A duplicate inside the same call must be dropped silently.
	rows = append(rows, models.FileRecord{BackupSetID: 1, FilePath: "/data/file000"})

	if err := s.BulkInsertFiles(ctx, taskID, rows, 10); err != nil {
		t.Fatalf("failed to bulk insert: %v", err)
	}

	total, copied, err := s.CountInventory(ctx, taskID)
	if err != nil {
		t.Fatalf("failed to count inventory: %v", err)
	}
	if total != 25 {
		t.Errorf("expected 25 rows, got %d", total)
	}
	if copied != 0 {
		t.Errorf("expected no copied rows, got %d", copied)
	}

	// Page through with the rowid cursor.
	var fetched int
	var cursor int64
	for {
		page, err := s.FetchPendingFiles(ctx, taskID, cursor, 10)
		if err != nil {
			t.Fatalf("failed to fetch page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			if r.ID <= cursor {
				t.Errorf("cursor not advancing: id %d after cursor %d", r.ID, cursor)
			}
			cursor = r.ID
			if r.IsCopySuccess != nil {
				t.Errorf("fresh row %s should have unset copy flag", r.FilePath)
			}
		}
		fetched += len(page)
	}
	if fetched != 25 {
		t.Errorf("expected to page through 25 rows, got %d", fetched)
	}
}

func TestTaskStatusAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID := newTestTask(t, s)

	if err := s.UpdateTaskStatus(ctx, taskID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.StartedAt == nil {
		t.Error("expected started_at stamped")
	}

	if err := s.UpdateTaskProgress(ctx, taskID, 10, 1000, 400, 42.5); err != nil {
		t.Fatalf("failed to update progress: %v", err)
	}
	if err := s.UpdateTaskDescription(ctx, taskID, "[压缩文件中] 10/20 个文件 (42.5%)"); err != nil {
		t.Fatalf("failed to update description: %v", err)
	}

	task, _ = s.GetTask(ctx, taskID)
	if task.ProcessedFiles != 10 || task.ProgressPercent != 42.5 {
		t.Errorf("progress not persisted: %+v", task)
	}
	if models.StageFromDescription(task.Description) != models.StageCompress {
		t.Errorf("description stage lost: %q", task.Description)
	}

	if err := s.UpdateTaskStatus(ctx, taskID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	task, _ = s.GetTask(ctx, taskID)
	if task.CompletedAt == nil {
		t.Error("expected completed_at stamped")
	}
}

func TestResultSummaryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID := newTestTask(t, s)

	want := models.ResultSummary{
		EstimatedArchiveCount: 3,
		TotalScannedBytes:     123456,
		CompressionRatio:      0.41,
		Errors:                []string{"permission denied: /data/locked"},
	}
	if err := s.SetResultSummary(ctx, taskID, want); err != nil {
		t.Fatalf("failed to set summary: %v", err)
	}

	task, _ := s.GetTask(ctx, taskID)
	got := task.Summary()
	if got.EstimatedArchiveCount != 3 || got.TotalScannedBytes != 123456 {
		t.Errorf("summary mismatch: %+v", got)
	}
	if len(got.Errors) != 1 {
		t.Errorf("summary errors lost: %+v", got.Errors)
	}
}

func TestCartridgeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	c := &models.TapeCartridge{
		TapeID:          "TP20250101",
		Status:          models.CartridgeStatusNew,
		Generation:      "LTO-8",
		CapacityBytes:   models.LTOCapacities["LTO-8"],
		RetentionMonths: 12,
		CreatedDate:     &created,
	}
	if err := s.InsertCartridge(ctx, c); err != nil {
		t.Fatalf("failed to insert cartridge: %v", err)
	}

	if err := s.UpdateCartridgeStatus(ctx, "TP20250101", models.CartridgeStatusAvailable); err != nil {
		t.Fatalf("failed legal transition: %v", err)
	}
	// available -> full is not a legal edge.
	if err := s.UpdateCartridgeStatus(ctx, "TP20250101", models.CartridgeStatusFull); err == nil {
		t.Error("expected illegal transition to be rejected")
	}

	if err := s.AddCartridgeUsage(ctx, "TP20250101", 5000, 1); err != nil {
		t.Fatalf("failed to add usage: %v", err)
	}
	got, err := s.GetCartridge(ctx, "TP20250101")
	if err != nil {
		t.Fatalf("failed to reload cartridge: %v", err)
	}
	if got.UsedBytes != 5000 || got.WriteCount != 1 || got.BackupSetCount != 1 {
		t.Errorf("usage counters wrong: %+v", got)
	}
	if got.FirstUseDate == nil || got.LastUsedDate == nil {
		t.Error("usage dates not stamped")
	}
}

func TestFindAvailableCartridge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

	expired := now.AddDate(0, -1, 0)
	future := now.AddDate(1, 0, 0)

	olderDate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newerDate := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(id string, status models.CartridgeStatus, used int64, expiry *time.Time, created time.Time) {
		c := &models.TapeCartridge{
			TapeID:        id,
			Status:        status,
			CapacityBytes: 10000,
			UsedBytes:     used,
			ExpiryDate:    expiry,
			CreatedDate:   &created,
		}
		if err := s.InsertCartridge(ctx, c); err != nil {
			t.Fatalf("failed to insert %s: %v", id, err)
		}
	}

	mk("EXPIRED1", models.CartridgeStatusAvailable, 0, &expired, olderDate)
	mk("NEARFULL", models.CartridgeStatusAvailable, 9600, &future, olderDate)
	mk("INUSE1", models.CartridgeStatusInUse, 0, &future, olderDate)
	mk("GOOD2", models.CartridgeStatusAvailable, 0, &future, newerDate)
	mk("GOOD1", models.CartridgeStatusAvailable, 1000, &future, olderDate)

	got, err := s.FindAvailableCartridge(ctx, 4000, now)
	if err != nil {
		t.Fatalf("failed to find cartridge: %v", err)
	}
	if got == nil {
		t.Fatal("expected a cartridge")
	}
	if got.TapeID != "GOOD1" {
		t.Errorf("expected oldest usable cartridge GOOD1, got %s", got.TapeID)
	}

	// Nothing can satisfy an oversized requirement.
	got, err = s.FindAvailableCartridge(ctx, 50000, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected no cartridge, got %s", got.TapeID)
	}
}

func TestFindExpiredCartridges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 5, 0, 0, 0, 0, time.UTC)

	midMonth := time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC)
	nextMonth := time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC)

	for _, c := range []*models.TapeCartridge{
		{TapeID: "SAMEMONTH", Status: models.CartridgeStatusFull, ExpiryDate: &midMonth},
		{TapeID: "NEXTMONTH", Status: models.CartridgeStatusFull, ExpiryDate: &nextMonth},
		{TapeID: "RETIRED1", Status: models.CartridgeStatusRetired, ExpiryDate: &midMonth},
	} {
		if err := s.InsertCartridge(ctx, c); err != nil {
			t.Fatalf("failed to insert %s: %v", c.TapeID, err)
		}
	}

	got, err := s.FindExpiredCartridges(ctx, now)
	if err != nil {
		t.Fatalf("failed to find expired: %v", err)
	}
	if len(got) != 1 || got[0].TapeID != "SAMEMONTH" {
		t.Errorf("expected only SAMEMONTH expired, got %d results", len(got))
	}
}

func TestBackupSetLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID := newTestTask(t, s)

	setID, err := s.CreateBackupSet(ctx, taskID)
	if err != nil {
		t.Fatalf("failed to create set: %v", err)
	}

	if err := s.RecordSetArchive(ctx, setID, "TP20250101", "/tape/final/1/backup_1_000.7z", 2048, 12); err != nil {
		t.Fatalf("failed to record archive: %v", err)
	}
	if err := s.RecordSetArchive(ctx, setID, "TP20250101", "/tape/final/1/backup_1_001.7z", 1024, 8); err != nil {
		t.Fatalf("failed to record archive: %v", err)
	}
	if err := s.CompleteBackupSet(ctx, setID, "completed", 10000); err != nil {
		t.Fatalf("failed to complete set: %v", err)
	}

	set, err := s.GetBackupSet(ctx, setID)
	if err != nil {
		t.Fatalf("failed to load set: %v", err)
	}
	if set.ArchiveBytes != 3072 || set.FileCount != 20 {
		t.Errorf("archive accumulation wrong: %+v", set)
	}
	if set.Status != "completed" || set.EndTime == nil {
		t.Errorf("set not finalized: %+v", set)
	}

	byTape, err := s.ListBackupSetsByTape(ctx, "TP20250101")
	if err != nil {
		t.Fatalf("failed to list by tape: %v", err)
	}
	if len(byTape) != 1 {
		t.Errorf("expected 1 set on tape, got %d", len(byTape))
	}
}
