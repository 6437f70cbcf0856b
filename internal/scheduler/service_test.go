package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/catalog"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/database"
	"github.com/RoseOO/TapeVaultr/internal/drive"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/models"
	"github.com/RoseOO/TapeVaultr/internal/notifications"
	"github.com/RoseOO/TapeVaultr/internal/tape"
)

func newTestService(t *testing.T, launcher TaskLauncher) (*Service, *catalog.Store) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	logger, _ := logging.NewLogger("error", "text", "")
	store := catalog.NewStore(db, logger)

	toolPath := filepath.Join(t.TempDir(), "itdt")
	os.WriteFile(toolPath, []byte("#!/bin/sh\nexit 0\n"), 0755)

	cfg := config.DefaultConfig()
	cfg.Tape.ToolPath = toolPath
	cfg.Tape.DriveLetter = t.TempDir()
	cfg.Tape.FormatBeforeFull = false

	driver, err := drive.New(cfg.Tape, logger)
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	tapes := tape.NewManager(store, driver, cfg.Tape, logger, notifications.NewLogNotifier(logger))

	return NewService(store, tapes, cfg, logger, launcher), store
}

func newScheduledTemplate(t *testing.T, store *catalog.Store, cronExpr string) int64 {
	t.Helper()
	tplID, err := store.CreateTaskTemplate(context.Background(), catalog.TaskConfig{
		TaskName:    "scheduled-backup",
		TaskType:    models.TaskTypeFull,
		SourcePaths: []string{"/data"},
	})
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	if err := store.SetTemplateSchedule(context.Background(), tplID, cronExpr, true); err != nil {
		t.Fatalf("failed to set schedule: %v", err)
	}
	return tplID
}

func TestParseCron(t *testing.T) {
	if err := ParseCron("0 30 2 * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ParseCron("not a cron"); err == nil {
		t.Error("garbage expression accepted")
	}
}

func TestSetTemplateScheduleRejectsExecutions(t *testing.T) {
	_, store := newTestService(t, nil)
	ctx := context.Background()

	tplID, err := store.CreateTaskTemplate(ctx, catalog.TaskConfig{
		TaskName: "tpl",
		TaskType: models.TaskTypeFull,
	})
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	execID, err := store.CloneTemplateToExecution(ctx, tplID)
	if err != nil {
		t.Fatalf("failed to clone: %v", err)
	}

	if err := store.SetTemplateSchedule(ctx, execID, "0 0 * * * *", true); err == nil {
		t.Error("executions must not carry schedules")
	}
}

func TestListScheduledTemplates(t *testing.T) {
	_, store := newTestService(t, nil)
	ctx := context.Background()

	enabled := newScheduledTemplate(t, store, "0 0 2 * * *")

	// A disabled schedule must not be listed.
	disabledID, _ := store.CreateTaskTemplate(ctx, catalog.TaskConfig{
		TaskName: "disabled",
		TaskType: models.TaskTypeFull,
	})
	store.SetTemplateSchedule(ctx, disabledID, "0 0 4 * * *", false)

	schedules, err := store.ListScheduledTemplates(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(schedules))
	}
	if schedules[0].TaskID != enabled || schedules[0].Cron != "0 0 2 * * *" {
		t.Errorf("schedule wrong: %+v", schedules[0])
	}
}

func TestScheduleFiresAndClonesTemplate(t *testing.T) {
	var launched, launchedTask int64
	svc, store := newTestService(t, func(ctx context.Context, taskID int64) error {
		atomic.StoreInt64(&launchedTask, taskID)
		atomic.AddInt64(&launched, 1)
		return nil
	})

	tplID := newScheduledTemplate(t, store, "* * * * * *")

	if err := svc.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer svc.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt64(&launched) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The launcher got a fresh execution, not the template.
	execID := atomic.LoadInt64(&launchedTask)
	if execID == tplID {
		t.Fatal("scheduler must launch a clone, not the template")
	}
	task, err := store.GetTask(context.Background(), execID)
	if err != nil {
		t.Fatalf("failed to load execution: %v", err)
	}
	if task.IsTemplate {
		t.Error("launched task must not be a template")
	}
	if task.TaskName != "scheduled-backup" {
		t.Errorf("execution did not inherit the template name: %s", task.TaskName)
	}

	if svc.NextRun(tplID) == nil {
		t.Error("an active schedule must report a next run")
	}
}

func TestRemoveSchedule(t *testing.T) {
	svc, store := newTestService(t, func(ctx context.Context, taskID int64) error { return nil })
	tplID := newScheduledTemplate(t, store, "0 0 2 * * *")

	if err := svc.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer svc.Stop()

	if svc.NextRun(tplID) == nil {
		t.Fatal("schedule not registered")
	}
	svc.RemoveSchedule(tplID)
	if svc.NextRun(tplID) != nil {
		t.Error("removed schedule must not report a next run")
	}
}

func TestReloadSchedules(t *testing.T) {
	svc, store := newTestService(t, func(ctx context.Context, taskID int64) error { return nil })
	tplID := newScheduledTemplate(t, store, "0 0 2 * * *")

	if err := svc.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer svc.Stop()

	// Disable in the catalog, reload, and the entry disappears.
	if err := store.SetTemplateSchedule(context.Background(), tplID, "0 0 2 * * *", false); err != nil {
		t.Fatalf("failed to disable: %v", err)
	}
	if err := svc.ReloadSchedules(); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if svc.NextRun(tplID) != nil {
		t.Error("disabled schedule must drop out on reload")
	}
}
