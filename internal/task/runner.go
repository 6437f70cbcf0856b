package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/RoseOO/TapeVaultr/internal/catalog"
	"github.com/RoseOO/TapeVaultr/internal/compress"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/models"
	"github.com/RoseOO/TapeVaultr/internal/notifications"
	"github.com/RoseOO/TapeVaultr/internal/scanner"
	"github.com/RoseOO/TapeVaultr/internal/tape"
	"github.com/RoseOO/TapeVaultr/internal/writer"
)

// verifyTolerancePercent is the share of inventory rows that may be left
// unflagged at finalization before the task fails.
const verifyTolerancePercent = 1.0

// progressWriteInterval throttles progress write-through to the catalog.
const progressWriteInterval = time.Second

// commitTimeout bounds the detached catalog writes that record a run's
// outcome.
const commitTimeout = 30 * time.Second

// Runner drives task executions end to end: scan, compress, copy,
// finalize. One Runner serves all tasks; executions on the same drive
// serialize behind the tape manager.
type Runner struct {
	cfg      *config.Config
	store    *catalog.Store
	queue    *catalog.Writer
	monitor  *writer.Monitor
	tapes    *tape.Manager
	notifier notifications.Notifier
	logger   *logging.Logger

	mu     sync.Mutex
	active map[int64]*execution
}

type execution struct {
	runID   string
	cancel  context.CancelFunc
	scanner *scanner.Scanner
}

// NewRunner creates a task runner.
func NewRunner(cfg *config.Config, store *catalog.Store, queue *catalog.Writer, monitor *writer.Monitor, tapes *tape.Manager, notifier notifications.Notifier, logger *logging.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		monitor:  monitor,
		tapes:    tapes,
		notifier: notifier,
		logger:   logger,
		active:   make(map[int64]*execution),
	}
}

// Cancel requests cooperative cancellation of a running execution.
// Components observe the token within about a second at their
// checkpoints.
func (r *Runner) Cancel(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.active[taskID]
	if !ok {
		return false
	}
	exec.scanner.Cancel()
	exec.cancel()
	return true
}

// Running reports whether the task currently executes.
func (r *Runner) Running(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[taskID]
	return ok
}

func (r *Runner) setDescription(ctx context.Context, taskID int64, description string) {
	if err := r.store.UpdateTaskDescription(ctx, taskID, description); err != nil {
		r.logger.Warn("Failed to update task description", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
}

// Run executes one pending task to a terminal state. The returned error
// reflects the fatal cause when the task failed; a cancelled or completed
// run returns nil.
func (r *Runner) Run(ctx context.Context, taskID int64) error {
	// Catalog reads and terminal commits run on a detached context so a
	// dead caller context cannot leave the task stuck in running.
	commitCtx, commitCancel := context.WithTimeout(context.Background(), commitTimeout)
	defer commitCancel()

	task, err := r.store.GetTask(commitCtx, taskID)
	if err != nil {
		return err
	}
	if task.IsTemplate {
		return fmt.Errorf("task %d is a template and cannot run", taskID)
	}
	if task.Status != models.TaskStatusPending {
		return fmt.Errorf("task %d is %s, not pending", taskID, task.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec := &execution{
		runID:   uuid.New().String()[:8],
		cancel:  cancel,
		scanner: scanner.New(r.logger),
	}
	r.mu.Lock()
	if _, dup := r.active[taskID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("task %d already running", taskID)
	}
	r.active[taskID] = exec
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, taskID)
		r.mu.Unlock()
	}()

	logger := r.logger.WithFields(map[string]interface{}{
		"task_id": taskID,
		"run_id":  exec.runID,
	})
	logger.Info("Task starting", map[string]interface{}{
		"task_name": task.TaskName,
		"task_type": string(task.TaskType),
	})

	if err := r.store.UpdateTaskStatus(commitCtx, taskID, models.TaskStatusRunning, ""); err != nil {
		return err
	}

	summary, runErr := r.execute(runCtx, task, exec, logger)
	return r.finish(task, summary, runErr, logger)
}

// execute runs the pipeline stages. A stage error aborts the remaining
// stages; cancellation surfaces as context.Canceled.
func (r *Runner) execute(ctx context.Context, task *models.Task, exec *execution, logger *logging.FieldLogger) (*models.ResultSummary, error) {
	summary := &models.ResultSummary{}

	setID, err := r.store.CreateBackupSet(ctx, task.ID)
	if err != nil {
		return summary, err
	}

	// Stage 1: scan.
	scanBytes, err := r.runScan(ctx, task, exec, setID, logger)
	if err != nil {
		return summary, err
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}

	// The staging monitor starts moving archives while compression is
	// still running, so a cartridge must be mounted before the first
	// unit lands.
	loaded, err := r.acquireTape(ctx, scanBytes, logger)
	if err != nil {
		return summary, err
	}
	if loaded {
		defer r.releaseTape(logger)
	}

	// Stage 2: compress.
	compSummary, err := r.runCompress(ctx, task, setID, logger)
	if compSummary != nil {
		summary.EstimatedArchiveCount = compSummary.UnitCount
		summary.TotalScannedBytes = compSummary.ProcessedBytes
		summary.Errors = append(summary.Errors, compSummary.Errors...)
	}
	if err != nil {
		return summary, err
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}

	// Stage 3: copy. The staging monitor has been draining since task
	// start; wait until it catches up.
	if err := r.runCopy(ctx, task, logger); err != nil {
		return summary, err
	}

	// Stage 4: finalize.
	if err := r.finalize(ctx, task, setID, compSummary, summary, logger); err != nil {
		return summary, err
	}
	return summary, nil
}

// runScan walks the source trees into the task inventory and returns the
// selected byte total.
func (r *Runner) runScan(ctx context.Context, task *models.Task, exec *execution, setID int64, logger *logging.FieldLogger) (int64, error) {
	if err := r.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusScanning); err != nil {
		return 0, err
	}
	r.setDescription(ctx, task.ID, "[扫描文件中] 正在遍历源目录")

	baseline, err := r.loadBaseline(ctx, task, logger)
	if err != nil {
		return 0, err
	}

	// Inventory totals count the selected files, not everything walked:
	// unchanged files drop out of incremental and differential runs.
	var selectedFiles, selectedBytes int64
	sink := scanner.SinkFunc(func(batch []scanner.Entry) error {
		rows := make([]models.FileRecord, 0, len(batch))
		var batchBytes int64
		for _, e := range batch {
			if matchesExclude(task.ExcludePatterns, e.Path) {
				continue
			}
			// Second-granular mtime comparison; the catalog datetime
			// round trip does not guarantee sub-second precision.
			if prior, ok := baseline[e.Path]; ok && prior.Size == e.Size && prior.MTime.Unix() == e.MTime.Unix() {
				continue
			}
			rows = append(rows, models.FileRecord{
				BackupSetID: setID,
				FilePath:    e.Path,
				FileSize:    e.Size,
				MTime:       e.MTime,
			})
			batchBytes += e.Size
		}
		if len(rows) == 0 {
			return nil
		}
		err := r.queue.SubmitWait(ctx, catalog.PriorityHigh, func(opCtx context.Context) error {
			return r.store.BulkInsertFiles(opCtx, task.ID, rows, 0)
		})
		if err != nil {
			return err
		}
		atomic.AddInt64(&selectedBytes, batchBytes)
		total := atomic.AddInt64(&selectedFiles, int64(len(rows)))
		r.setDescription(ctx, task.ID, fmt.Sprintf("[扫描文件中] 已发现 %d 个文件", total))
		return nil
	})

	result, err := exec.scanner.ScanTree(ctx, task.SourcePaths, sink, scanner.Options{
		Threads:     r.cfg.Scan.Threads,
		Multithread: r.cfg.Scan.UseMultithread,
	})
	if err != nil {
		return 0, fmt.Errorf("scan failed: %w", err)
	}
	if result.Cancelled || ctx.Err() != nil {
		return 0, context.Canceled
	}

	files := atomic.LoadInt64(&selectedFiles)
	bytes := atomic.LoadInt64(&selectedBytes)
	if err := r.store.SetScanTotals(ctx, task.ID, files, bytes); err != nil {
		return 0, err
	}
	logger.Info("Scan complete", map[string]interface{}{
		"files":             files,
		"bytes":             humanize.IBytes(uint64(bytes)),
		"walked":            result.TotalFiles,
		"permission_errors": result.PermissionErrors,
	})
	return bytes, nil
}

// matchesExclude reports whether a scanned path falls under one of the
// task's exclude patterns. Patterns are globs matched against the base
// name and the full slash path.
func matchesExclude(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return false
	}
	base := filepath.Base(path)
	slashed := filepath.ToSlash(path)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, slashed); ok {
			return true
		}
	}
	return false
}

// acquireTape mounts a cartridge for the write stages when none is
// loaded. Reports whether this run owns the load and must unload at the
// end.
func (r *Runner) acquireTape(ctx context.Context, requiredBytes int64, logger *logging.FieldLogger) (bool, error) {
	if r.tapes.GetCurrentTape() != nil {
		return false, nil
	}

	c, err := r.tapes.GetAvailableTape(ctx, requiredBytes)
	if err != nil {
		return false, fmt.Errorf("cartridge selection failed: %w", err)
	}
	if c == nil {
		return false, fmt.Errorf("no usable cartridge with %s free", humanize.IBytes(uint64(requiredBytes)))
	}
	if err := r.tapes.LoadTape(ctx, c.TapeID); err != nil {
		return false, fmt.Errorf("failed to load cartridge %s: %w", c.TapeID, err)
	}
	logger.Info("Cartridge loaded for task", map[string]interface{}{
		"tape_id":  c.TapeID,
		"required": humanize.IBytes(uint64(requiredBytes)),
	})
	return true, nil
}

// releaseTape unloads the cartridge this run mounted. It runs detached
// from the run context, which may already be cancelled.
func (r *Runner) releaseTape(logger *logging.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	if err := r.tapes.UnloadTape(ctx); err != nil {
		logger.Warn("Failed to unload cartridge after task", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// loadBaseline builds the prior-run inventory index for incremental and
// differential runs. A first run has no baseline and backs up everything.
func (r *Runner) loadBaseline(ctx context.Context, task *models.Task, logger *logging.FieldLogger) (map[string]catalog.SnapshotEntry, error) {
	if task.TaskType != models.TaskTypeIncremental && task.TaskType != models.TaskTypeDifferential {
		return nil, nil
	}
	baseID, err := r.store.BaselineTaskID(ctx, task.TaskName, task.TaskType)
	if err != nil {
		return nil, err
	}
	if baseID == 0 {
		logger.Info("No baseline run found, backing up everything", nil)
		return nil, nil
	}
	baseline, err := r.store.SnapshotIndex(ctx, baseID)
	if err != nil {
		return nil, err
	}
	logger.Info("Baseline snapshot loaded", map[string]interface{}{
		"baseline_task_id": baseID,
		"files":            len(baseline),
	})
	return baseline, nil
}

func (r *Runner) runCompress(ctx context.Context, task *models.Task, setID int64, logger *logging.FieldLogger) (*compress.RunSummary, error) {
	if err := r.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusCompressing); err != nil {
		return nil, err
	}

	password := ""
	if task.EncryptionEnabled {
		password = r.cfg.Compress.EncryptionPassword
		if password == "" {
			return nil, fmt.Errorf("task requires encryption but no archive password is configured")
		}
	}

	compressCfg := r.cfg.Compress
	if compressCfg.DirectlyToTape && r.cfg.Tape.DriveLetter != "" {
		// Direct mode produces archives on the tape volume itself; the
		// staging monitor then only records them.
		compressCfg.CompressDir = r.cfg.Tape.DriveLetter
	}
	comp, err := compress.NewCompressor(compressCfg, r.cfg.Tape.BackgroundCopyUpdate,
		r.store, r.queue, r.logger, password)
	if err != nil {
		return nil, err
	}

	current, err := r.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	totalFiles := current.TotalFiles

	var lastWrite int64
	onProgress := func(p compress.Progress) {
		percent := 0.0
		if totalFiles > 0 {
			percent = float64(p.ProcessedFiles) / float64(totalFiles) * 100
		}
		r.setDescription(ctx, task.ID, fmt.Sprintf("[压缩文件中] %d/%d 个文件 (%.1f%%)",
			p.ProcessedFiles, totalFiles, percent))

		// Write-through at most once per second.
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastWrite)
		if now-last < int64(progressWriteInterval) || !atomic.CompareAndSwapInt64(&lastWrite, last, now) {
			return
		}
		processedFiles, processedBytes, compressedBytes := p.ProcessedFiles, p.ProcessedBytes, p.CompressedBytes
		r.queue.Submit(catalog.PriorityHigh, func(opCtx context.Context) error {
			return r.store.UpdateTaskProgress(opCtx, task.ID, processedFiles, processedBytes, compressedBytes, percent)
		})
	}

	summary, err := comp.Run(ctx, task.ID, setID, onProgress)
	if err != nil {
		return summary, fmt.Errorf("compression failed: %w", err)
	}
	if summary.UnitCount > 0 && len(summary.Archives) == 0 {
		return summary, fmt.Errorf("all %d archive units failed", summary.UnitCount)
	}

	// Final progress write for the stage.
	if err := r.store.UpdateTaskProgress(ctx, task.ID, summary.ProcessedFiles,
		summary.ProcessedBytes, summary.CompressedBytes, stagePercent(summary.ProcessedFiles, totalFiles)); err != nil {
		return summary, err
	}
	logger.Info("Compression complete", map[string]interface{}{
		"units":            summary.UnitCount,
		"compressed_bytes": humanize.IBytes(uint64(summary.CompressedBytes)),
		"failed_units":     len(summary.Errors),
	})
	return summary, nil
}

func stagePercent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

func (r *Runner) runCopy(ctx context.Context, task *models.Task, logger *logging.FieldLogger) error {
	if err := r.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusCopying); err != nil {
		return err
	}
	r.setDescription(ctx, task.ID, "[写入磁带中] 等待归档拷贝完成")

	if err := r.monitor.WaitForDrain(ctx); err != nil {
		return fmt.Errorf("tape copy interrupted: %w", err)
	}
	logger.Info("Staging directory drained", nil)
	return nil
}

func (r *Runner) finalize(ctx context.Context, task *models.Task, setID int64, compSummary *compress.RunSummary, summary *models.ResultSummary, logger *logging.FieldLogger) error {
	if err := r.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusFinalizing); err != nil {
		return err
	}
	r.setDescription(ctx, task.ID, "[收尾处理中] 校验归档记录")

	// Make sure the background flag queue is empty before judging.
	if err := r.queue.Drain(ctx); err != nil {
		return err
	}

	if !r.cfg.Tape.BackgroundCopyUpdate {
		// Deferred mode: flag the whole inventory in one pass.
		paths, err := r.inventoryPaths(ctx, task.ID)
		if err != nil {
			return err
		}
		if err := r.queue.SubmitWait(ctx, catalog.PriorityHigh, func(opCtx context.Context) error {
			_, err := r.store.MarkFilesQueued(opCtx, task.ID, setID, paths)
			return err
		}); err != nil {
			return fmt.Errorf("deferred inventory update failed: %w", err)
		}
		if ok, err := r.store.VerifyFilesQueued(ctx, task.ID, setID, paths); err != nil {
			return err
		} else if !ok {
			logger.Warn("Deferred update left unflagged rows", map[string]interface{}{
				"paths": len(paths),
			})
		}
	}

	total, copied, err := r.store.CountInventory(ctx, task.ID)
	if err != nil {
		return err
	}
	if total > 0 {
		missing := total - copied
		missingPercent := float64(missing) / float64(total) * 100
		if missingPercent > verifyTolerancePercent {
			return fmt.Errorf("verification failed: %d of %d inventory rows unflagged (%.2f%%)",
				missing, total, missingPercent)
		}
		if missing > 0 {
			warn := fmt.Sprintf("%d inventory rows unflagged within tolerance", missing)
			summary.Errors = append(summary.Errors, warn)
			logger.Warn("Verification passed with gaps", map[string]interface{}{
				"missing": missing,
				"total":   total,
			})
		}
	}

	if compSummary != nil && compSummary.ProcessedBytes > 0 {
		summary.CompressionRatio = float64(compSummary.CompressedBytes) / float64(compSummary.ProcessedBytes)
	}
	return nil
}

// inventoryPaths pages the full inventory path list for the deferred
// finalize update.
func (r *Runner) inventoryPaths(ctx context.Context, taskID int64) ([]string, error) {
	var paths []string
	var cursor int64
	for {
		page, err := r.store.FetchPendingFiles(ctx, taskID, cursor, 1000)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return paths, nil
		}
		for _, rec := range page {
			paths = append(paths, rec.FilePath)
		}
		cursor = page[len(page)-1].ID
	}
}

// finish commits the terminal state and result summary on a fresh
// detached context; by this point hours may have passed since Run began
// and the caller's context may be long dead.
func (r *Runner) finish(task *models.Task, summary *models.ResultSummary, runErr error, logger *logging.FieldLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if summary != nil {
		if err := r.store.SetResultSummary(ctx, task.ID, *summary); err != nil {
			logger.Warn("Failed to store result summary", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	switch {
	case runErr == nil:
		r.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusNone)
		r.setDescription(ctx, task.ID, fmt.Sprintf("[备份完成] %d 个归档单元", summary.EstimatedArchiveCount))
		if err := r.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusCompleted, ""); err != nil {
			return err
		}
		r.notifier.Notify(ctx, notifications.Event{
			Severity: notifications.SeverityInfo,
			Title:    "task_completed",
			Message:  fmt.Sprintf("Task %s completed", task.TaskName),
			Fields: map[string]interface{}{
				"task_id":  task.ID,
				"archives": summary.EstimatedArchiveCount,
			},
		})
		logger.Info("Task completed", map[string]interface{}{
			"archives": summary.EstimatedArchiveCount,
		})
		return nil

	case errors.Is(runErr, context.Canceled):
		r.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusCancelled)
		r.setDescription(ctx, task.ID, "[已取消] 用户取消了任务")
		if err := r.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusCancelled, "cancelled by request"); err != nil {
			return err
		}
		r.notifier.Notify(ctx, notifications.Event{
			Severity: notifications.SeverityWarning,
			Title:    "task_cancelled",
			Message:  fmt.Sprintf("Task %s cancelled", task.TaskName),
			Fields:   map[string]interface{}{"task_id": task.ID},
		})
		logger.Info("Task cancelled", nil)
		return nil

	default:
		r.store.UpdateScanStatus(ctx, task.ID, models.ScanStatusFailed)
		r.setDescription(ctx, task.ID, fmt.Sprintf("[失败] %s", runErr.Error()))
		if err := r.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, runErr.Error()); err != nil {
			return err
		}
		r.notifier.Notify(ctx, notifications.Event{
			Severity: notifications.SeverityError,
			Title:    "task_failed",
			Message:  fmt.Sprintf("Task %s failed: %v", task.TaskName, runErr),
			Fields:   map[string]interface{}{"task_id": task.ID},
		})
		logger.Error("Task failed", map[string]interface{}{
			"error": runErr.Error(),
		})
		return runErr
	}
}
