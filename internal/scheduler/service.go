package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RoseOO/TapeVaultr/internal/catalog"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/models"
	"github.com/RoseOO/TapeVaultr/internal/tape"
)

// retentionSchedule fires the daily cartridge retention check.
const retentionSchedule = "0 0 3 * * *"

// runBudget bounds a single scheduled execution.
const runBudget = 24 * time.Hour

// TaskLauncher runs one pending task execution to a terminal state.
type TaskLauncher func(ctx context.Context, taskID int64) error

// Service fires task templates on their cron schedules. Each firing
// clones the template into a fresh pending execution and hands it to the
// launcher.
type Service struct {
	store    *catalog.Store
	tapes    *tape.Manager
	cfg      *config.Config
	logger   *logging.Logger
	cron     *cron.Cron
	launcher TaskLauncher

	mu      sync.RWMutex
	entries map[int64]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a scheduler service.
func NewService(store *catalog.Store, tapes *tape.Manager, cfg *config.Config, logger *logging.Logger, launcher TaskLauncher) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		store:    store,
		tapes:    tapes,
		cfg:      cfg,
		logger:   logger,
		cron:     cron.New(cron.WithSeconds()),
		launcher: launcher,
		entries:  make(map[int64]cron.EntryID),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start loads schedules and starts the cron loop.
func (s *Service) Start() error {
	s.logger.Info("Starting scheduler", nil)

	if err := s.loadSchedules(); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(retentionSchedule, s.runRetentionCheck); err != nil {
		return err
	}

	s.cron.Start()
	go s.updateNextRuns()
	return nil
}

// Stop stops the scheduler and waits for running cron callbacks.
func (s *Service) Stop() {
	s.logger.Info("Stopping scheduler", nil)
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// loadSchedules registers every enabled template schedule.
func (s *Service) loadSchedules() error {
	schedules, err := s.store.ListScheduledTemplates(s.ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if err := s.schedule(sched); err != nil {
			s.logger.Warn("Failed to schedule template", map[string]interface{}{
				"task_id": sched.TaskID,
				"cron":    sched.Cron,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// schedule registers one template, replacing any existing entry.
func (s *Service) schedule(sched catalog.TemplateSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[sched.TaskID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, sched.TaskID)
	}
	if !sched.Enabled || sched.Cron == "" {
		return nil
	}

	schedCopy := sched
	entryID, err := s.cron.AddFunc(sched.Cron, func() {
		s.fire(schedCopy)
	})
	if err != nil {
		return err
	}
	s.entries[sched.TaskID] = entryID

	s.logger.Info("Scheduled template", map[string]interface{}{
		"task_id":   sched.TaskID,
		"task_name": sched.TaskName,
		"cron":      sched.Cron,
	})
	return nil
}

// AddSchedule adds or updates a template schedule at runtime.
func (s *Service) AddSchedule(sched catalog.TemplateSchedule) error {
	return s.schedule(sched)
}

// RemoveSchedule drops a template from the scheduler.
func (s *Service) RemoveSchedule(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[taskID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
		s.logger.Info("Removed template from scheduler", map[string]interface{}{"task_id": taskID})
	}
}

// ReloadSchedules drops all entries and reloads them from the catalog.
func (s *Service) ReloadSchedules() error {
	s.mu.Lock()
	for taskID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
	s.mu.Unlock()
	return s.loadSchedules()
}

// NextRun returns the next fire time for a template schedule.
func (s *Service) NextRun(taskID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, exists := s.entries[taskID]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

// fire clones the template into an execution and launches it.
func (s *Service) fire(sched catalog.TemplateSchedule) {
	s.logger.Info("Schedule fired", map[string]interface{}{
		"task_id":   sched.TaskID,
		"task_name": sched.TaskName,
	})

	ctx, cancel := context.WithTimeout(s.ctx, runBudget)
	defer cancel()

	if err := s.prepareTape(ctx, sched.TaskType); err != nil {
		s.logger.Error("Tape preparation failed, skipping run", map[string]interface{}{
			"task_id": sched.TaskID,
			"error":   err.Error(),
		})
		return
	}

	taskID, err := s.store.CloneTemplateToExecution(ctx, sched.TaskID)
	if err != nil {
		s.logger.Error("Failed to clone template", map[string]interface{}{
			"task_id": sched.TaskID,
			"error":   err.Error(),
		})
		return
	}

	if err := s.launcher(ctx, taskID); err != nil {
		s.logger.Error("Scheduled execution failed", map[string]interface{}{
			"template_id":  sched.TaskID,
			"execution_id": taskID,
			"error":        err.Error(),
		})
	}

	if err := s.store.RecordScheduledRun(ctx, sched.TaskID, time.Now()); err != nil {
		s.logger.Warn("Failed to record scheduled run", map[string]interface{}{
			"task_id": sched.TaskID,
			"error":   err.Error(),
		})
	}
}

// prepareTape performs the optional pre-run format for full backups: the
// loaded cartridge is wiped and relabeled for the current month before
// the execution writes to it.
func (s *Service) prepareTape(ctx context.Context, taskType models.TaskType) error {
	if !s.cfg.Tape.FormatBeforeFull {
		return nil
	}
	if taskType != models.TaskTypeFull && taskType != models.TaskTypeMonthlyFull {
		return nil
	}

	newTapeID, err := s.tapes.ErasePreserveLabel(ctx, true)
	if err != nil {
		return err
	}
	s.logger.Info("Cartridge formatted before full backup", map[string]interface{}{
		"tape_id": newTapeID,
	})
	return nil
}

// runRetentionCheck marks newly expired cartridges.
func (s *Service) runRetentionCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Hour)
	defer cancel()

	expired, err := s.tapes.CheckRetentionPeriods(ctx)
	if err != nil {
		s.logger.Error("Retention check failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if expired > 0 {
		s.logger.Info("Retention check marked cartridges expired", map[string]interface{}{
			"count": expired,
		})
	}
}

// updateNextRuns periodically persists next fire times for visibility.
func (s *Service) updateNextRuns() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			type pending struct {
				taskID int64
				next   time.Time
			}
			var updates []pending
			for taskID, entryID := range s.entries {
				entry := s.cron.Entry(entryID)
				if !entry.Next.IsZero() {
					updates = append(updates, pending{taskID, entry.Next})
				}
			}
			s.mu.RUnlock()

			for _, u := range updates {
				if err := s.store.SetNextRun(s.ctx, u.taskID, u.next); err != nil {
					s.logger.Warn("Failed to persist next run", map[string]interface{}{
						"task_id": u.taskID,
						"error":   err.Error(),
					})
				}
			}
		}
	}
}

// ParseCron validates a six-field cron expression.
func ParseCron(expr string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err
}
