package tape

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/catalog"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/drive"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/models"
	"github.com/RoseOO/TapeVaultr/internal/notifications"
)

// Manager owns cartridge inventory and the single tape drive. All drive
// operations are serialized through the manager; at most one cartridge is
// current at any moment.
type Manager struct {
	store    *catalog.Store
	driver   *drive.Driver
	cfg      config.Tape
	logger   *logging.Logger
	notifier notifications.Notifier

	mu        sync.Mutex
	current   *models.TapeCartridge
	driveBusy bool
}

// beginDriveOp claims the drive for one exclusive load or unload
// sequence. The claim is a flag rather than a held mutex: drive moves
// take minutes and GetCurrentTape must never block behind them. A
// second claimant is rejected immediately.
func (m *Manager) beginDriveOp() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driveBusy {
		return fmt.Errorf("drive busy with another operation: %w", drive.ErrInvalidState)
	}
	m.driveBusy = true
	return nil
}

func (m *Manager) endDriveOp() {
	m.mu.Lock()
	m.driveBusy = false
	m.mu.Unlock()
}

// NewManager creates a tape manager over the catalog and device driver.
func NewManager(store *catalog.Store, driver *drive.Driver, cfg config.Tape, logger *logging.Logger, notifier notifications.Notifier) *Manager {
	return &Manager{
		store:    store,
		driver:   driver,
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
	}
}

// MonthlyLabel returns the scheduler-issued label for the given time, of
// the form TP<yyyy><mm>01.
func MonthlyLabel(now time.Time) string {
	return fmt.Sprintf("TP%04d%02d01", now.Year(), int(now.Month()))
}

// GetCurrentTape returns the cartridge currently loaded, or nil.
func (m *Manager) GetCurrentTape() *models.TapeCartridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// GetTapeInfo reads back the catalog row of the loaded cartridge.
func (m *Manager) GetTapeInfo(ctx context.Context) (*models.TapeCartridge, error) {
	current := m.GetCurrentTape()
	if current == nil {
		return nil, fmt.Errorf("no cartridge loaded: %w", drive.ErrInvalidState)
	}
	return m.store.GetCartridge(ctx, current.TapeID)
}

// InventoryStatus summarizes the cartridge pool by lifecycle status.
type InventoryStatus struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	FreeBytes int64          `json:"free_bytes"`
	UsedBytes int64          `json:"used_bytes"`
	Expired   int            `json:"expired"`
	CheckedAt time.Time      `json:"checked_at"`
}

// GetInventoryStatus aggregates the cartridge pool.
func (m *Manager) GetInventoryStatus(ctx context.Context) (*InventoryStatus, error) {
	cartridges, err := m.store.ListCartridges(ctx, "")
	if err != nil {
		return nil, err
	}
	now := time.Now()
	status := &InventoryStatus{
		ByStatus:  make(map[string]int),
		CheckedAt: now,
	}
	for _, c := range cartridges {
		status.Total++
		status.ByStatus[string(c.Status)]++
		status.UsedBytes += c.UsedBytes
		if c.Status == models.CartridgeStatusAvailable || c.Status == models.CartridgeStatusNew {
			status.FreeBytes += c.FreeBytes()
		}
		if c.IsExpired(now) {
			status.Expired++
		}
	}
	return status, nil
}

// GetAvailableTape returns the first available, unexpired cartridge with
// enough free space. When the pool is exhausted and auto-erase is enabled,
// one expired cartridge is erased and the search retried once.
func (m *Manager) GetAvailableTape(ctx context.Context, requiredBytes int64) (*models.TapeCartridge, error) {
	now := time.Now()
	c, err := m.store.FindAvailableCartridge(ctx, requiredBytes, now)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	if !m.cfg.AutoEraseExpired {
		return nil, nil
	}

	expired, err := m.store.FindExpiredCartridges(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	candidate := expired[0]
	m.logger.Info("Cartridge pool exhausted, erasing expired cartridge", map[string]interface{}{
		"tape_id": candidate.TapeID,
	})
	if err := m.EraseTape(ctx, candidate.TapeID); err != nil {
		return nil, fmt.Errorf("auto-erase of %s failed: %w", candidate.TapeID, err)
	}
	return m.store.FindAvailableCartridge(ctx, requiredBytes, time.Now())
}

// LoadTape acquires the drive, loads the cartridge and moves it to in_use.
// An expired cartridge is erased with its label preserved before use.
func (m *Manager) LoadTape(ctx context.Context, tapeID string) error {
	if err := m.beginDriveOp(); err != nil {
		return err
	}
	defer m.endDriveOp()

	m.mu.Lock()
	if m.current != nil {
		loaded := m.current.TapeID
		m.mu.Unlock()
		if loaded == tapeID {
			return nil
		}
		return fmt.Errorf("cartridge %s already loaded: %w", loaded, drive.ErrInvalidState)
	}
	m.mu.Unlock()

	c, err := m.store.GetCartridge(ctx, tapeID)
	if err != nil {
		return fmt.Errorf("cartridge %s not in catalog: %w", tapeID, drive.ErrInvalidState)
	}
	if !c.Status.CanTransition(models.CartridgeStatusInUse) {
		return fmt.Errorf("cartridge %s is %s: %w", tapeID, c.Status, drive.ErrInvalidState)
	}

	if c.IsExpired(time.Now()) {
		m.logger.Info("Loading expired cartridge, erasing first", map[string]interface{}{
			"tape_id": tapeID,
		})
		if _, err := m.ErasePreserveLabel(ctx, false); err != nil {
			return fmt.Errorf("pre-load erase failed: %w", err)
		}
	}

	if err := m.driver.Load(ctx, true); err != nil {
		return fmt.Errorf("failed to load cartridge %s: %w", tapeID, err)
	}
	if err := m.driver.Rewind(ctx); err != nil {
		return fmt.Errorf("failed to rewind after load: %w", err)
	}

	if label, err := m.driver.ReadTapeLabel(ctx); err == nil && label != nil && label.TapeID != tapeID {
		m.logger.Warn("Loaded cartridge label differs from catalog", map[string]interface{}{
			"expected": tapeID,
			"on_tape":  label.TapeID,
		})
	}

	if err := m.store.UpdateCartridgeStatus(ctx, tapeID, models.CartridgeStatusInUse); err != nil {
		return err
	}
	now := time.Now()
	c.Status = models.CartridgeStatusInUse
	c.LastUsedDate = &now
	if c.FirstUseDate == nil {
		c.FirstUseDate = &now
	}
	c.LoadCount++
	if err := m.store.UpdateCartridge(ctx, c); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = c
	m.mu.Unlock()

	m.logger.Info("Cartridge loaded", map[string]interface{}{
		"tape_id":    tapeID,
		"load_count": c.LoadCount,
	})
	return nil
}

// UnloadTape writes a closing filemark, rewinds and ejects the current
// cartridge, then returns it to available unless it is full, expired or
// in error. Calling with no cartridge loaded is a no-op.
func (m *Manager) UnloadTape(ctx context.Context) error {
	if err := m.beginDriveOp(); err != nil {
		return err
	}
	defer m.endDriveOp()

	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return nil
	}

	if err := m.driver.WriteFilemark(ctx, 1); err != nil {
		m.logger.Warn("Closing filemark failed", map[string]interface{}{
			"tape_id": current.TapeID,
			"error":   err.Error(),
		})
	}
	if err := m.driver.Rewind(ctx); err != nil {
		return fmt.Errorf("failed to rewind before unload: %w", err)
	}
	if err := m.driver.Unload(ctx); err != nil {
		return fmt.Errorf("failed to unload cartridge: %w", err)
	}

	c, err := m.store.GetCartridge(ctx, current.TapeID)
	if err != nil {
		return err
	}
	next := models.CartridgeStatusAvailable
	switch {
	case c.IsFull():
		next = models.CartridgeStatusFull
	case c.IsExpired(time.Now()):
		next = models.CartridgeStatusExpired
	case c.Status == models.CartridgeStatusError:
		next = models.CartridgeStatusError
	}
	if next != c.Status {
		if err := m.store.UpdateCartridgeStatus(ctx, c.TapeID, next); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	m.logger.Info("Cartridge unloaded", map[string]interface{}{
		"tape_id": c.TapeID,
		"status":  string(next),
	})
	return nil
}

// EraseTape long-erases the cartridge and resets its catalog row: usage
// counters cleared, retention window restarted from now.
func (m *Manager) EraseTape(ctx context.Context, tapeID string) error {
	c, err := m.store.GetCartridge(ctx, tapeID)
	if err != nil {
		return fmt.Errorf("cartridge %s not in catalog: %w", tapeID, drive.ErrInvalidState)
	}

	if err := m.driver.EraseLong(ctx); err != nil {
		// A tool failure mid-erase leaves the medium in an unknown state.
		if markErr := m.store.UpdateCartridgeStatus(ctx, tapeID, models.CartridgeStatusError); markErr != nil {
			m.logger.Error("Failed to mark cartridge after erase failure", map[string]interface{}{
				"tape_id": tapeID,
				"error":   markErr.Error(),
			})
		}
		return fmt.Errorf("erase of %s failed: %w", tapeID, err)
	}

	now := time.Now()
	retention := c.RetentionMonths
	if retention <= 0 {
		retention = m.cfg.DefaultRetentionMonths
	}
	expiry := now.AddDate(0, retention, 0)

	c.UsedBytes = 0
	c.BackupSetCount = 0
	c.CreatedDate = &now
	c.ExpiryDate = &expiry
	c.LastEraseDate = &now
	c.Status = models.CartridgeStatusAvailable
	if err := m.store.UpdateCartridge(ctx, c); err != nil {
		return err
	}

	m.logger.Info("Cartridge erased", map[string]interface{}{
		"tape_id":    tapeID,
		"expires":    expiry.Format("2006-01"),
		"health":     c.HealthScore,
	})
	return nil
}

// ErasePreserveLabel formats the cartridge and rewrites its identity. The
// format clears the data; in scheduler mode the label is replaced with a
// fresh monthly label, otherwise the existing label is restored. The
// catalog row is reconciled with the final tape ID.
func (m *Manager) ErasePreserveLabel(ctx context.Context, useCurrentYearMonth bool) (string, error) {
	oldLabel, err := m.driver.ReadTapeLabel(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read label before erase: %w", err)
	}

	newTapeID := ""
	switch {
	case useCurrentYearMonth:
		newTapeID = MonthlyLabel(time.Now())
	case oldLabel != nil:
		newTapeID = oldLabel.TapeID
	default:
		return "", fmt.Errorf("cartridge carries no label: %w", drive.ErrInvalidState)
	}

	if err := m.driver.FormatWithLabel(ctx, newTapeID, serialOf(oldLabel)); err != nil {
		if oldLabel != nil {
			if markErr := m.store.UpdateCartridgeStatus(ctx, oldLabel.TapeID, models.CartridgeStatusError); markErr != nil {
				m.logger.Warn("Failed to mark cartridge after format failure", map[string]interface{}{
					"tape_id": oldLabel.TapeID,
					"error":   markErr.Error(),
				})
			}
		}
		return "", fmt.Errorf("format failed: %w", err)
	}

	if err := m.driver.WriteTapeLabel(ctx, &drive.Label{
		TapeID:       newTapeID,
		Label:        newTapeID,
		SerialNumber: serialOf(oldLabel),
	}); err != nil {
		return "", fmt.Errorf("failed to rewrite label: %w", err)
	}

	if err := m.reconcileErasedCartridge(ctx, oldLabel, newTapeID, useCurrentYearMonth); err != nil {
		return "", err
	}
	return newTapeID, nil
}

func serialOf(label *drive.Label) string {
	if label == nil {
		return ""
	}
	return label.SerialNumber
}

// reconcileErasedCartridge brings the catalog in line with the identity
// now on the medium. A changed tape ID is applied as a primary-key update;
// when another row already owns the new ID only the label column moves.
// In scheduler mode an unknown cartridge is registered fresh.
func (m *Manager) reconcileErasedCartridge(ctx context.Context, oldLabel *drive.Label, newTapeID string, schedulerMode bool) error {
	oldTapeID := ""
	if oldLabel != nil {
		oldTapeID = oldLabel.TapeID
	}

	now := time.Now()
	retention := m.cfg.DefaultRetentionMonths
	if retention <= 0 {
		retention = 12
	}
	expiry := now.AddDate(0, retention, 0)

	if oldTapeID != "" {
		if c, err := m.store.GetCartridge(ctx, oldTapeID); err == nil {
			if oldTapeID != newTapeID {
				if err := m.store.RenameCartridge(ctx, oldTapeID, newTapeID); err != nil {
					// Another row owns the new ID; keep the key, move the label.
					m.logger.Warn("Cartridge rename conflicted, updating label only", map[string]interface{}{
						"old": oldTapeID,
						"new": newTapeID,
					})
					c.Label = newTapeID
					c.UsedBytes = 0
					c.CreatedDate = &now
					c.ExpiryDate = &expiry
					c.LastEraseDate = &now
					c.Status = models.CartridgeStatusAvailable
					return m.store.UpdateCartridge(ctx, c)
				}
				c.TapeID = newTapeID
			}
			c.Label = newTapeID
			c.UsedBytes = 0
			c.BackupSetCount = 0
			c.CreatedDate = &now
			c.ExpiryDate = &expiry
			c.LastEraseDate = &now
			c.Status = models.CartridgeStatusAvailable
			return m.store.UpdateCartridge(ctx, c)
		}
	}

	if !schedulerMode {
		return fmt.Errorf("cartridge %s not in catalog: %w", oldTapeID, drive.ErrInvalidState)
	}

	// Scheduler-driven erase of an unregistered cartridge: register it.
	c := &models.TapeCartridge{
		TapeID:          newTapeID,
		Label:           newTapeID,
		Status:          models.CartridgeStatusAvailable,
		RetentionMonths: retention,
		CreatedDate:     &now,
		ExpiryDate:      &expiry,
		LastEraseDate:   &now,
		HealthScore:     100,
	}
	if err := m.store.InsertCartridge(ctx, c); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			existing, getErr := m.store.GetCartridge(ctx, newTapeID)
			if getErr != nil {
				return err
			}
			existing.UsedBytes = 0
			existing.CreatedDate = &now
			existing.ExpiryDate = &expiry
			existing.LastEraseDate = &now
			existing.Status = models.CartridgeStatusAvailable
			return m.store.UpdateCartridge(ctx, existing)
		}
		return err
	}
	return nil
}

// CheckRetentionPeriods marks cartridges whose retention window has lapsed
// and notifies. Cartridges flagged for auto-erase are erased in place when
// the global switch allows it.
func (m *Manager) CheckRetentionPeriods(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := m.store.FindExpiredCartridges(ctx, now)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, c := range expired {
		if c.Status != models.CartridgeStatusExpired {
			if err := m.store.UpdateCartridgeStatus(ctx, c.TapeID, models.CartridgeStatusExpired); err != nil {
				m.logger.Warn("Failed to mark expired cartridge", map[string]interface{}{
					"tape_id": c.TapeID,
					"error":   err.Error(),
				})
				continue
			}
			marked++
			m.notifier.Notify(ctx, notifications.Event{
				Severity: notifications.SeverityInfo,
				Title:    "tape_expired",
				Message:  fmt.Sprintf("Cartridge %s retention window lapsed", c.TapeID),
				Fields: map[string]interface{}{
					"tape_id": c.TapeID,
					"expiry":  c.ExpiryDate.Format("2006-01-02"),
				},
			})
		}

		if m.cfg.AutoEraseExpired && c.AutoErase {
			if err := m.EraseTape(ctx, c.TapeID); err != nil {
				m.logger.Warn("Scheduled erase failed", map[string]interface{}{
					"tape_id": c.TapeID,
					"error":   err.Error(),
				})
			}
		}
	}
	return marked, nil
}
