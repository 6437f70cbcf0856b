package writer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/catalog"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/tape"
)

const (
	// DefaultPollInterval is how often the staging tree is rescanned.
	DefaultPollInterval = 10 * time.Second

	// ShutdownJoinBudget bounds how long Stop waits for the in-flight
	// transfer to finish.
	ShutdownJoinBudget = 30 * time.Second

	// failureLogLimit caps full logging of repeated transfer failures.
	failureLogLimit = 20
)

// archiveSuffixes are the container extensions the monitor picks up.
var archiveSuffixes = []string{".7z", ".gz", ".tar", ".zst"}

// Monitor watches the compressor's staging tree and moves finished
// archives to tape one at a time. It runs on its own goroutine,
// independent of the compressor, so a slow drive never blocks archiving.
type Monitor struct {
	store    *catalog.Store
	queue    *catalog.Writer
	tapes    *tape.Manager
	logger   *logging.Logger
	failures *logging.SuppressAfter

	finalRoot    string
	tapeMount    string
	directToTape bool
	pollInterval time.Duration

	mu        sync.Mutex
	processed map[string]bool

	transferring int32

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates the staging monitor. The final root is
// <compress_dir>/final, or <tape_mount>/final when the compressor writes
// directly to the tape volume.
func NewMonitor(compressCfg config.Compress, tapeCfg config.Tape, store *catalog.Store, queue *catalog.Writer, tapes *tape.Manager, logger *logging.Logger) *Monitor {
	return &Monitor{
		store:        store,
		queue:        queue,
		tapes:        tapes,
		logger:       logger,
		failures:     logging.NewSuppressAfter(failureLogLimit),
		finalRoot:    stagingRoot(compressCfg, tapeCfg),
		tapeMount:    tapeCfg.DriveLetter,
		directToTape: compressCfg.DirectlyToTape,
		pollInterval: DefaultPollInterval,
		processed:    make(map[string]bool),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// stagingRoot is where finished archives appear. It must match the
// compressor's output layout in both modes.
func stagingRoot(compressCfg config.Compress, tapeCfg config.Tape) string {
	if compressCfg.DirectlyToTape && tapeCfg.DriveLetter != "" {
		return filepath.Join(tapeCfg.DriveLetter, "final")
	}
	return filepath.Join(compressCfg.CompressDir, "final")
}

// SetPollInterval overrides the scan cadence; used by short-cycle setups.
func (m *Monitor) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollInterval = d
	}
}

// Start launches the monitor goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop asks the monitor to exit after the current transfer and waits up
// to the 30 second join budget.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.doneCh:
	case <-time.After(ShutdownJoinBudget):
		m.logger.Warn("Staging monitor did not stop within join budget", nil)
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		m.Sweep(ctx)
		select {
		case <-ticker.C:
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// isCandidate reports whether a file name looks like a finished archive.
// Partial outputs are never picked up.
func isCandidate(name string) bool {
	if strings.HasSuffix(name, ".partial") {
		return false
	}
	if strings.HasSuffix(name, ".tar.gz") {
		return true
	}
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// deriveSetID extracts the backup set from the archive's location: the
// first path segment under final/, or a backup_<setid>_ name prefix.
func (m *Monitor) deriveSetID(path string) (int64, error) {
	if rel, err := filepath.Rel(m.finalRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
		segments := strings.Split(filepath.ToSlash(rel), "/")
		if len(segments) > 1 {
			if id, err := strconv.ParseInt(segments[0], 10, 64); err == nil {
				return id, nil
			}
		}
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, "backup_") {
		rest := strings.TrimPrefix(name, "backup_")
		if idx := strings.IndexByte(rest, '_'); idx > 0 {
			if id, err := strconv.ParseInt(rest[:idx], 10, 64); err == nil {
				return id, nil
			}
		}
	}
	return 0, fmt.Errorf("cannot derive backup set from %s", path)
}

// collectCandidates walks the staging tree in lexical order and returns
// unprocessed archives.
func (m *Monitor) collectCandidates() []string {
	var candidates []string
	filepath.Walk(m.finalRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !isCandidate(info.Name()) {
			return nil
		}
		m.mu.Lock()
		seen := m.processed[path]
		m.mu.Unlock()
		if !seen {
			candidates = append(candidates, path)
		}
		return nil
	})
	sort.Strings(candidates)
	return candidates
}

func (m *Monitor) markProcessed(path string) {
	m.mu.Lock()
	m.processed[path] = true
	m.mu.Unlock()
}

// Sweep processes every current candidate serially. Exposed for tests
// and for the drain check at task finalization.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, path := range m.collectCandidates() {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		m.processArchive(ctx, path)
	}
}

// Drained reports whether the staging tree holds no unprocessed archive
// and no transfer is in flight.
func (m *Monitor) Drained() bool {
	if atomic.LoadInt32(&m.transferring) == 1 {
		return false
	}
	return len(m.collectCandidates()) == 0
}

// WaitForDrain blocks until the staging tree is drained or the context
// expires.
func (m *Monitor) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.Drained() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processArchive moves one archive to tape and updates the catalog. The
// path is marked processed whether the transfer succeeded or not, so a
// bad archive never wedges the queue.
func (m *Monitor) processArchive(ctx context.Context, path string) {
	atomic.StoreInt32(&m.transferring, 1)
	defer atomic.StoreInt32(&m.transferring, 0)
	defer m.markProcessed(path)

	setID, err := m.deriveSetID(path)
	if err != nil {
		m.logger.Warn("Archive with no derivable backup set", map[string]interface{}{
			"path": path,
		})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Removed from under the monitor; nothing to transfer.
		m.logger.Debug("Archive vanished before transfer", map[string]interface{}{
			"path": path,
		})
		return
	}
	sourceSize := info.Size()

	tapePath, err := m.writeToTape(ctx, path, setID)
	if err != nil {
		m.failures.Warn(m.logger, "Tape transfer failed", map[string]interface{}{
			"path":   path,
			"set_id": setID,
			"error":  err.Error(),
		})
		return
	}

	current := m.tapes.GetCurrentTape()
	tapeID := ""
	if current != nil {
		tapeID = current.TapeID
	}

	err = m.queue.SubmitWait(ctx, catalog.PriorityNormal, func(opCtx context.Context) error {
		if tapeID != "" {
			if err := m.store.AddCartridgeUsage(opCtx, tapeID, sourceSize, 1); err != nil {
				return err
			}
		}
		return m.store.RecordSetArchive(opCtx, setID, tapeID, tapePath, sourceSize, 0)
	})
	if err != nil {
		m.logger.Warn("Catalog update for transfer failed", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return
	}

	m.logger.Info("Archive written to tape", map[string]interface{}{
		"archive":   filepath.Base(path),
		"set_id":    setID,
		"tape_id":   tapeID,
		"tape_path": tapePath,
		"bytes":     sourceSize,
	})
}

// writeToTape lands the archive on the tape mount and returns the
// tape-relative path. In the direct-to-tape layout the file was produced
// on the mount and only its relative path is resolved; otherwise the file
// is copied with fsync and the staged source removed.
func (m *Monitor) writeToTape(ctx context.Context, path string, setID int64) (string, error) {
	if m.tapeMount == "" {
		return "", fmt.Errorf("no tape mount configured")
	}

	if m.directToTape {
		rel, err := filepath.Rel(m.tapeMount, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("archive %s sits outside the tape mount", path)
		}
		return rel, nil
	}

	relPath := filepath.Join(fmt.Sprintf("%d", setID), filepath.Base(path))
	destPath := filepath.Join(m.tapeMount, relPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create tape directory: %w", err)
	}

	if err := copyWithSync(ctx, path, destPath); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		m.logger.Warn("Failed to remove staged archive", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
	return relPath, nil
}

// copyWithSync streams src to dst+.partial, fsyncs and renames. The copy
// aborts between chunks when the context is cancelled.
func copyWithSync(ctx context.Context, srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	partial := dstPath + ".partial"
	dst, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	buf := make([]byte, 1<<20)
	for {
		if ctx.Err() != nil {
			dst.Close()
			os.Remove(partial)
			return ctx.Err()
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				dst.Close()
				os.Remove(partial)
				return fmt.Errorf("write failed: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dst.Close()
			os.Remove(partial)
			return fmt.Errorf("read failed: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(partial)
		return fmt.Errorf("sync failed: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("close failed: %w", err)
	}
	if err := os.Rename(partial, dstPath); err != nil {
		os.Remove(partial)
		return fmt.Errorf("rename failed: %w", err)
	}
	return nil
}
