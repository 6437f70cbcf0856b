package compress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/RoseOO/TapeVaultr/internal/catalog"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/models"
)

const fetchPageSize = 1000

// Progress is a snapshot of compression progress handed to the owner.
type Progress struct {
	UnitsDone       int
	UnitsTotal      int
	ProcessedFiles  int64
	ProcessedBytes  int64
	CompressedBytes int64
	CurrentUnit     string
}

// RunSummary is the outcome of one compression stage.
type RunSummary struct {
	UnitCount       int
	ProcessedFiles  int64
	ProcessedBytes  int64
	CompressedBytes int64
	Archives        []string
	Errors          []string
}

// Compressor partitions a backup set's inventory into archive units and
// produces one container per unit, up to the configured number in
// parallel.
type Compressor struct {
	cfg        config.Compress
	store      *catalog.Store
	writer     *catalog.Writer
	strategy   Strategy
	logger     *logging.Logger
	background bool
}

// NewCompressor builds a compressor for the configured method. When
// backgroundUpdate is set, each finished unit flags its inventory rows
// immediately instead of deferring to finalization.
func NewCompressor(cfg config.Compress, backgroundUpdate bool, store *catalog.Store, writer *catalog.Writer, logger *logging.Logger, password string) (*Compressor, error) {
	threads := cfg.CommandThreads
	if threads <= 0 {
		threads = cfg.Threads
	}
	strategy, err := NewStrategy(cfg.Method, Options{
		Level:          cfg.Level,
		Threads:        threads,
		DictionarySize: cfg.DictionarySize,
		Password:       password,
	})
	if err != nil {
		return nil, err
	}
	return &Compressor{
		cfg:        cfg,
		store:      store,
		writer:     writer,
		strategy:   strategy,
		logger:     logger,
		background: backgroundUpdate,
	}, nil
}

// Strategy exposes the selected archiver, mainly for logging.
func (c *Compressor) Strategy() Strategy {
	return c.strategy
}

// OutputDir returns the staging directory monitored by the tape writer
// for one backup set.
func (c *Compressor) OutputDir(setID int64) string {
	return filepath.Join(c.cfg.CompressDir, "final", fmt.Sprintf("%d", setID))
}

func (c *Compressor) archivePath(setID int64, unitIndex int) string {
	name := fmt.Sprintf("backup_%d_%03d%s", setID, unitIndex, c.strategy.Extension())
	return filepath.Join(c.OutputDir(setID), name)
}

// loadInventory pages the full pending inventory in cursor order.
func (c *Compressor) loadInventory(ctx context.Context, taskID int64) ([]models.FileRecord, error) {
	var files []models.FileRecord
	var cursor int64
	for {
		page, err := c.store.FetchPendingFiles(ctx, taskID, cursor, fetchPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return files, nil
		}
		files = append(files, page...)
		cursor = page[len(page)-1].ID
	}
}

// Run compresses the task's inventory into archive units. Unit failures
// are collected, not fatal; the owner decides at finalization. Inventory
// flag updates ride the catalog writer's high-priority lane when
// background copy update is enabled.
func (c *Compressor) Run(ctx context.Context, taskID, setID int64, onProgress func(Progress)) (*RunSummary, error) {
	files, err := c.loadInventory(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	maxSize := c.cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUnitSize
	}
	units := PartitionUnits(files, maxSize)

	summary := &RunSummary{UnitCount: len(units)}
	if len(units) == 0 {
		return summary, nil
	}

	if err := os.MkdirAll(c.OutputDir(setID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	parallel := c.cfg.ParallelBatches
	if parallel <= 0 {
		parallel = 2
	}

	var (
		mu              sync.Mutex
		wg              sync.WaitGroup
		unitsDone       int32
		processedFiles  int64
		processedBytes  int64
		compressedBytes int64
	)

	report := func(current string) {
		if onProgress == nil {
			return
		}
		onProgress(Progress{
			UnitsDone:       int(atomic.LoadInt32(&unitsDone)),
			UnitsTotal:      len(units),
			ProcessedFiles:  atomic.LoadInt64(&processedFiles),
			ProcessedBytes:  atomic.LoadInt64(&processedBytes),
			CompressedBytes: atomic.LoadInt64(&compressedBytes),
			CurrentUnit:     current,
		})
	}

	// The feed channel holds one unit beyond the worker count so the
	// next unit is always staged when a worker frees up.
	feed := make(chan Unit, parallel+1)
	go func() {
		defer close(feed)
		for _, u := range units {
			select {
			case feed <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range feed {
				if ctx.Err() != nil {
					return
				}
				c.produceUnit(ctx, taskID, setID, unit, summary, &mu,
					&unitsDone, &processedFiles, &processedBytes, &compressedBytes, report)
			}
		}()
	}
	wg.Wait()

	summary.ProcessedFiles = atomic.LoadInt64(&processedFiles)
	summary.ProcessedBytes = atomic.LoadInt64(&processedBytes)
	summary.CompressedBytes = atomic.LoadInt64(&compressedBytes)

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (c *Compressor) produceUnit(ctx context.Context, taskID, setID int64, unit Unit,
	summary *RunSummary, mu *sync.Mutex, unitsDone *int32,
	processedFiles, processedBytes, compressedBytes *int64, report func(string)) {

	outputPath := c.archivePath(setID, unit.Index)
	report(fmt.Sprintf("unit %d (%d files)", unit.Index, len(unit.Files)))

	result, err := c.strategy.Compress(ctx, unit.Paths(), outputPath)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("Archive unit failed", map[string]interface{}{
			"unit":    unit.Index,
			"set_id":  setID,
			"error":   err.Error(),
			"archive": outputPath,
		})
		mu.Lock()
		summary.Errors = append(summary.Errors, fmt.Sprintf("unit %d: %v", unit.Index, err))
		mu.Unlock()
		return
	}

	atomic.AddInt32(unitsDone, 1)
	atomic.AddInt64(processedFiles, int64(len(unit.Files)))
	atomic.AddInt64(processedBytes, result.InputBytes)
	atomic.AddInt64(compressedBytes, result.CompressedBytes)

	mu.Lock()
	summary.Archives = append(summary.Archives, outputPath)
	mu.Unlock()

	c.logger.Info("Archive unit written", map[string]interface{}{
		"unit":             unit.Index,
		"set_id":           setID,
		"files":            len(unit.Files),
		"input_bytes":      result.InputBytes,
		"compressed_bytes": result.CompressedBytes,
		"duration":         result.Duration.String(),
	})

	if !c.background || c.writer == nil {
		report("")
		return
	}

	// Flag the unit's rows as queued without blocking the next unit.
	paths := unit.Paths()
	done := c.writer.Submit(catalog.PriorityHigh, func(opCtx context.Context) error {
		_, err := c.store.MarkFilesQueued(opCtx, taskID, setID, paths)
		return err
	})
	go func(unitIndex int) {
		if err := <-done; err != nil {
			// Flag failures are recovered at finalization by the
			// deferred MarkFilesQueued pass.
			c.logger.Warn("Background inventory update failed", map[string]interface{}{
				"unit":  unitIndex,
				"error": err.Error(),
			})
		}
	}(unit.Index)

	report("")
}
