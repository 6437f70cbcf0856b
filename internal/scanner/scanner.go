package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/logging"
)

const (
	// DefaultBatchThreshold is the entry count that triggers a batch emit.
	DefaultBatchThreshold = 1000
	// DefaultFlushInterval emits a partial batch that has been sitting
	// too long.
	DefaultFlushInterval = 1200 * time.Second
	// DefaultLogInterval paces the progress log line.
	DefaultLogInterval = 60 * time.Second
	// DefaultThreads is the directory worker pool size.
	DefaultThreads = 4

	// permissionErrorLogLimit caps full logging of permission errors;
	// further ones are only counted.
	permissionErrorLogLimit = 20
)

// Entry is one regular file discovered during a scan.
type Entry struct {
	Path  string
	Size  int64
	MTime time.Time
}

// Sink receives emitted file batches. Implementations may buffer locally
// or hand the batch to another goroutine; the scanner does not care.
type Sink interface {
	Put(batch []Entry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(batch []Entry) error

func (f SinkFunc) Put(batch []Entry) error { return f(batch) }

// Options tune a traversal. Zero values fall back to the defaults.
type Options struct {
	Threads        int
	Multithread    bool
	BatchThreshold int
	FlushInterval  time.Duration
	LogInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Threads <= 0 {
		o.Threads = DefaultThreads
	}
	if o.BatchThreshold <= 0 {
		o.BatchThreshold = DefaultBatchThreshold
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.LogInterval <= 0 {
		o.LogInterval = DefaultLogInterval
	}
	return o
}

// Result summarizes one completed traversal.
type Result struct {
	TotalFiles       int64
	TotalBytes       int64
	DirsVisited      int64
	PermissionErrors int64
	BatchesEmitted   int64
	Cancelled        bool
}

// Scanner traverses filesystem roots and emits file batches to a sink.
// Directories are deduplicated by resolved path so overlapping roots and
// directory symlink loops never cause re-entry. Symlinks themselves are
// never followed.
type Scanner struct {
	logger     *logging.Logger
	permErrors *logging.SuppressAfter

	cancelled int32

	visitMu sync.Mutex
	visited map[string]struct{}

	cacheMu   sync.Mutex
	pathCache map[string]string

	batchMu    sync.Mutex
	batch      []Entry
	lastFlush  time.Time
	sink       Sink
	sinkErr    error
	batchCount int64

	countMu    sync.Mutex
	totalFiles int64
	totalBytes int64
	totalDirs  int64
	permCount  int64
}

// New creates a scanner. One scanner runs one traversal.
func New(logger *logging.Logger) *Scanner {
	return &Scanner{
		logger:     logger,
		permErrors: logging.NewSuppressAfter(permissionErrorLogLimit),
		visited:    make(map[string]struct{}),
		pathCache:  make(map[string]string),
	}
}

// Cancel makes the traversal stop accepting new directories. Batches
// emitted so far stay emitted.
func (s *Scanner) Cancel() {
	atomic.StoreInt32(&s.cancelled, 1)
}

func (s *Scanner) isCancelled() bool {
	return atomic.LoadInt32(&s.cancelled) == 1
}

// resolve memoizes symlink-resolved absolute paths.
func (s *Scanner) resolve(path string) string {
	s.cacheMu.Lock()
	if r, ok := s.pathCache[path]; ok {
		s.cacheMu.Unlock()
		return r
	}
	s.cacheMu.Unlock()

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if abs, aerr := filepath.Abs(path); aerr == nil {
			resolved = abs
		} else {
			resolved = path
		}
	}

	s.cacheMu.Lock()
	s.pathCache[path] = resolved
	s.cacheMu.Unlock()
	return resolved
}

// markVisited records a resolved directory; reports false when it was
// already seen.
func (s *Scanner) markVisited(resolved string) bool {
	s.visitMu.Lock()
	defer s.visitMu.Unlock()
	if _, seen := s.visited[resolved]; seen {
		return false
	}
	s.visited[resolved] = struct{}{}
	return true
}

func (s *Scanner) addFiles(entries []Entry, threshold int, flushInterval time.Duration) {
	var bytes int64
	for _, e := range entries {
		bytes += e.Size
	}
	s.countMu.Lock()
	s.totalFiles += int64(len(entries))
	s.totalBytes += bytes
	s.countMu.Unlock()

	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, entries...)
	if len(s.batch) >= threshold || (len(s.batch) > 0 && time.Since(s.lastFlush) >= flushInterval) {
		s.flushLocked()
	}
}

// flushLocked emits the pending batch. Caller holds batchMu.
func (s *Scanner) flushLocked() {
	if len(s.batch) == 0 {
		return
	}
	batch := s.batch
	s.batch = nil
	s.lastFlush = time.Now()
	s.batchCount++
	if err := s.sink.Put(batch); err != nil && s.sinkErr == nil {
		s.sinkErr = err
	}
}

func (s *Scanner) recordError(path string, err error) {
	if os.IsPermission(err) {
		s.countMu.Lock()
		s.permCount++
		s.countMu.Unlock()
		s.permErrors.Warn(s.logger, "Permission denied during scan", map[string]interface{}{
			"path": path,
		})
		return
	}
	s.logger.Warn("Scan error", map[string]interface{}{
		"path":  path,
		"error": err.Error(),
	})
}

type dirResult struct {
	subdirs []string
	files   []Entry
}

// readDir lists one directory, splitting regular files from subdirectories.
// Symlinks are skipped entirely.
func (s *Scanner) readDir(dir string) dirResult {
	var res dirResult
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.recordError(dir, err)
		return res
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.Type()&fs.ModeSymlink != 0 {
			continue
		}
		if entry.IsDir() {
			res.subdirs = append(res.subdirs, full)
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.recordError(full, err)
			continue
		}
		res.files = append(res.files, Entry{
			Path:  full,
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
	}
	return res
}

// ScanTree traverses the roots and emits batches to the sink. Returns the
// traversal summary; a sink error surfaces after the residual flush.
func (s *Scanner) ScanTree(ctx context.Context, roots []string, sink Sink, opts Options) (Result, error) {
	opts = opts.withDefaults()
	s.sink = sink
	s.batchMu.Lock()
	s.lastFlush = time.Now()
	s.batchMu.Unlock()

	// Progress line on a fixed cadence while the traversal runs.
	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(opts.LogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.countMu.Lock()
				files, bytes, dirs := s.totalFiles, s.totalBytes, s.totalDirs
				s.countMu.Unlock()
				s.logger.Info("Scan in progress", map[string]interface{}{
					"files": files,
					"bytes": bytes,
					"dirs":  dirs,
				})
			case <-progressDone:
				return
			}
		}
	}()
	defer close(progressDone)

	var pending []string
	for _, root := range roots {
		resolved := s.resolve(root)
		if s.markVisited(resolved) {
			pending = append(pending, resolved)
		}
	}

	if opts.Multithread {
		s.runPool(ctx, pending, opts)
	} else {
		s.runSequential(ctx, pending, opts)
	}

	s.batchMu.Lock()
	s.flushLocked()
	sinkErr := s.sinkErr
	batches := s.batchCount
	s.batchMu.Unlock()

	s.countMu.Lock()
	result := Result{
		TotalFiles:       s.totalFiles,
		TotalBytes:       s.totalBytes,
		DirsVisited:      s.totalDirs,
		PermissionErrors: s.permCount,
		BatchesEmitted:   batches,
		Cancelled:        s.isCancelled(),
	}
	s.countMu.Unlock()

	s.logger.Info("Scan finished", map[string]interface{}{
		"files":             result.TotalFiles,
		"bytes":             result.TotalBytes,
		"dirs":              result.DirsVisited,
		"permission_errors": result.PermissionErrors,
		"cancelled":         result.Cancelled,
	})
	return result, sinkErr
}

// runPool drives the bounded worker pool: fill workers from the pending
// FIFO, await one completion, push discovered subdirectories back.
func (s *Scanner) runPool(ctx context.Context, pending []string, opts Options) {
	results := make(chan dirResult)
	inFlight := 0

	for len(pending) > 0 || inFlight > 0 {
		for inFlight < opts.Threads && len(pending) > 0 && !s.isCancelled() && ctx.Err() == nil {
			dir := pending[0]
			pending = pending[1:]
			inFlight++
			go func(dir string) {
				results <- s.readDir(dir)
			}(dir)
		}
		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		s.countMu.Lock()
		s.totalDirs++
		s.countMu.Unlock()

		if len(res.files) > 0 {
			s.addFiles(res.files, opts.BatchThreshold, opts.FlushInterval)
		}
		if s.isCancelled() || ctx.Err() != nil {
			continue
		}
		for _, sub := range res.subdirs {
			resolved := s.resolve(sub)
			if s.markVisited(resolved) {
				pending = append(pending, resolved)
			}
		}
	}
}

// runSequential is the single-threaded traversal with identical external
// behavior.
func (s *Scanner) runSequential(ctx context.Context, pending []string, opts Options) {
	for len(pending) > 0 {
		if s.isCancelled() || ctx.Err() != nil {
			return
		}
		dir := pending[0]
		pending = pending[1:]

		res := s.readDir(dir)
		s.countMu.Lock()
		s.totalDirs++
		s.countMu.Unlock()

		if len(res.files) > 0 {
			s.addFiles(res.files, opts.BatchThreshold, opts.FlushInterval)
		}
		for _, sub := range res.subdirs {
			resolved := s.resolve(sub)
			if s.markVisited(resolved) {
				pending = append(pending, resolved)
			}
		}
	}
}
