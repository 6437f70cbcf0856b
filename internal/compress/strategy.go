package compress

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/cmdutil"
)

// Options tune an archiver strategy.
type Options struct {
	Level          int
	Threads        int
	DictionarySize string
	Password       string
}

// Result summarizes one produced archive.
type Result struct {
	CompressedBytes int64
	InputBytes      int64
	Duration        time.Duration
}

// Strategy produces one compressed container from an input file list.
// Implementations stream their input, write to <output>.partial and
// promote atomically; cancellation kills any child process and removes
// the partial output.
type Strategy interface {
	Name() string
	Extension() string
	Compress(ctx context.Context, inputs []string, outputPath string) (*Result, error)
}

// NewStrategy selects an archiver by configured method name.
func NewStrategy(method string, opts Options) (Strategy, error) {
	switch strings.ToLower(method) {
	case "7z", "7z-command", "7zip-command":
		return &sevenZipStrategy{opts: opts}, nil
	case "pigz", "pgzip":
		return &pipelineStrategy{
			name:       "pigz",
			ext:        ".tar.gz",
			compressor: "pigz",
			args:       pigzArgs(opts),
		}, nil
	case "zstd":
		return &pipelineStrategy{
			name:       "zstd",
			ext:        ".tar.zst",
			compressor: "zstd",
			args:       zstdArgs(opts),
		}, nil
	case "tar":
		return &tarStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown compression method %q", method)
	}
}

func pigzArgs(opts Options) []string {
	args := []string{"-c"}
	if opts.Level > 0 {
		args = append(args, fmt.Sprintf("-%d", opts.Level))
	}
	if opts.Threads > 0 {
		args = append(args, "-p", fmt.Sprintf("%d", opts.Threads))
	}
	return args
}

func zstdArgs(opts Options) []string {
	args := []string{"-c"}
	if opts.Level > 0 {
		args = append(args, fmt.Sprintf("-%d", opts.Level))
	}
	if opts.Threads > 0 {
		args = append(args, fmt.Sprintf("-T%d", opts.Threads))
	}
	return args
}

// writeListFile materializes the input list for tools that take a
// file-of-files, avoiding argv length limits.
func writeListFile(dir string, inputs []string) (string, error) {
	f, err := os.CreateTemp(dir, "filelist-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create list file: %w", err)
	}
	defer f.Close()
	for _, p := range inputs {
		if _, err := fmt.Fprintln(f, p); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("failed to write list file: %w", err)
		}
	}
	return f.Name(), nil
}

func sumInputBytes(inputs []string) int64 {
	var total int64
	for _, p := range inputs {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// promotePartial fsyncs the partial output and renames it into place.
func promotePartial(partialPath, finalPath string) error {
	f, err := os.Open(partialPath)
	if err != nil {
		return fmt.Errorf("failed to reopen partial output: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync output: %w", err)
	}
	f.Close()
	if err := os.Rename(partialPath, finalPath); err != nil {
		return fmt.Errorf("failed to promote output: %w", err)
	}
	return nil
}

func cleanupPartial(partialPath string) {
	os.Remove(partialPath)
}

func classifyChildError(ctx context.Context, err error, output string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cmdutil.KilledBySignal(err) {
		return fmt.Errorf("archiver killed: %w", err)
	}
	detail := cmdutil.ErrorDetail(err, nil)
	if output != "" {
		detail = detail + ": " + strings.TrimSpace(output)
	}
	return fmt.Errorf("archiver failed: %s", detail)
}

// sevenZipStrategy shells out to the 7-Zip command line tool. Encryption,
// when requested, uses AES with encrypted headers.
type sevenZipStrategy struct {
	opts Options
}

func (s *sevenZipStrategy) Name() string      { return "7z-command" }
func (s *sevenZipStrategy) Extension() string { return ".7z" }

func (s *sevenZipStrategy) Compress(ctx context.Context, inputs []string, outputPath string) (*Result, error) {
	start := time.Now()
	inputBytes := sumInputBytes(inputs)

	listPath, err := writeListFile(filepath.Dir(outputPath), inputs)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listPath)

	partialPath := outputPath + ".partial"
	args := []string{"a", "-t7z", "-y", "-bd",
		fmt.Sprintf("-mx=%d", s.opts.Level),
	}
	if s.opts.Threads > 0 {
		args = append(args, fmt.Sprintf("-mmt=%d", s.opts.Threads))
	}
	if s.opts.DictionarySize != "" {
		args = append(args, fmt.Sprintf("-md=%s", s.opts.DictionarySize))
	}
	if s.opts.Password != "" {
		args = append(args, "-p"+s.opts.Password, "-mhe=on")
	}
	args = append(args, partialPath, "@"+listPath)

	cmd := exec.CommandContext(ctx, "7z", args...)
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()
	if err != nil {
		cleanupPartial(partialPath)
		return nil, classifyChildError(ctx, err, string(output))
	}

	if err := promotePartial(partialPath, outputPath); err != nil {
		cleanupPartial(partialPath)
		return nil, err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	return &Result{
		CompressedBytes: info.Size(),
		InputBytes:      inputBytes,
		Duration:        time.Since(start),
	}, nil
}

// pipelineStrategy streams a tar of the inputs through an external
// compressor process.
type pipelineStrategy struct {
	name       string
	ext        string
	compressor string
	args       []string
}

func (s *pipelineStrategy) Name() string      { return s.name }
func (s *pipelineStrategy) Extension() string { return s.ext }

func (s *pipelineStrategy) Compress(ctx context.Context, inputs []string, outputPath string) (*Result, error) {
	start := time.Now()
	inputBytes := sumInputBytes(inputs)

	listPath, err := writeListFile(filepath.Dir(outputPath), inputs)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listPath)

	partialPath := outputPath + ".partial"
	out, err := os.Create(partialPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	tarCmd := exec.CommandContext(ctx, "tar", "-cf", "-", "--files-from", listPath)
	tarCmd.Stdin = nil
	compCmd := exec.CommandContext(ctx, s.compressor, s.args...)

	pipe, err := tarCmd.StdoutPipe()
	if err != nil {
		out.Close()
		cleanupPartial(partialPath)
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	compCmd.Stdin = pipe
	counter := &countingWriter{w: out}
	compCmd.Stdout = counter

	if err := tarCmd.Start(); err != nil {
		out.Close()
		cleanupPartial(partialPath)
		return nil, fmt.Errorf("failed to start tar: %w", err)
	}
	if err := compCmd.Start(); err != nil {
		tarCmd.Process.Kill()
		tarCmd.Wait()
		out.Close()
		cleanupPartial(partialPath)
		return nil, fmt.Errorf("failed to start %s: %w", s.compressor, err)
	}

	tarErr := tarCmd.Wait()
	compErr := compCmd.Wait()
	out.Close()

	if tarErr != nil || compErr != nil {
		cleanupPartial(partialPath)
		if tarErr != nil {
			return nil, classifyChildError(ctx, tarErr, "")
		}
		return nil, classifyChildError(ctx, compErr, "")
	}

	if err := promotePartial(partialPath, outputPath); err != nil {
		cleanupPartial(partialPath)
		return nil, err
	}
	return &Result{
		CompressedBytes: counter.n,
		InputBytes:      inputBytes,
		Duration:        time.Since(start),
	}, nil
}

// tarStrategy packs without compression; used when the inputs are already
// compressed media.
type tarStrategy struct{}

func (s *tarStrategy) Name() string      { return "tar" }
func (s *tarStrategy) Extension() string { return ".tar" }

func (s *tarStrategy) Compress(ctx context.Context, inputs []string, outputPath string) (*Result, error) {
	start := time.Now()
	inputBytes := sumInputBytes(inputs)

	listPath, err := writeListFile(filepath.Dir(outputPath), inputs)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listPath)

	partialPath := outputPath + ".partial"
	cmd := exec.CommandContext(ctx, "tar", "-cf", partialPath, "--files-from", listPath)
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()
	if err != nil {
		cleanupPartial(partialPath)
		return nil, classifyChildError(ctx, err, string(output))
	}

	if err := promotePartial(partialPath, outputPath); err != nil {
		cleanupPartial(partialPath)
		return nil, err
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	return &Result{
		CompressedBytes: info.Size(),
		InputBytes:      inputBytes,
		Duration:        time.Since(start),
	}, nil
}

// countingWriter counts bytes flowing to the underlying writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
