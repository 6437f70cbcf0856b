package drive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/cmdutil"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/logging"
)

// DefaultOperationTimeout bounds routine device verbs like tur, rewind and
// qrypos so an unresponsive drive never hangs the caller.
const DefaultOperationTimeout = 30 * time.Second

// LoadUnloadTimeout covers mechanical load/unload, which can take minutes
// on a library with a picker.
const LoadUnloadTimeout = 5 * time.Minute

var (
	// ErrDriverUnavailable means the device tool binary was not found at
	// any candidate location.
	ErrDriverUnavailable = errors.New("tape device tool unavailable")
	// ErrDeviceBusy means the tool's child process was killed by a signal,
	// typically because another operation held the device.
	ErrDeviceBusy = errors.New("tape device busy")
	// ErrDriverProtocol means the tool produced output the parser could
	// not make sense of where structure was required.
	ErrDriverProtocol = errors.New("tape device tool protocol error")
	// ErrInvalidState means the requested operation violates the cartridge
	// or drive lifecycle.
	ErrInvalidState = errors.New("invalid tape state")
	// ErrOperationTimeout is returned when a device operation exceeds its
	// timeout budget.
	ErrOperationTimeout = errors.New("tape operation timed out")
)

// toolCandidates are probed in order when no explicit tool path is
// configured.
var toolCandidates = []string{
	"/usr/local/bin/itdt",
	"/opt/itdt/itdt",
	"/usr/bin/itdt",
}

// Driver wraps the external device-control tool. Every verb is one
// subprocess invocation with a timeout; cancelling the context kills the
// child.
type Driver struct {
	toolPath        string
	devicePath      string
	mountPoint      string
	blockSize       int
	genericFallback bool
	logger          *logging.Logger

	erase eraseState
}

// New locates the device tool and returns a driver bound to the configured
// device node.
func New(cfg config.Tape, logger *logging.Logger) (*Driver, error) {
	toolPath, err := locateTool(cfg.ToolPath)
	if err != nil {
		return nil, err
	}
	blockSize := cfg.DefaultBlockSize
	if blockSize <= 0 {
		blockSize = 65536
	}
	return &Driver{
		toolPath:        toolPath,
		devicePath:      NormalizeDevicePath(cfg.DevicePath),
		mountPoint:      cfg.DriveLetter,
		blockSize:       blockSize,
		genericFallback: cfg.GenericDriverFallback,
		logger:          logger,
	}, nil
}

func locateTool(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured path %s missing", ErrDriverUnavailable, configured)
	}
	if path, err := exec.LookPath("itdt"); err == nil {
		return path, nil
	}
	for _, c := range toolCandidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", ErrDriverUnavailable
}

// DevicePath returns the normalized device node the driver talks to.
func (d *Driver) DevicePath() string {
	return d.devicePath
}

// NormalizeDevicePath canonicalizes a device node reference: trailing
// colons are stripped, bare tapeN names become UNC tape paths, and a
// rewinding st node is rewritten to its non-rewinding sibling when that
// node exists.
func NormalizeDevicePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimSuffix(path, ":")
	if path == "" {
		return path
	}

	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "tape") && !strings.Contains(path, "/") && !strings.Contains(path, "\\") {
		return `\\.\` + path
	}

	// Prefer the non-rewinding node so position is preserved between verbs.
	if strings.HasPrefix(path, "/dev/st") && !strings.HasPrefix(path, "/dev/stats") {
		alt := "/dev/nst" + strings.TrimPrefix(path, "/dev/st")
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}
	return path
}

// runVerb executes one tool invocation against the bound device and
// returns the combined output.
func (d *Driver) runVerb(ctx context.Context, timeout time.Duration, verb string, args ...string) (string, error) {
	return d.runVerbOnDevice(ctx, timeout, d.devicePath, verb, args...)
}

func (d *Driver) runVerbOnDevice(ctx context.Context, timeout time.Duration, device, verb string, args ...string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := make([]string, 0, len(args)+4)
	if d.genericFallback {
		argv = append(argv, "-force-generic-dd")
	}
	argv = append(argv, "-f", device, verb)
	argv = append(argv, args...)

	cmd := exec.CommandContext(opCtx, d.toolPath, argv...)
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()

	for _, line := range strings.Split(strings.TrimRight(string(output), "\n"), "\n") {
		if line != "" {
			d.logger.Debug("Device tool output", map[string]interface{}{
				"verb": verb,
				"line": line,
			})
		}
	}

	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return string(output), fmt.Errorf("%s timed out after %v: %w", verb, timeout, ErrOperationTimeout)
		}
		if ctx.Err() != nil {
			return string(output), ctx.Err()
		}
		if cmdutil.KilledBySignal(err) {
			return string(output), fmt.Errorf("%s interrupted: %w", verb, ErrDeviceBusy)
		}
		return string(output), fmt.Errorf("%s failed: %s", verb, cmdutil.ErrorDetail(err, nil))
	}
	return string(output), nil
}

// TestUnitReady reports whether the drive answers a tur verb with success.
func (d *Driver) TestUnitReady(ctx context.Context) (bool, error) {
	_, err := d.runVerb(ctx, DefaultOperationTimeout, "tur")
	if err != nil {
		if errors.Is(err, ErrOperationTimeout) || errors.Is(err, ErrDeviceBusy) {
			return false, err
		}
		// A non-zero tur exit just means not ready.
		return false, nil
	}
	return true, nil
}

// WaitForReady polls tur once per second until the drive is ready or the
// timeout lapses.
func (d *Driver) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready, err := d.TestUnitReady(ctx)
		if err == nil && ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("drive not ready after %v: %w", timeout, ErrOperationTimeout)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Rewind moves the tape to the beginning of the medium.
func (d *Driver) Rewind(ctx context.Context) error {
	_, err := d.runVerb(ctx, LoadUnloadTimeout, "rewind")
	return err
}

// Load loads the cartridge; autoMount additionally requests an automatic
// mount on platforms with a filesystem driver.
func (d *Driver) Load(ctx context.Context, autoMount bool) error {
	args := []string{}
	if autoMount {
		args = append(args, "-amu")
	}
	_, err := d.runVerb(ctx, LoadUnloadTimeout, "load", args...)
	return err
}

// Unload ejects the cartridge from the drive.
func (d *Driver) Unload(ctx context.Context) error {
	_, err := d.runVerb(ctx, LoadUnloadTimeout, "unload")
	return err
}

// WriteFilemark writes count filemarks at the current position.
func (d *Driver) WriteFilemark(ctx context.Context, count int) error {
	if count < 1 {
		count = 1
	}
	_, err := d.runVerb(ctx, DefaultOperationTimeout, "weof", fmt.Sprintf("%d", count))
	return err
}

// QueryPosition returns the drive's reported partition, block and filemark
// position.
func (d *Driver) QueryPosition(ctx context.Context) (*Position, error) {
	output, err := d.runVerb(ctx, DefaultOperationTimeout, "qrypos")
	if err != nil {
		return nil, err
	}
	pos, perr := parsePosition(output)
	if perr != nil {
		return nil, fmt.Errorf("qrypos output unusable: %w", ErrDriverProtocol)
	}
	return pos, nil
}

// QueryPartition returns the drive's partition layout. HasPartitions is
// the authoritative signal that the cartridge is formatted.
func (d *Driver) QueryPartition(ctx context.Context) (*PartitionInfo, error) {
	output, err := d.runVerb(ctx, DefaultOperationTimeout, "qrypart")
	if err != nil {
		return nil, err
	}
	return parsePartitionInfo(output), nil
}

// TapeUsage reads the cartridge usage counters and derives a health score.
func (d *Driver) TapeUsage(ctx context.Context) (*Usage, error) {
	output, err := d.runVerb(ctx, DefaultOperationTimeout, "tapeusage")
	if err != nil {
		return nil, err
	}
	usage := parseUsage(output)
	usage.HealthScore = healthScore(usage)
	return usage, nil
}

// ScanDevices enumerates tape devices visible to the tool.
func (d *Driver) ScanDevices(ctx context.Context) ([]DeviceRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, d.toolPath, "scan", "-showallpaths")
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("scan timed out: %w", ErrOperationTimeout)
		}
		if cmdutil.KilledBySignal(err) {
			return nil, fmt.Errorf("scan interrupted: %w", ErrDeviceBusy)
		}
		// Some tool builds exit non-zero with a usable device list.
	}
	records := ParseDeviceScan(string(output))
	if len(records) == 0 && err != nil {
		return nil, fmt.Errorf("device scan failed: %s", cmdutil.ErrorDetail(err, nil))
	}
	return records, nil
}
