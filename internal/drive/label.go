package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/cmdutil"
)

// labelReadTimeout bounds label reads; a stuck read returns null rather
// than blocking a task start.
const labelReadTimeout = 10 * time.Second

// labelFileName is the label file written to the root of a mounted tape
// volume.
const labelFileName = ".tapevault_label.json"

// Label is the identity record written to a cartridge.
type Label struct {
	TapeID       string `json:"tape_id"`
	Label        string `json:"label"`
	SerialNumber string `json:"serial_number,omitempty"`
	FileSystem   string `json:"file_system,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// mountUsable reports whether the configured mount point looks like a
// mounted tape volume.
func (d *Driver) mountUsable() bool {
	if d.mountPoint == "" {
		return false
	}
	info, err := os.Stat(d.mountPoint)
	return err == nil && info.IsDir()
}

// WriteTapeLabel records the cartridge identity. On a mounted volume the
// label file is written in place; otherwise the label lands as the first
// device block, where ReadTapeLabel's header fallback finds it.
func (d *Driver) WriteTapeLabel(ctx context.Context, label *Label) error {
	label.Timestamp = time.Now().Unix()

	if d.mountUsable() {
		label.FileSystem = "ltfs"
		data, err := json.MarshalIndent(label, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode label: %w", err)
		}
		path := filepath.Join(d.mountPoint, labelFileName)
		tmpPath := path + ".partial"
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write label file: %w", err)
		}
		if f, err := os.Open(tmpPath); err == nil {
			f.Sync()
			f.Close()
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to publish label file: %w", err)
		}
		return nil
	}

	return d.writeLabelBlock(ctx, label)
}

// writeLabelBlock rewinds and writes the encoded label as the first
// device block.
func (d *Driver) writeLabelBlock(ctx context.Context, label *Label) error {
	block, err := d.EncodeLabelBlock(label)
	if err != nil {
		return err
	}
	if err := d.Rewind(ctx); err != nil {
		return fmt.Errorf("failed to rewind before label write: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, labelReadTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "dd",
		"of="+d.devicePath,
		fmt.Sprintf("bs=%d", d.blockSize),
		"count=1")
	cmd.Stdin = bytes.NewReader(block)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("label write timed out: %w", ErrOperationTimeout)
		}
		if cmdutil.KilledBySignal(err) {
			return fmt.Errorf("label write interrupted: %w", ErrDeviceBusy)
		}
		return fmt.Errorf("label write failed: %s", strings.TrimSpace(string(output)))
	}
	d.logger.Info("Label block written", map[string]interface{}{
		"device":  d.devicePath,
		"tape_id": label.TapeID,
	})
	return nil
}

// FormatWithLabel formats the cartridge and bakes in the volume name and
// serial. Formatting destroys all data on the medium.
func (d *Driver) FormatWithLabel(ctx context.Context, volumeName, serial string) error {
	opCtx, cancel := context.WithTimeout(ctx, LoadUnloadTimeout)
	defer cancel()

	args := []string{"-d", d.devicePath, "-n", volumeName, "-f"}
	if serial != "" {
		args = append(args, "-s", serial)
	}
	cmd := exec.CommandContext(opCtx, "mkltfs", args...)
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("format timed out: %w", ErrOperationTimeout)
		}
		if cmdutil.KilledBySignal(err) {
			return fmt.Errorf("format interrupted: %w", ErrDeviceBusy)
		}
		return fmt.Errorf("format failed: %s", strings.TrimSpace(string(output)))
	}
	d.logger.Info("Cartridge formatted", map[string]interface{}{
		"device": d.devicePath,
		"volume": volumeName,
	})
	return nil
}

// ReadTapeLabel reads the cartridge identity. The mounted volume's label
// file is preferred; without a mount the first device block is read and
// decoded. A read that exceeds 10 seconds yields nil, not an error.
func (d *Driver) ReadTapeLabel(ctx context.Context) (*Label, error) {
	if d.mountUsable() {
		data, err := os.ReadFile(filepath.Join(d.mountPoint, labelFileName))
		if err == nil {
			var label Label
			if json.Unmarshal(data, &label) == nil && label.TapeID != "" {
				return &label, nil
			}
		}
		// Unlabeled or foreign volume; fall through to the header block.
	}

	opCtx, cancel := context.WithTimeout(ctx, labelReadTimeout)
	defer cancel()

	cmd := exec.CommandContext(opCtx, "dd",
		"if="+d.devicePath,
		fmt.Sprintf("bs=%d", d.blockSize),
		"count=1")
	cmd.Stdin = nil
	output, err := cmd.Output()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded || cmdutil.KilledBySignal(err) {
			d.logger.Debug("Label read timed out", map[string]interface{}{
				"device": d.devicePath,
			})
			return nil, nil
		}
		return nil, fmt.Errorf("label read failed: %s", cmdutil.ErrorDetail(err, nil))
	}

	return DecodeLabelBlock(output), nil
}

// DecodeLabelBlock extracts a label from a raw header block. The block is
// JSON padded with zero bytes; anything else yields nil.
func DecodeLabelBlock(block []byte) *Label {
	trimmed := strings.TrimRight(string(block), "\x00")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var label Label
	if err := json.Unmarshal([]byte(trimmed), &label); err != nil {
		return nil
	}
	if label.TapeID == "" {
		return nil
	}
	return &label
}

// EncodeLabelBlock renders a label as a device header block padded to the
// driver's block size.
func (d *Driver) EncodeLabelBlock(label *Label) ([]byte, error) {
	data, err := json.Marshal(label)
	if err != nil {
		return nil, fmt.Errorf("failed to encode label: %w", err)
	}
	if len(data) > d.blockSize {
		return nil, fmt.Errorf("label exceeds block size %d", d.blockSize)
	}
	block := make([]byte, d.blockSize)
	copy(block, data)
	return block, nil
}
