package drive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// erasePollInterval is how often the drive is probed for readiness
	// while a long erase runs.
	erasePollInterval = 15 * time.Second

	// longEraseBudget bounds a long erase; LTO full erases run for hours
	// but not forever.
	longEraseBudget = 3 * time.Hour

	// expectedErasePolls anchors the progress estimate. A typical LTO
	// full erase finishes well inside two hours.
	expectedErasePolls = 480
)

type eraseState struct {
	running  int32
	progress int32
}

// EraseProgress returns the current erase progress in percent. 0 when no
// erase has run or the last one was cancelled; 100 after completion.
func (d *Driver) EraseProgress() int {
	return int(atomic.LoadInt32(&d.erase.progress))
}

// EraseInProgress reports whether a long erase is currently running.
func (d *Driver) EraseInProgress() bool {
	return atomic.LoadInt32(&d.erase.running) == 1
}

// EraseShort performs a short erase, which only invalidates the leading
// data and returns quickly.
func (d *Driver) EraseShort(ctx context.Context) error {
	_, err := d.runVerb(ctx, LoadUnloadTimeout, "erase", "-short")
	return err
}

// EraseLong dispatches a full erase and blocks until the drive reports
// ready again, polling every 15 seconds. Progress is estimated from poll
// count and exposed through EraseProgress; cancellation kills the child
// and resets progress to 0.
func (d *Driver) EraseLong(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.erase.running, 0, 1) {
		return fmt.Errorf("erase already running: %w", ErrInvalidState)
	}
	defer atomic.StoreInt32(&d.erase.running, 0)
	atomic.StoreInt32(&d.erase.progress, 0)

	eraseCtx, cancel := context.WithTimeout(ctx, longEraseBudget)
	defer cancel()

	// Dispatch the erase verb. The tool returns once the drive has
	// accepted the command; the medium keeps erasing afterwards.
	dispatched := make(chan error, 1)
	go func() {
		_, err := d.runVerbOnDevice(eraseCtx, longEraseBudget, d.devicePath, "erase")
		dispatched <- err
	}()

	select {
	case err := <-dispatched:
		if err != nil {
			atomic.StoreInt32(&d.erase.progress, 0)
			return fmt.Errorf("erase dispatch failed: %w", err)
		}
	case <-time.After(erasePollInterval):
		// Some drives hold the verb open for the full erase; fall
		// through to polling either way.
	case <-eraseCtx.Done():
		atomic.StoreInt32(&d.erase.progress, 0)
		return eraseCtx.Err()
	}

	polls := 0
	ticker := time.NewTicker(erasePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			polls++
			progress := polls * 99 / expectedErasePolls
			if progress > 99 {
				progress = 99
			}
			atomic.StoreInt32(&d.erase.progress, int32(progress))

			ready, err := d.TestUnitReady(eraseCtx)
			if err == nil && ready {
				atomic.StoreInt32(&d.erase.progress, 100)
				d.logger.Info("Long erase completed", map[string]interface{}{
					"device":   d.devicePath,
					"duration": (time.Duration(polls) * erasePollInterval).String(),
				})
				return nil
			}
		case <-eraseCtx.Done():
			atomic.StoreInt32(&d.erase.progress, 0)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("erase exceeded %v: %w", longEraseBudget, ErrOperationTimeout)
		}
	}
}
