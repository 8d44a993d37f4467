package dwmmc

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

// TuningError reports a tuning run without a usable sampling phase.
type TuningError struct {
	// Bitmap has bit p set if phase p passed in the last attempt.
	Bitmap   uint32
	Phases   int
	Attempts int
}

func (e *TuningError) Error() string {
	return fmt.Sprintf("dwmmc: tuning failed after %d attempts, passing phases %0*b", e.Attempts, e.Phases, e.Bitmap)
}

func (e *TuningError) Unwrap() error {
	return mmc.ErrNoViableMode
}

// phaseBits encodes tuning phase p of n in CLKSEL. With 16 phases
// the low bit selects the fine delay.
func phaseBits(p, n int) uint32 {
	if n > 8 {
		v := uint32(p >> 1)
		if p&1 != 0 {
			v |= reg.ClkselFine
		}
		return v
	}
	return uint32(p)
}

// Tune finds the sampling phase for the current timing mode by reading
// the tuning block with opcode at every phase. A mode tuned before is
// not tuned again. Tuning failures wrap mmc.ErrNoViableMode.
func (s *Slot) Tune(ctx context.Context, opcode uint8) error {
	c := s.c
	var (
		reused   bool
		width    mmc.BusWidth
		timing   mmc.Timing
		prev     int
		divratio uint8
		saved    uint32
	)
	err := c.exec(ctx, s, func() error {
		width, timing, prev, saved = s.width, s.timing, s.lastPhase, s.phaseBits
		divratio = reg.Divratio(s.clksel())
		if !s.tuned.ok || s.tuned.timing != timing {
			return nil
		}
		reused = true
		s.phaseBits = phaseBits(s.tuned.phase, c.phases())
		s.dirty = true
		return c.setupBus(s)
	})
	if err != nil || reused {
		return err
	}
	n := c.phases()
	pattern := mmc.TuningPattern(width)
	for attempt := 1; ; attempt++ {
		bitmap, err := s.scan(ctx, opcode, n, pattern)
		if err != nil {
			s.setPhaseBits(ctx, saved)
			return err
		}
		phase, err := SelectPhase(bitmap, n, c.cfg.Tuning.minRun(divratio), prev)
		if err == nil {
			return c.exec(ctx, s, func() error {
				s.phaseBits = phaseBits(phase, n)
				s.tuned = tuning{ok: true, timing: timing, phase: phase, bitmap: bitmap}
				s.lastPhase = phase
				s.dirty = true
				c.inc(&c.stats.Tunings)
				c.log.Info("tuned", "slot", s.index, "timing", timing, "phase", phase,
					"passing", fmt.Sprintf("%0*b", n, bitmap))
				return c.setupBus(s)
			})
		}
		c.log.Debug("tuning pass failed", "slot", s.index, "attempt", attempt, "err", err)
		drive := c.cfg.Tuning.Drive
		if drive == nil || attempt > c.cfg.Tuning.DriveRetries {
			s.setPhaseBits(ctx, saved)
			return &TuningError{Bitmap: bitmap, Phases: n, Attempts: attempt}
		}
		if err := drive.SetDriveStrength(s.index, attempt); err != nil {
			return fmt.Errorf("dwmmc: tuning: drive strength: %w", err)
		}
	}
}

func (c *Controller) phases() int {
	if c.cfg.Caps.FineTuning {
		return 16
	}
	return 8
}

// scan reads the tuning block at each of n phases and returns the
// bitmap of phases that returned the pattern intact.
func (s *Slot) scan(ctx context.Context, opcode uint8, n int, pattern []byte) (uint32, error) {
	var bitmap uint32
	buf := make([]byte, len(pattern))
	for p := 0; p < n; p++ {
		if err := s.setPhaseBits(ctx, phaseBits(p, n)); err != nil {
			return 0, err
		}
		clear(buf)
		err := mmc.Do(ctx, s, mmc.NewTuningRequest(opcode, buf))
		switch {
		case err == nil && bytes.Equal(buf, pattern):
			bitmap |= 0b1 << p
		case ctx.Err() != nil:
			return 0, ctx.Err()
		case errors.Is(err, mmc.ErrNoMedium), errors.Is(err, ErrResetTimeout), errors.Is(err, ErrClosed):
			return 0, err
		}
	}
	return bitmap, nil
}

func (s *Slot) setPhaseBits(ctx context.Context, bits uint32) error {
	return s.c.exec(ctx, s, func() error {
		s.phaseBits = bits
		s.dirty = true
		return s.c.setupBus(s)
	})
}
