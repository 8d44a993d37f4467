package dwmmc

import (
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

// Slot is a card position of a controller. It implements mmc.Host.
type Slot struct {
	c     *Controller
	index int
	cfg   SlotConfig

	// Guarded by c.mu.
	queue   []*work
	present bool

	// Owned by the worker.
	width     mmc.BusWidth
	timing    mmc.Timing
	rate      physic.Frequency
	actual    physic.Frequency
	phaseBits uint32
	tuned     tuning
	lastPhase int
	sdio      func()
	needInit  bool
	dirty     bool
}

// tuning is the result of a successful tuning run.
type tuning struct {
	ok     bool
	timing mmc.Timing
	phase  int
	bitmap uint32
}

var _ mmc.Host = (*Slot)(nil)

func newSlot(c *Controller, index int, cfg SlotConfig) *Slot {
	return &Slot{
		c:         c,
		index:     index,
		cfg:       cfg,
		width:     mmc.BusWidth1,
		lastPhase: -1,
		needInit:  true,
		dirty:     true,
	}
}

func (s *Slot) Index() int {
	return s.index
}

// Submit queues req. It never blocks; completion is reported through
// the request.
func (s *Slot) Submit(req *mmc.Request) error {
	if req == nil || req.Cmd == nil {
		return errors.New("dwmmc: request without command")
	}
	if d := req.Data; d != nil {
		if d.BlockSize <= 0 || d.BlockSize > 0xffff || d.Blocks <= 0 {
			return fmt.Errorf("dwmmc: invalid data geometry %dx%d", d.Blocks, d.BlockSize)
		}
		n := 0
		for _, b := range d.SG {
			n += len(b)
		}
		if n < d.Len() {
			return fmt.Errorf("dwmmc: scatter list holds %d of %d bytes", n, d.Len())
		}
	}
	return s.c.enqueue(s, &work{req: req}, false)
}

// CardPresent reports whether a card is in the slot.
func (s *Slot) CardPresent() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.present
}

// CardChanged tells the controller that an external card detector
// may have changed state.
func (s *Slot) CardChanged() {
	s.c.cdCheck.Store(true)
	s.c.signal()
}

func (s *Slot) SetBusWidth(ctx context.Context, w mmc.BusWidth) error {
	switch w {
	case mmc.BusWidth1, mmc.BusWidth4, mmc.BusWidth8:
	default:
		return fmt.Errorf("dwmmc: invalid bus width %d", w)
	}
	return s.c.exec(ctx, s, func() error {
		s.width = w
		s.dirty = true
		return s.c.setupBus(s)
	})
}

// SetTiming selects the bus timing mode. A tuning result for another
// mode is dropped.
func (s *Slot) SetTiming(ctx context.Context, t mmc.Timing) error {
	return s.c.exec(ctx, s, func() error {
		if err := s.c.waitNotBusy(); err != nil {
			return err
		}
		s.timing = t
		if s.tuned.ok && s.tuned.timing != t {
			s.dropTuning()
		}
		s.dirty = true
		return s.c.setupBus(s)
	})
}

func (s *Slot) SetClock(ctx context.Context, rate physic.Frequency) error {
	if rate < 0 {
		return fmt.Errorf("dwmmc: invalid clock rate %v", rate)
	}
	return s.c.exec(ctx, s, func() error {
		s.rate = rate
		s.dirty = true
		return s.c.setupBus(s)
	})
}

// SetSDIOHandler sets the function called on the worker when the card
// signals an SDIO interrupt. A nil h masks the interrupt.
func (s *Slot) SetSDIOHandler(h func()) error {
	return s.c.exec(context.Background(), s, func() error {
		s.sdio = h
		bit := uint32(reg.IntSDIO0) << s.index
		if h != nil {
			s.c.mask |= bit
		} else {
			s.c.mask &^= bit
		}
		s.c.regs.Write32(reg.INTMASK, s.c.mask)
		// Clock gating stops SDIO interrupts.
		s.dirty = true
		return s.c.setupBus(s)
	})
}

func (s *Slot) detect() bool {
	switch {
	case s.cfg.NonRemovable:
		return true
	case s.cfg.Detect != nil:
		return s.cfg.Detect.Present()
	}
	return s.c.regs.Read32(reg.CDETECT)&(0b1<<s.index) == 0
}

func (s *Slot) clksel() uint32 {
	return uint32(s.c.cfg.Divratio)<<reg.ClkselDivratioShift | s.phaseBits
}

func (s *Slot) dropTuning() {
	s.tuned = tuning{}
	s.phaseBits = 0
	s.dirty = true
}

// setupBus programs the bus settings of s if the last request was for
// another slot or the settings changed.
func (c *Controller) setupBus(s *Slot) error {
	if c.busSlot == s.index && !s.dirty {
		return nil
	}
	var ctype, uhs uint32
	for _, t := range c.slots {
		switch t.width {
		case mmc.BusWidth8:
			ctype |= 0b1 << (reg.Ctype8BitShift + t.index)
		case mmc.BusWidth4:
			ctype |= 0b1 << t.index
		}
		if t.timing.DDR() {
			uhs |= 0b1 << (reg.UhsDDRShift + t.index)
		}
	}
	c.regs.Write32(reg.CTYPE, ctype)
	c.regs.Write32(reg.UHS_REG, uhs)
	if err := c.programClock(s); err != nil {
		return err
	}
	c.regs.Write32(reg.CLKSEL, s.clksel())
	c.busSlot = s.index
	s.dirty = false
	return nil
}
