package dwmmc

import (
	"errors"
	"fmt"
	"time"

	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

// ErrResetTimeout is returned when a self-clearing reset or clock
// update does not complete. The controller is unusable until Reset
// succeeds.
var ErrResetTimeout = errors.New("dwmmc: reset timeout")

// pollInterval is the delay between register polls.
const pollInterval = 20 * time.Microsecond

// poll calls cond until it returns true or timeout passes.
func poll(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// resetCtrl asserts CTRL reset bits and waits for them to clear.
func (c *Controller) resetCtrl(mask uint32) error {
	c.regs.Write32(reg.CTRL, c.regs.Read32(reg.CTRL)|mask)
	cleared := poll(c.cfg.ResetTimeout, func() bool {
		return c.regs.Read32(reg.CTRL)&mask == 0
	})
	if !cleared {
		return fmt.Errorf("dwmmc: ctrl reset %#x: %w", mask, ErrResetTimeout)
	}
	return nil
}

func (c *Controller) resetFIFO() error {
	return c.resetCtrl(reg.CtrlFIFOReset)
}

// resetDMA stops the IDMAC and releases its chain once the DMA
// interface reset completed. On timeout the chain stays armed.
func (c *Controller) resetDMA() error {
	if c.ring != nil {
		c.ring.stop()
	}
	if err := c.resetCtrl(reg.CtrlDMAReset); err != nil {
		return err
	}
	if c.ring != nil {
		return c.ring.release()
	}
	return nil
}

// resetController resets the controller, FIFO and DMA interface and
// restores the configuration the reset discards.
func (c *Controller) resetController() error {
	c.inc(&c.stats.Resets)
	if c.ring != nil {
		c.ring.stop()
	}
	if err := c.resetCtrl(reg.CtrlAllResets); err != nil {
		return err
	}
	if c.ring != nil {
		if err := c.ring.release(); err != nil {
			c.log.Warn("dma unmap failed", "err", err)
		}
	}
	c.pio.stop()
	c.mask &^= reg.IntRXDR | reg.IntTXDR
	c.regs.Write32(reg.RINTSTS, reg.IntAll&^(reg.IntCD|reg.IntSDIOMask))
	c.regs.Write32(reg.IDSTS, reg.IdmacAll)
	c.regs.Write32(reg.INTMASK, c.mask)
	c.regs.Write32(reg.FIFOTH, c.fifoth)
	c.regs.Write32(reg.TMOUT, reg.TmoutMax)
	c.regs.Write32(reg.CTRL, c.regs.Read32(reg.CTRL)|reg.CtrlIntEnable)
	if c.ring != nil {
		c.regs.Write32(reg.IDINTEN, reg.IdmacAll)
	}
	// The card clock must be reprogrammed before the next command.
	c.busSlot = -1
	return nil
}

// quiesce stops the data path.
func (c *Controller) quiesce() error {
	var err error
	if c.ring != nil {
		err = c.resetDMA()
	}
	c.pio.stop()
	c.setPIOMask(0)
	c.regs.Write32(reg.RINTSTS, dataInts)
	return err
}

// recover returns the controller to a state where the next command can
// be issued. FIFO reset failures escalate to a controller reset.
func (c *Controller) recover(full bool) error {
	if err := c.quiesce(); err != nil {
		c.log.Warn("dma reset failed", "err", err)
		full = true
	}
	if !full {
		err := c.resetFIFO()
		if err == nil {
			return nil
		}
		c.log.Warn("fifo reset failed", "err", err)
	}
	return c.resetController()
}

// waitNotBusy waits for the card to release the data line. On
// timeout the controller is reset and the wait repeated once.
func (c *Controller) waitNotBusy() error {
	idle := func() bool {
		return c.regs.Read32(reg.STATUS)&reg.StatusDataBusy == 0
	}
	if poll(c.cfg.BusyTimeout, idle) {
		return nil
	}
	c.log.Warn("card busy, resetting controller")
	if err := c.resetController(); err != nil {
		return err
	}
	if poll(c.cfg.BusyTimeout, idle) {
		return nil
	}
	return fmt.Errorf("dwmmc: data busy: %w", mmc.ErrBusy)
}
