package dwmmc

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"sdmmc.dev/driver/dwmmc/reg"
)

// clockDivider returns the CLKDIV value for the highest card clock not
// above rate. The card clock is src/(2*div), or src for div 0.
func clockDivider(src, rate physic.Frequency) uint32 {
	if rate >= src {
		return 0
	}
	div := (src + 2*rate - 1) / (2 * rate)
	return uint32(min(div, 0xff))
}

func dividedClock(src physic.Frequency, div uint32) physic.Frequency {
	if div == 0 {
		return src
	}
	return src / physic.Frequency(2*div)
}

// programClock gates the card clock of s, sets the divider and enables
// it again. Slots without an SDIO handler use low-power gating.
func (c *Controller) programClock(s *Slot) error {
	bit := uint32(0b1) << s.index
	ena := c.regs.Read32(reg.CLKENA) &^ (bit | bit<<reg.ClkenaLowPowerShift)
	c.regs.Write32(reg.CLKENA, ena)
	if err := c.updateClock(s); err != nil {
		return err
	}
	if s.rate == 0 {
		s.actual = 0
		return nil
	}
	div := clockDivider(c.cfg.Clock, s.rate)
	c.regs.Write32(reg.CLKSRC, 0)
	c.regs.Write32(reg.CLKDIV, div)
	if err := c.updateClock(s); err != nil {
		return err
	}
	ena |= bit
	if s.sdio == nil {
		ena |= bit << reg.ClkenaLowPowerShift
	}
	c.regs.Write32(reg.CLKENA, ena)
	if err := c.updateClock(s); err != nil {
		return err
	}
	if actual := dividedClock(c.cfg.Clock, div); actual != s.actual {
		c.log.Debug("card clock", "slot", s.index, "requested", s.rate, "actual", actual)
		s.actual = actual
	}
	return nil
}

// updateClock makes the controller load the clock registers.
func (c *Controller) updateClock(s *Slot) error {
	c.regs.Write32(reg.CMD, reg.CmdStart|reg.CmdUpdateClock|reg.CmdPrvDatWait|uint32(s.index)<<reg.CmdSlotShift)
	done := poll(c.cfg.ResetTimeout, func() bool {
		return c.regs.Read32(reg.CMD)&reg.CmdStart == 0
	})
	if !done {
		return fmt.Errorf("dwmmc: clock update: %w", ErrResetTimeout)
	}
	return nil
}
