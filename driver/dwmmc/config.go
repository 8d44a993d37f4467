package dwmmc

import (
	"io"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/physic"
	"sdmmc.dev/driver/dma"
)

// Config describes a controller instance. The zero value of every
// field selects a default.
type Config struct {
	// Clock is the rate of the card interface unit input clock.
	// Default 50 MHz.
	Clock physic.Frequency
	// Divratio is the CLKSEL divider ratio programmed by the platform.
	Divratio uint8
	// Bus provides DMA memory. Without it every transfer uses PIO.
	Bus dma.Bus
	// IRQ delivers controller interrupts. Without it the controller
	// polls every PollInterval.
	IRQ          Interrupter
	PollInterval time.Duration
	// FIFODepth overrides the FIFO depth read from FIFOTH.
	FIFODepth int

	// RequestTimeout bounds a request. Default 10s.
	RequestTimeout time.Duration
	// ResetTimeout bounds self-clearing resets and clock updates.
	// Default 500ms.
	ResetTimeout time.Duration
	// BusyTimeout bounds waits for the card to release data busy.
	// Default 500ms.
	BusyTimeout time.Duration

	Caps   Caps
	Tuning TuningConfig
	// Slots configures card slots. By default every slot reported by
	// HCON is used with hardware card detect.
	Slots []SlotConfig

	Log *slog.Logger
}

// Caps are controller capabilities.
type Caps struct {
	// FineTuning doubles the tuning phases with the CLKSEL fine bit.
	FineTuning bool
}

type SlotConfig struct {
	// Detect overrides the CDETECT register for card presence.
	Detect CardDetector
	// NonRemovable slots are always present.
	NonRemovable bool
}

// CardDetector reports card presence.
type CardDetector interface {
	Present() bool
}

// Interrupter delivers controller interrupts by calling the handler.
// A nil handler disables delivery.
type Interrupter interface {
	SetInterruptHandler(h func())
}

// TuningConfig parameterizes the phase tuning engine.
type TuningConfig struct {
	// MinRun maps a CLKSEL divider ratio to the minimum number of
	// consecutive passing phases accepted. Default 2.
	MinRun map[uint8]int
	// DriveRetries is the number of extra tuning passes with
	// adjusted drive strength.
	DriveRetries int
	// Drive adjusts drive strength between passes.
	Drive DriveStrength
}

// DriveStrength adjusts the card drive strength before a tuning pass.
type DriveStrength interface {
	SetDriveStrength(slot, attempt int) error
}

func (t *TuningConfig) minRun(divratio uint8) int {
	if n, ok := t.MinRun[divratio]; ok {
		return n
	}
	return 2
}

func (c *Config) setDefaults() {
	if c.Clock == 0 {
		c.Clock = 50 * physic.MegaHertz
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 500 * time.Millisecond
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 500 * time.Millisecond
	}
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}
