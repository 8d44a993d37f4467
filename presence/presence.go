// Package presence reports card presence from a card-detect switch
// wired to a GPIO.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

type Config struct {
	// ActiveHigh selects a switch that reads high with a card
	// inserted. By default the switch pulls the line low.
	ActiveHigh bool
	// Debounce is how long the line must be stable before a change
	// is reported. Default 10ms.
	Debounce time.Duration
}

// Pin is a debounced card-detect input. It implements
// dwmmc.CardDetector.
type Pin struct {
	pin      gpio.PinIn
	active   gpio.Level
	debounce time.Duration

	mu      sync.Mutex
	present bool
}

// idle bounds edge waits so Watch notices cancellation and recovers
// from missed edges.
const idle = 100 * time.Millisecond

// New configures p as a card-detect input.
func New(p gpio.PinIn, cfg Config) (*Pin, error) {
	pull, active := gpio.PullUp, gpio.Low
	if cfg.ActiveHigh {
		pull, active = gpio.PullDown, gpio.High
	}
	if err := p.In(pull, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("presence: %s: %w", p, err)
	}
	d := &Pin{
		pin:      p,
		active:   active,
		debounce: cfg.Debounce,
	}
	if d.debounce == 0 {
		d.debounce = 10 * time.Millisecond
	}
	d.present = d.read()
	return d, nil
}

func (d *Pin) read() bool {
	return d.pin.Read() == d.active
}

// Present returns the debounced presence.
func (d *Pin) Present() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present
}

// Watch calls changed with the new presence every time it changes,
// until ctx is done.
func (d *Pin) Watch(ctx context.Context, changed func(present bool)) {
	pending := d.Present()
	for ctx.Err() == nil {
		// Wait for an edge, or for the debounce timeout while a
		// change is pending.
		present := d.Present()
		timeout := d.debounce
		if pending == present {
			timeout = idle
		}
		if d.pin.WaitForEdge(timeout) {
			pending = d.read()
			continue
		}
		if pending == present {
			// Catch edges the driver missed.
			pending = d.read()
			continue
		}
		d.mu.Lock()
		d.present = pending
		d.mu.Unlock()
		changed(pending)
	}
}

// Fixed is a CardDetector with constant presence, for soldered eMMC
// or slots without a detect line.
type Fixed bool

func (f Fixed) Present() bool {
	return bool(f)
}
