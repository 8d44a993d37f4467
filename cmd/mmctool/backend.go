package main

import (
	"context"
	"fmt"
	"io"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
	"sdmmc.dev/driver/dwmmc"
	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/driver/dwmmc/sim"
	"sdmmc.dev/internal/regtrace"
	"sdmmc.dev/presence"
	"sdmmc.dev/regbus"
)

// uioDevice is a register window that delivers its own interrupts.
type uioDevice interface {
	reg.Registers
	dwmmc.Interrupter
	io.Closer
}

// openBackend opens the controller selected by opts. The card detect
// watcher runs until ctx is done.
func openBackend(ctx context.Context, opts *options) (*backend, error) {
	b := new(backend)
	cfg := dwmmc.Config{
		Log: newLogger(opts.verbose),
	}
	var regs reg.Registers
	switch opts.backend {
	case "sim":
		s := sim.New(sim.Config{})
		b.closers = append(b.closers, s)
		regs = s
		cfg.IRQ = s
		if opts.dma {
			cfg.Bus = s.Bus()
		}
	case "uio":
		d, err := openUIO(opts.dev)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, d)
		regs = d
		cfg.IRQ = d
		if opts.dma {
			cfg.Bus = physBus()
		}
	case "serial":
		if opts.dma {
			return nil, fmt.Errorf("-dma: not available over the serial bridge")
		}
		c, err := regbus.Open(opts.dev)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, c)
		regs = c
	default:
		return nil, fmt.Errorf("unknown backend: %s", opts.backend)
	}
	if opts.trace != "" {
		b.rec = regtrace.New(regs, nil)
		b.trace = opts.trace
		regs = b.rec
	}
	var watch *presence.Pin
	if opts.cd != "" {
		p, err := openDetect(opts.cd)
		if err != nil {
			b.close()
			return nil, err
		}
		watch = p
		cfg.Slots = []dwmmc.SlotConfig{{Detect: p}}
	}
	ctrl, err := dwmmc.New(regs, cfg)
	if err != nil {
		b.close()
		return nil, err
	}
	b.ctrl = ctrl
	if watch != nil {
		slot := ctrl.Slot(0)
		go watch.Watch(ctx, func(bool) { slot.CardChanged() })
	}
	return b, nil
}

func openDetect(name string) (*presence.Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("-cd: no such GPIO: %s", name)
	}
	return presence.New(pin, presence.Config{})
}
