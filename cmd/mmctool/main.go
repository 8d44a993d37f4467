// Command mmctool drives a DesignWare MMC controller from user space
// for bring-up and diagnostics. The controller is reached through a
// simulator, a Linux UIO device or a serial register bridge.
//
// Commands do not initialize the card; they assume the card was
// brought to transfer state by firmware or an earlier tool.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"
	"periph.io/x/conn/v3/physic"
	"sdmmc.dev/driver/dwmmc"
	"sdmmc.dev/internal/regtrace"
	"sdmmc.dev/mmc"
)

type options struct {
	backend string
	dev     string
	dma     bool
	cd      string
	trace   string
	verbose bool
	width   int
	clock   physic.Frequency
	timing  string
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.backend, "backend", "sim", "controller access (sim, uio, serial)")
	fs.StringVar(&o.dev, "dev", "", "device for the uio and serial backends")
	fs.BoolVar(&o.dma, "dma", false, "transfer with the internal DMA controller")
	fs.StringVar(&o.cd, "cd", "", "card detect GPIO name")
	fs.StringVar(&o.trace, "trace", "", "write a register access trace to `file`")
	fs.BoolVar(&o.verbose, "v", false, "log controller events")
	fs.IntVar(&o.width, "width", 1, "bus width (1, 4, 8)")
	o.clock = 400 * physic.KiloHertz
	fs.Var(&o.clock, "clock", "card clock rate")
	fs.StringVar(&o.timing, "timing", "legacy", "bus timing mode")
}

func main() {
	if err := run(os.Stdout, os.Stdin, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mmctool: %v\n", err)
		os.Exit(2)
	}
}

func run(stdout io.Writer, stdin io.Reader, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command (info, read, selftest, stats, tune, write)")
	}
	cmd := args[0]
	args = args[1:]
	var opts options
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	opts.register(fs)
	var (
		lba    uint
		blocks int
		opcode uint
	)
	switch cmd {
	case "read", "write", "selftest":
		fs.UintVar(&lba, "lba", 0, "first block")
		fs.IntVar(&blocks, "n", 1, "number of blocks")
	case "tune":
		fs.UintVar(&opcode, "opcode", mmc.SendTuningBlock, "tuning command opcode")
	case "info", "stats":
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected arguments: %v", cmd, fs.Args())
	}
	if blocks < 0 {
		return fmt.Errorf("%s: invalid block count %d", cmd, blocks)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := openBackend(ctx, &opts)
	if err != nil {
		return err
	}
	defer b.close()
	if err := configure(ctx, b.ctrl.Slot(0), &opts); err != nil {
		return err
	}

	tctx, tcancel := context.WithTimeout(ctx, 30*time.Second)
	defer tcancel()
	slot := b.ctrl.Slot(0)
	switch cmd {
	case "info":
		err = info(tctx, stdout, b.ctrl)
	case "stats":
		var snap dwmmc.Snapshot
		snap, err = b.ctrl.Snapshot(tctx)
		if err == nil {
			err = snap.WriteCBOR(stdout)
		}
	case "tune":
		err = tune(tctx, stdout, b.ctrl, uint8(opcode))
	case "read":
		buf := make([]byte, blocks*mmc.BlockSize)
		if err = mmc.ReadBlocks(tctx, slot, uint32(lba), buf); err == nil {
			_, err = stdout.Write(buf)
		}
	case "write":
		var buf []byte
		buf, err = readBlocks(stdin, blocks)
		if err == nil {
			err = mmc.WriteBlocks(tctx, slot, uint32(lba), buf)
		}
	case "selftest":
		err = selftest(tctx, stdout, slot, uint32(lba), blocks)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return b.flush()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func configure(ctx context.Context, slot *dwmmc.Slot, opts *options) error {
	t, ok := mmc.ParseTiming(opts.timing)
	if !ok {
		return fmt.Errorf("-timing: unknown mode %q", opts.timing)
	}
	if err := slot.SetTiming(ctx, t); err != nil {
		return err
	}
	if err := slot.SetBusWidth(ctx, mmc.BusWidth(opts.width)); err != nil {
		return err
	}
	return slot.SetClock(ctx, opts.clock)
}

func info(ctx context.Context, stdout io.Writer, c *dwmmc.Controller) error {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, s := range snap.Slots {
		present := "empty"
		if s.Present {
			present = "present"
		}
		fmt.Fprintf(stdout, "slot %d: %s, %d-bit %s at %v", s.Index, present, s.Width, s.Timing, physic.Frequency(s.ClockHz)*physic.Hertz)
		if s.Phase >= 0 {
			fmt.Fprintf(stdout, ", phase %d (%b)", s.Phase, s.Bitmap)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

func tune(ctx context.Context, stdout io.Writer, c *dwmmc.Controller, opcode uint8) error {
	if err := c.Slot(0).Tune(ctx, opcode); err != nil {
		return err
	}
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	s := snap.Slots[0]
	fmt.Fprintf(stdout, "phase %d passing %b\n", s.Phase, s.Bitmap)
	return nil
}

// readBlocks reads n blocks from r, padding a short final block with
// zeros.
func readBlocks(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n*mmc.BlockSize)
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return buf, err
}

// selftest writes random blocks, reads them back and compares their
// digests.
func selftest(ctx context.Context, stdout io.Writer, slot *dwmmc.Slot, lba uint32, n int) error {
	want := make([]byte, n*mmc.BlockSize)
	if _, err := io.ReadFull(rand.Reader, want); err != nil {
		return err
	}
	if err := mmc.WriteBlocks(ctx, slot, lba, want); err != nil {
		return err
	}
	got := make([]byte, len(want))
	if err := mmc.ReadBlocks(ctx, slot, lba, got); err != nil {
		return err
	}
	wsum, gsum := blake2b.Sum256(want), blake2b.Sum256(got)
	if !bytes.Equal(wsum[:], gsum[:]) {
		return fmt.Errorf("read back digest %x, wrote %x", gsum, wsum)
	}
	fmt.Fprintf(stdout, "%d blocks ok %x\n", n, wsum)
	return nil
}

// backend is an open controller with the resources behind it.
type backend struct {
	ctrl    *dwmmc.Controller
	rec     *regtrace.Recorder
	trace   string
	closers []io.Closer
}

func (b *backend) close() {
	if b.ctrl != nil {
		b.ctrl.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i].Close()
	}
}

// flush writes the register trace.
func (b *backend) flush() error {
	if b.rec == nil {
		return nil
	}
	f, err := os.Create(b.trace)
	if err != nil {
		return err
	}
	if err := regtrace.Encode(f, b.rec.Accesses()); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", b.trace, err)
	}
	return f.Close()
}
