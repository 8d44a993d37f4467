package dwmmc

import (
	"context"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"periph.io/x/conn/v3/physic"
)

// Stats counts controller activity.
type Stats struct {
	Requests   uint64 `cbor:"1,keyasint"`
	Errors     uint64 `cbor:"2,keyasint"`
	Retries    uint64 `cbor:"3,keyasint"`
	DMA        uint64 `cbor:"4,keyasint"`
	PIO        uint64 `cbor:"5,keyasint"`
	Fallbacks  uint64 `cbor:"6,keyasint"`
	Resets     uint64 `cbor:"7,keyasint"`
	Removals   uint64 `cbor:"8,keyasint"`
	Tunings    uint64 `cbor:"9,keyasint"`
	Interrupts uint64 `cbor:"10,keyasint"`
	Overflows  uint64 `cbor:"11,keyasint"`
}

// SlotState describes the settings of a slot.
type SlotState struct {
	Index   int    `cbor:"1,keyasint"`
	Present bool   `cbor:"2,keyasint"`
	Width   uint8  `cbor:"3,keyasint"`
	Timing  string `cbor:"4,keyasint"`
	// ClockHz is the card clock rate in Hz.
	ClockHz int64 `cbor:"5,keyasint"`
	// Phase is the tuned sampling phase, or -1.
	Phase  int    `cbor:"6,keyasint"`
	Bitmap uint32 `cbor:"7,keyasint,omitempty"`
}

// Snapshot is a diagnostic dump of a controller.
type Snapshot struct {
	Stats Stats       `cbor:"1,keyasint"`
	Slots []SlotState `cbor:"2,keyasint"`
}

// Stats returns the activity counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	st := c.stats
	c.mu.Unlock()
	st.Interrupts = c.nirqs.Load()
	st.Overflows = c.overflows.Load()
	return st
}

// Snapshot returns the counters and slot settings.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	// The worker may still run after a cancelled wait, so it hands its
	// result over instead of writing to snap.
	res := make(chan []SlotState, 1)
	err := c.exec(ctx, nil, func() error {
		var slots []SlotState
		for _, s := range c.slots {
			st := SlotState{
				Index:   s.index,
				Present: s.CardPresent(),
				Width:   uint8(s.width),
				Timing:  s.timing.String(),
				ClockHz: int64(s.actual / physic.Hertz),
				Phase:   -1,
			}
			if s.tuned.ok {
				st.Phase = s.tuned.phase
				st.Bitmap = s.tuned.bitmap
			}
			slots = append(slots, st)
		}
		res <- slots
		return nil
	})
	snap := Snapshot{Stats: c.Stats()}
	if err != nil {
		return snap, err
	}
	snap.Slots = <-res
	return snap, nil
}

// WriteCBOR encodes the snapshot in deterministic CBOR.
func (s Snapshot) WriteCBOR(w io.Writer) error {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return err
	}
	b, err := enc.Marshal(s)
	if err != nil {
		return fmt.Errorf("dwmmc: encode snapshot: %w", err)
	}
	_, err = w.Write(b)
	return err
}

// DecodeSnapshot decodes a snapshot written by WriteCBOR.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	mode, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := mode.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("dwmmc: decode snapshot: %w", err)
	}
	return s, nil
}
