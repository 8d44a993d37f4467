// Package regtrace records register accesses and stores them in a
// compact compressed form, for comparing controller bring-up sequences
// across runs.
package regtrace

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"sdmmc.dev/driver/dwmmc/reg"
)

// Access is a single register access.
type Access struct {
	Write bool
	// Width in bytes; 2, 4 or 8.
	Width int
	Off   uint32
	Val   uint64
}

func (a Access) String() string {
	op := "rd"
	if a.Write {
		op = "wr"
	}
	return fmt.Sprintf("%s%d %#05x %#x", op, a.Width*8, a.Off, a.Val)
}

// Recorder forwards accesses to a register block and records them.
type Recorder struct {
	regs reg.Registers

	mu       sync.Mutex
	accesses []Access
	filter   func(Access) bool
}

// New returns a recorder for regs. If filter is not nil, only the
// accesses it accepts are recorded.
func New(regs reg.Registers, filter func(Access) bool) *Recorder {
	return &Recorder{regs: regs, filter: filter}
}

func (r *Recorder) record(a Access) {
	if r.filter != nil && !r.filter(a) {
		return
	}
	r.mu.Lock()
	r.accesses = append(r.accesses, a)
	r.mu.Unlock()
}

// Accesses returns the recorded accesses and clears the record.
func (r *Recorder) Accesses() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accesses
	r.accesses = nil
	return a
}

func (r *Recorder) Read16(off uint32) uint16 {
	v := r.regs.Read16(off)
	r.record(Access{Width: 2, Off: off, Val: uint64(v)})
	return v
}

func (r *Recorder) Read32(off uint32) uint32 {
	v := r.regs.Read32(off)
	r.record(Access{Width: 4, Off: off, Val: uint64(v)})
	return v
}

func (r *Recorder) Read64(off uint32) uint64 {
	v := r.regs.Read64(off)
	r.record(Access{Width: 8, Off: off, Val: v})
	return v
}

func (r *Recorder) Write16(off uint32, val uint16) {
	r.record(Access{Write: true, Width: 2, Off: off, Val: uint64(val)})
	r.regs.Write16(off, val)
}

func (r *Recorder) Write32(off uint32, val uint32) {
	r.record(Access{Write: true, Width: 4, Off: off, Val: uint64(val)})
	r.regs.Write32(off, val)
}

func (r *Recorder) Write64(off uint32, val uint64) {
	r.record(Access{Write: true, Width: 8, Off: off, Val: val})
	r.regs.Write64(off, val)
}

// Encode writes accesses in compressed binary form to w.
func Encode(w io.Writer, accesses []Access) error {
	zw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	if _, err := zw.Write(encode(accesses)); err != nil {
		return err
	}
	return zw.Close()
}

// Decode reads accesses written by Encode.
func Decode(r io.Reader) ([]Access, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("regtrace: %w", err)
	}
	b, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("regtrace: %w", err)
	}
	return decode(b)
}

// Compare returns an error describing the first difference between
// two traces.
func Compare(got, want []Access) error {
	for i := range min(len(got), len(want)) {
		if got[i] != want[i] {
			return fmt.Errorf("access %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if len(got) != len(want) {
		return fmt.Errorf("%d accesses, want %d", len(got), len(want))
	}
	return nil
}

// encode stores each access as a header byte holding the write flag
// and width, followed by the varint offset delta from the previous
// access and the uvarint value.
func encode(accesses []Access) []byte {
	var buf []byte
	var last uint32
	for _, a := range accesses {
		h := byte(a.Width)
		if a.Write {
			h |= 1 << 7
		}
		buf = append(buf, h)
		buf = binary.AppendVarint(buf, int64(a.Off)-int64(last))
		buf = binary.AppendUvarint(buf, a.Val)
		last = a.Off
	}
	return buf
}

var errTruncated = errors.New("regtrace: truncated trace")

func decode(enc []byte) ([]Access, error) {
	var accesses []Access
	var last uint32
	for len(enc) > 0 {
		h := enc[0]
		enc = enc[1:]
		a := Access{Write: h>>7 != 0, Width: int(h & 0b1111)}
		switch a.Width {
		case 2, 4, 8:
		default:
			return nil, fmt.Errorf("regtrace: invalid access width %d", a.Width)
		}
		d, n := binary.Varint(enc)
		if n <= 0 {
			return nil, errTruncated
		}
		enc = enc[n:]
		v, n := binary.Uvarint(enc)
		if n <= 0 {
			return nil, errTruncated
		}
		enc = enc[n:]
		a.Off = uint32(int64(last) + d)
		a.Val = v
		last = a.Off
		accesses = append(accesses, a)
	}
	return accesses, nil
}
