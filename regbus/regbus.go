// Package regbus accesses a controller register block through a serial
// bridge, for bring-up on boards where the host cannot map the
// registers directly.
//
// A request datagram is a header byte holding the sync nibble, the
// write flag and the access width as the log2 of its byte count, a
// big endian 16-bit register offset, the value for writes and a
// CRC-8. The bridge answers with the header byte, the value for reads
// and a CRC-8.
package regbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/tarm/serial"
	"sdmmc.dev/driver/dwmmc/reg"
)

const (
	syncNibble = 0b0101 << 4
	syncMask   = 0b1111 << 4
	write      = 0b1 << 3
	widthMask  = 0b11

	// maxFrame is the longest datagram: header, offset, 64-bit value
	// and CRC.
	maxFrame = 1 + 2 + 8 + 1
)

var errSync = errors.New("regbus: invalid sync nibble")

// Client implements reg.Registers over a bridge connection. Register
// accesses can't return errors; the first failure is recorded, later
// reads return zero and Err reports it.
type Client struct {
	rw io.ReadWriter

	mu      sync.Mutex
	err     error
	scratch [maxFrame]byte
}

// New returns a client speaking the bridge protocol over rw.
func New(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// Open connects to a bridge on a serial device. An empty dev selects
// the platform default.
func Open(dev string) (*Client, error) {
	const baudRate = 921600
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/ttyUSB0", "/dev/ttyACM0")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("regbus: no device specified")
	}
	var firstErr error
	for _, dev := range devices {
		c := &serial.Config{Name: dev, Baud: baudRate, ReadTimeout: time.Second}
		s, err := serial.OpenPort(c)
		if err == nil {
			return New(s), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("regbus: %w", firstErr)
}

// Err returns the first transport error.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection if it is an io.Closer.
func (c *Client) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Client) Read16(off uint32) uint16 { return uint16(c.read(off, 2)) }
func (c *Client) Read32(off uint32) uint32 { return uint32(c.read(off, 4)) }
func (c *Client) Read64(off uint32) uint64 { return c.read(off, 8) }

func (c *Client) Write16(off uint32, val uint16) { c.write(off, 2, uint64(val)) }
func (c *Client) Write32(off uint32, val uint32) { c.write(off, 4, uint64(val)) }
func (c *Client) Write64(off uint32, val uint64) { c.write(off, 8, val) }

func (c *Client) read(off uint32, width int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0
	}
	hdr := syncNibble | widthCode(width)
	req := c.scratch[:4]
	req[0] = hdr
	binary.BigEndian.PutUint16(req[1:], uint16(off))
	req[3] = crc8(req[:3])
	if _, err := c.rw.Write(req); err != nil {
		c.err = fmt.Errorf("regbus: read %#x: %w", off, err)
		return 0
	}
	rx := c.scratch[:1+width+1]
	if _, err := io.ReadFull(c.rw, rx); err != nil {
		c.err = fmt.Errorf("regbus: read %#x: %w", off, err)
		return 0
	}
	if err := check(rx, hdr); err != nil {
		c.err = fmt.Errorf("regbus: read %#x: %w", off, err)
		return 0
	}
	return getUint(rx[1 : 1+width])
}

func (c *Client) write(off uint32, width int, val uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	hdr := syncNibble | write | widthCode(width)
	req := c.scratch[:3+width+1]
	req[0] = hdr
	binary.BigEndian.PutUint16(req[1:], uint16(off))
	putUint(req[3:3+width], val)
	req[len(req)-1] = crc8(req[:len(req)-1])
	if _, err := c.rw.Write(req); err != nil {
		c.err = fmt.Errorf("regbus: write %#x: %w", off, err)
		return
	}
	// Wait for the acknowledgement so writes stay ordered with
	// reads.
	ack := c.scratch[:2]
	if _, err := io.ReadFull(c.rw, ack); err != nil {
		c.err = fmt.Errorf("regbus: write %#x: %w", off, err)
		return
	}
	if err := check(ack, hdr); err != nil {
		c.err = fmt.Errorf("regbus: write %#x: %w", off, err)
	}
}

func check(rx []byte, hdr byte) error {
	n := len(rx)
	if crc8(rx[:n-1]) != rx[n-1] {
		return errors.New("invalid CRC for receive datagram")
	}
	if rx[0] != hdr {
		return fmt.Errorf("unexpected reply header %#x", rx[0])
	}
	return nil
}

// Serve answers bridge requests from rw with accesses to regs until rw
// reaches EOF.
func Serve(rw io.ReadWriter, regs reg.Registers) error {
	var buf [maxFrame]byte
	for {
		hdr := buf[:3]
		if _, err := io.ReadFull(rw, hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if hdr[0]&syncMask != syncNibble {
			return errSync
		}
		code := hdr[0] & widthMask
		if code == 0 {
			return fmt.Errorf("regbus: invalid access width code %d", code)
		}
		width := 1 << code
		n := 3 + 1
		if hdr[0]&write != 0 {
			n += width
		}
		req := buf[:n]
		if _, err := io.ReadFull(rw, req[3:]); err != nil {
			return err
		}
		if crc8(req[:n-1]) != req[n-1] {
			return errors.New("regbus: invalid CRC for request datagram")
		}
		off := uint32(binary.BigEndian.Uint16(req[1:]))
		var reply []byte
		if hdr[0]&write != 0 {
			val := getUint(req[3 : 3+width])
			switch width {
			case 2:
				regs.Write16(off, uint16(val))
			case 4:
				regs.Write32(off, uint32(val))
			case 8:
				regs.Write64(off, val)
			}
			reply = buf[:2]
		} else {
			var val uint64
			switch width {
			case 2:
				val = uint64(regs.Read16(off))
			case 4:
				val = uint64(regs.Read32(off))
			case 8:
				val = regs.Read64(off)
			}
			reply = buf[:1+width+1]
			putUint(reply[1:1+width], val)
		}
		reply[0] = hdr[0]
		reply[len(reply)-1] = crc8(reply[:len(reply)-1])
		if _, err := rw.Write(reply); err != nil {
			return err
		}
	}
}

// widthCode encodes an access width of 2, 4 or 8 bytes.
func widthCode(width int) byte {
	switch width {
	case 2:
		return 1
	case 4:
		return 2
	}
	return 3
}

func getUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func putUint(b []byte, v uint64) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func crc8(data []byte) byte {
	crc := byte(0)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			xor := (crc>>7)^(b&0b1) != 0
			crc <<= 1
			b >>= 1
			if xor {
				crc ^= 0b111
			}
		}
	}
	return crc
}
