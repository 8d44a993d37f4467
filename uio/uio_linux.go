package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"sdmmc.dev/driver/dwmmc/reg"
)

// Device is an open UIO device. Its register window implements
// reg.Registers and it delivers interrupts as a dwmmc.Interrupter.
type Device struct {
	*MMIO

	fd   int
	mmap []byte

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// pollTimeout bounds each interrupt wait in milliseconds, so a handler
// change is noticed.
const pollTimeout = 100

// Open maps the first memory region of the UIO device dev, such as
// /dev/uio0.
func Open(dev string) (*Device, error) {
	fd, err := unix.Open(dev, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: %s: %w", dev, err)
	}
	mmap, err := unix.Mmap(fd, 0, reg.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uio: %s: register mmap failed: %w", dev, err)
	}
	return &Device{
		MMIO: NewMMIO(mmap),
		fd:   fd,
		mmap: mmap,
	}, nil
}

// SetInterruptHandler starts delivering interrupts to h, or stops
// delivery if h is nil.
func (d *Device) SetInterruptHandler(h func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		<-d.done
		d.stop, d.done = nil, nil
	}
	if h == nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.wait(h, d.stop, d.done)
}

func (d *Device) wait(h func(), stop, done chan struct{}) {
	defer close(done)
	var buf [4]byte
	for {
		// The UIO driver masks the line after each interrupt;
		// writing 1 unmasks it.
		binary.NativeEndian.PutUint32(buf[:], 1)
		if _, err := unix.Write(d.fd, buf[:]); err != nil {
			return
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, pollTimeout)
			if err != nil && !errors.Is(err, unix.EINTR) {
				return
			}
			if n > 0 {
				break
			}
		}
		if _, err := unix.Read(d.fd, buf[:]); err != nil {
			return
		}
		h()
	}
}

// Close stops interrupt delivery and unmaps the registers.
func (d *Device) Close() error {
	d.SetInterruptHandler(nil)
	err := unix.Munmap(d.mmap)
	if cerr := unix.Close(d.fd); err == nil {
		err = cerr
	}
	return err
}
