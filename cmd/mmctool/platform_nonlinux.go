//go:build !linux

package main

import (
	"errors"

	"sdmmc.dev/driver/dma"
)

func openUIO(dev string) (uioDevice, error) {
	return nil, errors.New("uio: not supported on this platform")
}

func physBus() dma.Bus {
	return nil
}
