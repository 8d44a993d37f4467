package main

import (
	"sdmmc.dev/driver/dma"
	"sdmmc.dev/uio"
)

func openUIO(dev string) (uioDevice, error) {
	if dev == "" {
		dev = "/dev/uio0"
	}
	d, err := uio.Open(dev)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func physBus() dma.Bus {
	return dma.Pool{}
}
