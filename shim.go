// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package loraphy

// stuff in here is a hack to be able to run the radio on boards that periph and gpiod don't
// handle, using embd instead.

import (
	"time"

	"github.com/kidoman/embd"

	"github.com/tve/loraphy/edge"
)

// EmbdSPI is an sx127x.Bus on top of an embd SPI bus.
type EmbdSPI struct {
	bus embd.SPIBus
}

// OpenEmbdSPI initializes embd's SPI driver and opens a mode 0, 8-bit bus on the channel
// (i.e. chip select).
func OpenEmbdSPI(channel byte, speedHz int) (*EmbdSPI, error) {
	if err := embd.InitSPI(); err != nil {
		return nil, err
	}
	return NewEmbdSPI(embd.NewSPIBus(embd.SPIMode0, channel, speedHz, 8, 0)), nil
}

// NewEmbdSPI wraps an already open embd bus.
func NewEmbdSPI(bus embd.SPIBus) *EmbdSPI { return &EmbdSPI{bus} }

// Tx performs a full-duplex transaction, r must be at least as long as w.
func (s *EmbdSPI) Tx(w, r []byte) error {
	copy(r, w)
	return s.bus.TransferAndReceiveData(r[:len(w)])
}

// Close closes the bus.
func (s *EmbdSPI) Close() error { return s.bus.Close() }

// WatchEmbdPin sets up a rising edge watch on a gpio pin, identified the way embd does (e.g.
// 25 or "GPIO_25"), and reports edges to the sink as DIO dio. The timestamp is taken in the
// embd callback. Closing the returned pin stops the watch.
func WatchEmbdPin(key interface{}, dio int, sink edge.Sink) (embd.DigitalPin, error) {
	if err := embd.InitGPIO(); err != nil {
		return nil, err
	}
	p, err := embd.NewDigitalPin(key)
	if err != nil {
		return nil, err
	}
	if err := watchEmbd(p, dio, sink); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func watchEmbd(p embd.DigitalPin, dio int, sink edge.Sink) error {
	if err := p.SetDirection(embd.In); err != nil {
		return err
	}
	return p.Watch(embd.EdgeRising, func(embd.DigitalPin) {
		sink.DIO(dio, time.Now())
	})
}
