// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

//go:build linux

package main

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/tve/loraphy"
	"github.com/tve/loraphy/edge"
	"github.com/tve/loraphy/phy"
	"github.com/tve/loraphy/spimux"
	"github.com/tve/loraphy/sx127x"
	"github.com/tve/loraphy/thread"
)

// muxes holds the connection pairs of muxed SPI buses so the second radio on a bus shares
// the lock of the first.
type muxes map[string][2]*spimux.Conn

func muxKey(r RadioConfig) string { return r.SpiDev + "/" + r.CSMuxPin }

// openBus opens the SPI bus of a radio, going through a chip select mux if one is configured.
func openBus(r RadioConfig, mx muxes) (sx127x.Bus, error) {
	if r.HAL == "embd" {
		if r.CSMuxPin != "" {
			return nil, fmt.Errorf("%s: cs mux is not supported with embd", r.Prefix)
		}
		return loraphy.OpenEmbdSPI(byte(r.SpiChannel), r.SpiSpeed)
	}

	if pair, ok := mx[muxKey(r)]; ok && r.CSMuxPin != "" {
		return pair[r.CSMuxValue], nil
	}
	port, err := spireg.Open(r.SpiDev)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot open SPI %q: %w", r.Prefix, r.SpiDev, err)
	}
	conn, err := port.Connect(physic.Frequency(r.SpiSpeed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("%s: cannot connect to SPI %q: %w", r.Prefix, r.SpiDev, err)
	}
	if r.CSMuxPin == "" {
		return conn, nil
	}
	selPin := gpioreg.ByName(r.CSMuxPin)
	if selPin == nil {
		return nil, fmt.Errorf("%s: cannot open pin %s", r.Prefix, r.CSMuxPin)
	}
	lo, hi := spimux.New(conn, selPin)
	mx[muxKey(r)] = [2]*spimux.Conn{lo, hi}
	if r.CSMuxValue == 1 {
		return hi, nil
	}
	return lo, nil
}

// watchDios hooks each configured DIO pin to the PHY.
func watchDios(ctx context.Context, r RadioConfig, p *phy.PHY, logger LogPrintf) error {
	for dio, name := range r.DioPins {
		if name == "" {
			continue
		}
		switch r.HAL {
		case "periph":
			pin := gpioreg.ByName(name)
			if pin == nil {
				return fmt.Errorf("%s: cannot open pin %s", r.Prefix, name)
			}
			go func(pin gpio.PinIO, dio int) {
				err := edge.WatchPin(ctx, pin, dio, p, 0, edge.LogPrintf(logger))
				if err != nil && ctx.Err() == nil {
					log.Printf("%s: DIO%d: %s", r.Prefix, dio, err)
				}
			}(pin, dio)
		case "gpiod":
			offset, err := strconv.Atoi(name)
			if err != nil {
				return fmt.Errorf("%s: gpiod pins are line offsets: %w", r.Prefix, err)
			}
			l, err := edge.WatchLine(r.GpioChip, offset, dio, p, edge.LogPrintf(logger))
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				l.Close()
			}()
		case "embd":
			pin, err := loraphy.WatchEmbdPin(name, dio, p)
			if err != nil {
				return fmt.Errorf("%s: DIO%d: %w", r.Prefix, dio, err)
			}
			go func() {
				<-ctx.Done()
				pin.Close()
			}()
		}
	}
	return nil
}

// startRadio opens a radio, starts its PHY and connects it to MQTT.
func startRadio(ctx context.Context, r RadioConfig, mx muxes, mq broker, realtime int,
	logger LogPrintf,
) error {
	conf, freq, err := r.modem()
	if err != nil {
		return err
	}
	bus, err := openBus(r, mx)
	if err != nil {
		return err
	}
	log.Printf("%s: initializing LoRa radio at %.3fMHz (%s)", r.Prefix, float64(freq)/1e6, conf.Info)
	p, err := phy.New(bus, phy.Opts{
		Config:        conf,
		MaxPacketSize: r.MaxPacketSize,
		Power:         byte(r.Power),
		Logger:        phy.LogPrintf(logger),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", r.Prefix, err)
	}
	if err := watchDios(ctx, r, p, logger); err != nil {
		return err
	}

	gw := newGateway(r.Prefix, p, mq, freq, r.Listen, logger)
	if err := gw.subscribe(); err != nil {
		return fmt.Errorf("%s: %w", r.Prefix, err)
	}
	go gw.forward(ctx)

	go func() {
		if realtime > 0 {
			if err := thread.Realtime(realtime); err != nil {
				log.Printf("%s: cannot switch to realtime scheduling: %s", r.Prefix, err)
			}
		}
		p.Run(ctx)
		log.Printf("%s: radio stopped", r.Prefix)
	}()
	return nil
}
