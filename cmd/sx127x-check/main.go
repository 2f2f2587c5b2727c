// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Sx127x-check verifies that an sx127x radio responds on the SPI bus and dumps its registers.
package main

import (
	"flag"
	"log"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/tve/loraphy/spimux"
	"github.com/tve/loraphy/sx127x"
)

func panicIf(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	spiDev := flag.String("spi", "", "SPI port name, empty for the first one")
	selPinName := flag.String("cspin", "", "chip select mux pin name")
	sel := flag.Int("sel", 0, "chip select mux value of the radio, 0 or 1")
	regs := flag.Bool("regs", false, "dump all registers")
	flag.Parse()

	_, err := host.Init()
	panicIf(err)

	port, err := spireg.Open(*spiDev)
	panicIf(err)
	defer port.Close()
	conn, err := port.Connect(1*physic.MegaHertz, spi.Mode0, 8)
	panicIf(err)

	var bus sx127x.Bus = conn
	if *selPinName != "" {
		selPin := gpioreg.ByName(*selPinName)
		if selPin == nil {
			panic("Cannot open pin " + *selPinName)
		}
		bus = spimux.Select(conn, selPin, gpio.Level(*sel != 0))
	}

	dev, err := sx127x.New(bus, sx127x.Opts{Logger: log.Printf})
	panicIf(err)

	log.Printf("Checking sx127x on %v...", bus)
	ok, err := dev.VerifyChipIdentity()
	panicIf(err)
	if !ok {
		log.Fatalf("  oops, chip version is not 0x12")
	}
	log.Printf("  found sx1276: OK!")

	st, err := dev.Status()
	panicIf(err)
	log.Printf("  %+v", st)

	if *regs {
		panicIf(dev.LogRegs())
	}
}
