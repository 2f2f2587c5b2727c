// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Phy-test exercises a radio through the PHY: "phy-test tx" sends a few packets, anything else
// receives and prints packets until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/tve/loraphy/edge"
	"github.com/tve/loraphy/hsm"
	"github.com/tve/loraphy/phy"
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
	sel := flag.Int("sel", 1, "chip select mux value of the radio")
	dioPins := flag.String("dio", "XIO-P1", "comma separated DIO0,DIO1,.. pin names")
	freq := flag.Uint("freq", 434000000, "frequency in Hz")
	rate := flag.String("rate", "bw500cr45sf128", "modem configuration")
	count := flag.Int("n", 2, "number of packets to send")
	flag.Parse()

	_, err := host.Init()
	panicIf(err)

	port, err := spireg.Open(*spiDev)
	panicIf(err)
	defer port.Close()
	conn, err := port.Connect(4*physic.MegaHertz, spi.Mode0, 8)
	panicIf(err)
	var bus sx127x.Bus = conn
	if *selPinName != "" {
		selPin := gpioreg.ByName(*selPinName)
		if selPin == nil {
			panic("Cannot open pin " + *selPinName)
		}
		bus = spimux.Select(conn, selPin, gpio.Level(*sel != 0))
	}

	conf, ok := sx127x.Configs[*rate]
	if !ok {
		panic("Unknown rate " + *rate)
	}
	conf.SyncWord = 0x06

	log.Printf("Initializing LoRA radio...")
	t0 := time.Now()
	radio, err := phy.New(bus, phy.Opts{Config: conf, Logger: log.Printf})
	panicIf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	for dio, name := range strings.Split(*dioPins, ",") {
		if name == "" {
			continue
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			panic("Cannot open pin " + name)
		}
		go edge.WatchPin(ctx, pin, dio, radio, 0, log.Printf)
	}

	events := make(hsm.Queue, 10)
	for _, sig := range []hsm.Signal{phy.SigRxData, phy.SigTxDone, phy.SigError, phy.SigIdle} {
		radio.Bus().Subscribe(sig, events)
	}
	go radio.Run(ctx)

	// Wait for the radio to come out of initialization.
	for e := range events {
		if e.Sig == phy.SigIdle {
			break
		}
	}
	log.Printf("Ready (%.1fms)", time.Since(t0).Seconds()*1000)

	if flag.Arg(0) == "tx" {
		for i := 1; i <= *count; i++ {
			log.Printf("Sending packet %d ...", i)
			t0 = time.Now()
			msg := fmt.Sprintf("\x01Hello %03d", i)
			panicIf(radio.Transmit(phy.TransmitRequest{Freq: uint32(*freq), Payload: []byte(msg)}))
			for e := range events {
				if e.Sig == phy.SigTxDone {
					break
				}
				if e.Sig == phy.SigError {
					panic(e.Value)
				}
			}
			log.Printf("Sent in %.1fms", time.Since(t0).Seconds()*1000)
			time.Sleep(100 * time.Millisecond)
		}
		log.Printf("Bye... %+v", radio.Stats())
		return
	}

	log.Printf("Receiving packets ...")
	panicIf(radio.Receive(phy.ReceiveRequest{Freq: uint32(*freq), Continuous: true}))
	for {
		select {
		case <-ctx.Done():
			log.Printf("Bye... %+v", radio.Stats())
			return
		case e := <-events:
			switch e.Sig {
			case phy.SigRxData:
				pkt := e.Value.(phy.ReceivedPacket)
				log.Printf("Got len=%d snr=%.1fdB rssi=%ddBm %q",
					len(pkt.Payload), pkt.SNR, pkt.RSSI, string(pkt.Payload))
			case phy.SigError:
				log.Printf("Error: %s", e.Value)
			case phy.SigIdle:
				panicIf(radio.Receive(phy.ReceiveRequest{Freq: uint32(*freq), Continuous: true}))
			}
		}
	}
}
