// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

//go:build linux

// Phygw bridges one or more LoRa radios to an MQTT broker. Each radio is driven by a PHY state
// machine; received packets get published to <prefix>/rx and packets published to <prefix>/tx
// get transmitted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	_ "github.com/kidoman/embd/host/all"
	"periph.io/x/host/v3"

	"github.com/tve/loraphy/sx127x"
)

// LogPrintf is a function used for debug logging, nil disables it.
type LogPrintf func(format string, v ...interface{})

func main() {
	configFile := flag.String("config", "/etc/phygw.toml", "path to the TOML config file")
	debug := flag.Bool("debug", false, "enable debug output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s:\n", os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, "Valid modulation/rates for LoRa:\n")
		configs := make([]string, 0, len(sx127x.Configs))
		for r := range sx127x.Configs {
			configs = append(configs, r)
		}
		sort.Strings(configs)
		for _, c := range configs {
			fmt.Fprintf(os.Stderr, "  %-20s: %s\n", c, sx127x.Configs[c].Info)
		}
		os.Exit(1)
	}
	flag.Parse()

	conf, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot load config: %s\n", err)
		os.Exit(1)
	}
	if len(conf.Radios) == 0 {
		fmt.Fprintf(os.Stderr, "No radio configured in %s\n", *configFile)
		os.Exit(1)
	}

	var logger LogPrintf
	if *debug || conf.Debug {
		logger = log.Printf
	}

	mq, err := newMQ(conf.Mqtt, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to MQTT broker: %s\n", err)
		os.Exit(2)
	}

	for _, r := range conf.Radios {
		if r.HAL != "embd" {
			if _, err := host.Init(); err != nil {
				fmt.Fprintf(os.Stderr, "Cannot initialize periph: %s\n", err)
				os.Exit(2)
			}
			break
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mx := make(muxes)
	for _, r := range conf.Radios {
		if err := startRadio(ctx, r, mx, mq, conf.Realtime, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Exiting due to error: %s\n", err)
			os.Exit(2)
		}
	}
	log.Printf("Gateway is ready")
	<-ctx.Done()
	log.Printf("Gateway exiting")
}
