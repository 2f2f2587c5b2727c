// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

//go:build linux

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tve/loraphy/sx127x"
)

// Config is the top-level configuration of the gateway.
type Config struct {
	Debug    bool          `koanf:"debug"`
	Realtime int           `koanf:"realtime"` // realtime priority of the radio threads, 0=off
	Mqtt     MqttConfig    `koanf:"mqtt"`
	Radios   []RadioConfig `koanf:"radio"`
}

// MqttConfig tells the gateway how to reach the broker.
type MqttConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	ClientID string `koanf:"client_id"` // default phygw-<hostname>
}

// RadioConfig describes one radio: how it is attached and how its modem is set up.
type RadioConfig struct {
	Prefix string `koanf:"prefix"` // MQTT topic prefix
	HAL    string `koanf:"hal"`    // periph, gpiod, or embd

	SpiDev     string   `koanf:"spi_dev"`      // periph SPI port name, "" for the first one
	SpiChannel int      `koanf:"spi_channel"`  // embd chip select
	SpiSpeed   int      `koanf:"spi_speed"`    // in Hz
	CSMuxPin   string   `koanf:"cs_mux_pin"`   // gpio selecting between two radios on one CS
	CSMuxValue int      `koanf:"cs_mux_value"` // 0 or 1
	GpioChip   string   `koanf:"gpio_chip"`    // gpiod character device
	DioPins    []string `koanf:"dio_pins"`     // pin of DIO0, DIO1, ... "" if not connected

	Freq          uint32 `koanf:"freq"`   // default frequency in Hz
	Rate          string `koanf:"rate"`   // name of an sx127x.Configs entry
	Sync          string `koanf:"sync"`   // sync word, e.g. "0x12"
	Power         int    `koanf:"power"`  // output power setting 0..15
	Listen        bool   `koanf:"listen"` // keep receiving whenever the radio is idle
	MaxPacketSize int    `koanf:"max_packet_size"`

	// A regional channel plan can be used instead of Freq and Rate.
	Band     string `koanf:"band"` // e.g. "EU868", "US915"
	Channel  int    `koanf:"channel"`
	DataRate int    `koanf:"data_rate"`
}

const envPrefix = "PHYGW_"

// loadConfig reads the TOML config file and then applies PHYGW_ environment overrides, where
// a double underscore separates levels: PHYGW_MQTT__HOST sets mqtt.host.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
		}
	}
	envKey := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}

	conf := Config{Mqtt: MqttConfig{Host: "localhost", Port: 1883}}
	if err := k.Unmarshal("", &conf); err != nil {
		return Config{}, err
	}
	for i := range conf.Radios {
		r := &conf.Radios[i]
		if r.Prefix == "" {
			r.Prefix = fmt.Sprintf("radio/%d", i)
		}
		if r.HAL == "" {
			r.HAL = "periph"
		}
		if r.SpiSpeed == 0 {
			r.SpiSpeed = 4000000
		}
		if r.GpioChip == "" {
			r.GpioChip = "gpiochip0"
		}
		if r.Power == 0 {
			r.Power = 15
		}
		switch r.HAL {
		case "periph", "gpiod", "embd":
		default:
			return Config{}, fmt.Errorf("%s: unknown hal %q", r.Prefix, r.HAL)
		}
		if r.CSMuxValue < 0 || r.CSMuxValue > 1 {
			return Config{}, fmt.Errorf("%s: cs_mux_value must be 0 or 1", r.Prefix)
		}
	}
	return conf, nil
}

// modem returns the modem configuration and the default frequency of the radio.
func (r RadioConfig) modem() (sx127x.Config, uint32, error) {
	conf := sx127x.DefaultConfig
	freq := r.Freq
	if r.Rate != "" {
		c, ok := sx127x.Configs[r.Rate]
		if !ok {
			return conf, 0, fmt.Errorf("%s: unknown rate %q", r.Prefix, r.Rate)
		}
		conf = c
	}

	if r.Band != "" {
		b, err := band.GetConfig(band.Name(r.Band), false, lorawan.DwellTimeNoLimit)
		if err != nil {
			return conf, 0, fmt.Errorf("%s: %w", r.Prefix, err)
		}
		ch, err := b.GetUplinkChannel(r.Channel)
		if err != nil {
			return conf, 0, fmt.Errorf("%s: channel %d: %w", r.Prefix, r.Channel, err)
		}
		dr, err := b.GetDataRate(r.DataRate)
		if err != nil {
			return conf, 0, fmt.Errorf("%s: data rate %d: %w", r.Prefix, r.DataRate, err)
		}
		if dr.Modulation != band.LoRaModulation {
			return conf, 0, fmt.Errorf("%s: data rate %d is not LoRa", r.Prefix, r.DataRate)
		}
		bw, ok := sx127x.BandwidthIndex(uint32(dr.Bandwidth) * 1000)
		if !ok {
			return conf, 0, fmt.Errorf("%s: unsupported bandwidth %dkHz", r.Prefix, dr.Bandwidth)
		}
		conf.Bandwidth = bw
		conf.SpreadingFactor = uint8(dr.SpreadFactor)
		conf.SyncWord = 0x34 // public network
		conf.Info = fmt.Sprintf("%s channel %d DR%d", r.Band, r.Channel, r.DataRate)
		if freq == 0 {
			freq = uint32(ch.Frequency)
		}
	}
	conf.LowDataRateOptimize = conf.SymbolPeriod() > 16*time.Millisecond

	if r.Sync != "" {
		sy, err := strconv.ParseUint(r.Sync, 0, 8)
		if err != nil {
			return conf, 0, fmt.Errorf("%s: cannot parse sync byte %s: %w", r.Prefix, r.Sync, err)
		}
		conf.SyncWord = byte(sy)
	}
	if freq == 0 {
		return conf, 0, fmt.Errorf("%s: freq or band must be specified", r.Prefix)
	}
	return conf, freq, conf.Validate()
}
