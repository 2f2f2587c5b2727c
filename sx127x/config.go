// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx127x

import (
	"fmt"
	"time"
)

// Config describes the LoRa modem parameters. A Config is a value: applying a new one replaces
// the previous one wholesale.
type Config struct {
	Bandwidth           uint8  `json:"bw"`             // bandwidth index 0..9 (7.8kHz..500kHz)
	CodingRate          uint8  `json:"cr"`             // 1..4 for 4/5..4/8
	SpreadingFactor     uint8  `json:"sf"`             // 6..12
	ImplicitHeader      bool   `json:"implicit"`       // implicit header mode
	TxContinuous        bool   `json:"txcont"`         // continuous tx mode (test only)
	CRC                 bool   `json:"crc"`            // enable payload CRC
	SymbolTimeout       uint16 `json:"symto"`          // single rx timeout in symbols, 4..1023
	PreambleLength      uint16 `json:"preamble"`       // preamble length in symbols
	LowDataRateOptimize bool   `json:"ldro"`           // required when symbols exceed 16ms
	AutoGainControl     bool   `json:"agc"`            // LNA gain set by the AGC loop
	SyncWord            byte   `json:"sync"`           // 0x12 private, 0x34 LoRaWAN
	Info                string `json:"info,omitempty"` // human description
}

// DefaultConfig is the configuration applied when the radio is initialized.
var DefaultConfig = Config{
	Bandwidth:       7,
	CodingRate:      1,
	SpreadingFactor: 7,
	CRC:             true,
	SymbolTimeout:   100,
	PreambleLength:  8,
	AutoGainControl: true,
	SyncWord:        0x12,
	Info:            "125kHz bw, 4/5 cr, 128 sf, 5470bps",
}

// Configs is the table of named configurations. The client can add entries.
var Configs = map[string]Config{
	// Settings borrowed from radiohead: fast for short range, intermediate, and two slow ones
	// for long range.
	"bw500cr45sf128": {Bandwidth: 9, CodingRate: 1, SpreadingFactor: 7, CRC: true,
		SymbolTimeout: 100, PreambleLength: 8, AutoGainControl: true, SyncWord: 0x12,
		Info: "500kHz bw, 4/5 cr, 128 sf, 21875bps"},
	"bw125cr45sf128": DefaultConfig,
	"bw125cr48sf4096": {Bandwidth: 7, CodingRate: 4, SpreadingFactor: 12, CRC: true,
		SymbolTimeout: 100, PreambleLength: 8, LowDataRateOptimize: true,
		AutoGainControl: true, SyncWord: 0x12, Info: "125kHz bw, 4/8 cr, 4096 sf, 183bps"},
	"bw31cr48sf512": {Bandwidth: 4, CodingRate: 4, SpreadingFactor: 9, CRC: true,
		SymbolTimeout: 100, PreambleLength: 8, AutoGainControl: true, SyncWord: 0x12,
		Info: "31.25kHz bw, 4/8 cr, 512 sf, 275bps"},
}

// Validate checks that all fields are within the range accepted by the chip.
func (c Config) Validate() error {
	switch {
	case c.Bandwidth > 9:
		return fmt.Errorf("%w: bandwidth index %d", ErrBadConfig, c.Bandwidth)
	case c.CodingRate < 1 || c.CodingRate > 4:
		return fmt.Errorf("%w: coding rate index %d", ErrBadConfig, c.CodingRate)
	case c.SpreadingFactor < 6 || c.SpreadingFactor > 12:
		return fmt.Errorf("%w: spreading factor %d", ErrBadConfig, c.SpreadingFactor)
	case c.SpreadingFactor == 6 && !c.ImplicitHeader:
		return fmt.Errorf("%w: spreading factor 6 requires implicit header", ErrBadConfig)
	case c.SymbolTimeout < 4 || c.SymbolTimeout > 1023:
		return fmt.Errorf("%w: symbol timeout %d", ErrBadConfig, c.SymbolTimeout)
	}
	return nil
}

// regs returns the values for REG_MODEMCONF1, REG_MODEMCONF2, REG_SYMBTIMEOUT, and
// REG_MODEMCONF3.
func (c Config) regs() (conf1, conf2, symTO, conf3 byte) {
	conf1 = c.Bandwidth<<4 | c.CodingRate<<1 | b2u8(c.ImplicitHeader)
	conf2 = c.SpreadingFactor<<4 | b2u8(c.TxContinuous)<<3 | b2u8(c.CRC)<<2 |
		byte(c.SymbolTimeout>>8)&3
	symTO = byte(c.SymbolTimeout)
	conf3 = b2u8(c.LowDataRateOptimize)<<3 | b2u8(c.AutoGainControl)<<2
	return
}

// SymbolPeriod returns the duration of one symbol.
func (c Config) SymbolPeriod() time.Duration {
	bw := BandwidthHz(c.Bandwidth)
	if bw == 0 {
		return 0
	}
	return time.Second * time.Duration(int64(1)<<c.SpreadingFactor) / time.Duration(bw)
}

// TimeOnAir returns the time it takes to transmit a packet with the given payload length,
// using the formula in section 4.1.1.7 of the datasheet. The 4.25 symbols of the sync word
// are rounded up to 5, so the result slightly overestimates.
func (c Config) TimeOnAir(payloadLen int) time.Duration {
	bw := BandwidthHz(c.Bandwidth)
	if bw == 0 || c.SpreadingFactor == 0 {
		return 0
	}
	sf := int64(c.SpreadingFactor)
	n := 8*int64(payloadLen) - 4*sf + 28 + 16*int64(b2u8(c.CRC)) - 20*int64(b2u8(c.ImplicitHeader))
	div := 4 * (sf - 2*int64(b2u8(c.LowDataRateOptimize)))
	if n < 0 || div <= 0 {
		n = 0
	} else {
		n = (n + div - 1) / div * (int64(c.CodingRate) + 4)
	}
	n += 8 + int64(c.PreambleLength) + 5
	return time.Second * time.Duration(n<<uint(sf)) / time.Duration(bw)
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
