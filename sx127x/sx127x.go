// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// The sx127x package drives a Semtech SX1276/77/78/79 LoRa radio (HopeRF RFM9x and similar
// modules) at the register level over an SPI bus.
//
// The Dev type turns semantic radio operations (set the frequency, change the operating mode,
// load the FIFO, manage the interrupt mask and the DIO pin functions) into bus transactions.
// It holds no state other than the cached DIO mapping and the bandwidth index of the last
// configuration applied, which the errata 2.3 receive frequency correction needs. It does not
// sequence operations: that is the job of the phy package.
//
// All operations return a *BusError if the underlying transport fails. Errors are not retried
// here. Dev is not safe for concurrent use: it is meant to be owned by a single goroutine.
//
// Limitations
//
// Only the LoRa modem is driven, the FSK/OOK modems can be selected but not configured.
// Frequency hopping is not supported.
package sx127x

import (
	"errors"
	"fmt"
	"strings"
)

// Bus is the SPI transport used to access the chip. Tx performs a full-duplex transaction
// with chip select asserted for its duration. periph.io spi.Conn satisfies it.
type Bus interface {
	Tx(w, r []byte) error
}

// LogPrintf is a function used by the driver to print logging info.
type LogPrintf func(format string, v ...interface{})

// Errors reported synchronously for bad arguments.
var (
	ErrBadMode         = errors.New("sx127x: bad operating mode")
	ErrBadModem        = errors.New("sx127x: bad modem")
	ErrBadConfig       = errors.New("sx127x: bad configuration")
	ErrBadFrequency    = errors.New("sx127x: frequency out of range")
	ErrBadDio          = errors.New("sx127x: bad DIO mapping")
	ErrPayloadTooLarge = errors.New("sx127x: payload too large")
	ErrBadPacketSize   = errors.New("sx127x: max packet size must be 128 or 256")
	ErrChipAbsent      = errors.New("sx127x: chip not detected")
)

// BusError records a failed SPI transaction.
type BusError struct {
	Op  string // "read" or "write"
	Reg byte   // first register of the transaction
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("sx127x: %s reg %#04x: %v", e.Op, e.Reg, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// Mode is the chip's operating mode, the low 3 bits of REG_OPMODE.
type Mode byte

const (
	ModeSleep Mode = iota
	ModeStandby
	ModeFSTx // frequency synthesis TX
	ModeTx
	ModeFSRx // frequency synthesis RX
	ModeRxContinuous
	ModeRxSingle
	ModeCAD // channel activity detection
)

var modeNames = [8]string{"sleep", "stdby", "fstx", "tx", "fsrx", "rxcont", "rxonce", "cad"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", byte(m))
}

// ParseMode converts a mode name into a Mode. In addition to the names returned by String it
// accepts "standby" and "rx".
func ParseMode(name string) (Mode, error) {
	switch n := strings.ToLower(name); n {
	case "standby":
		return ModeStandby, nil
	case "rx":
		return ModeRxSingle, nil
	default:
		for i, mn := range modeNames {
			if mn == n {
				return Mode(i), nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrBadMode, name)
}

// Modem selects the modem family in bits 7..5 of REG_OPMODE.
type Modem byte

const (
	ModemFSK  Modem = 0x00
	ModemOOK  Modem = 0x20
	ModemLoRa Modem = 0x80
)

// Direction selects whether a frequency is set up to transmit or to receive.
type Direction int

const (
	Tx Direction = iota
	Rx
)

// Opts contains options used when creating a Dev.
type Opts struct {
	MaxPacketSize int       // 256 (default) or 128 to split the FIFO between tx and rx
	Logger        LogPrintf // function to use for logging
}

// Dev is a handle onto one SX127x chip.
type Dev struct {
	bus       Bus
	maxPkt    int
	txBase    byte       // FIFO offset where tx payloads are placed
	bandwidth uint8      // bandwidth index of the last config applied, for the rx errata
	dio       DioMapping // cached copy of REG_DIOMAPPING1/2
	log       LogPrintf
}

// New returns a Dev that uses the bus to talk to the chip. No bus transaction is made.
func New(bus Bus, opts Opts) (*Dev, error) {
	d := &Dev{
		bus:       bus,
		maxPkt:    256,
		bandwidth: DefaultConfig.Bandwidth,
		log:       func(format string, v ...interface{}) {},
	}
	switch opts.MaxPacketSize {
	case 0, 256:
	case 128:
		d.maxPkt = 128
		d.txBase = 0x80
	default:
		return nil, ErrBadPacketSize
	}
	if opts.Logger != nil {
		d.log = opts.Logger
	}
	return d, nil
}

// SetLogger sets a logging function, nil may be used to disable logging, which is the default.
func (d *Dev) SetLogger(l LogPrintf) {
	if l != nil {
		d.log = l
	} else {
		d.log = func(format string, v ...interface{}) {}
	}
}

// MaxPacketSize returns the largest payload SetTxPayload accepts.
func (d *Dev) MaxPacketSize() int { return d.maxPkt }

// VerifyChipIdentity reads REG_VERSION and returns true if it holds the SX127x silicon
// version. This is the only health check, there is no retry.
func (d *Dev) VerifyChipIdentity() (bool, error) {
	v, err := d.readReg(REG_VERSION)
	if err != nil {
		return false, err
	}
	if v != expectedVersion {
		d.log("sx127x: version %#x, expected %#x", v, expectedVersion)
		return false, nil
	}
	return true, nil
}

// OpMode reads the current operating mode.
func (d *Dev) OpMode() (Mode, error) {
	v, err := d.readReg(REG_OPMODE)
	return Mode(v & opModeModeMask), err
}

// SetOpMode changes the operating mode without touching the other bits of REG_OPMODE.
func (d *Dev) SetOpMode(m Mode) error {
	if m > ModeCAD {
		return fmt.Errorf("%w: %d", ErrBadMode, byte(m))
	}
	v, err := d.readReg(REG_OPMODE)
	if err != nil {
		return err
	}
	return d.writeReg(REG_OPMODE, v&^opModeModeMask|byte(m))
}

// SetModem selects the modem family. The chip only accepts this in sleep mode, so the mode
// is forced to sleep and restored afterwards.
func (d *Dev) SetModem(modem Modem) error {
	if modem != ModemFSK && modem != ModemOOK && modem != ModemLoRa {
		return fmt.Errorf("%w: %#x", ErrBadModem, byte(modem))
	}
	return d.inSleep(func() error {
		v, err := d.readReg(REG_OPMODE)
		if err != nil {
			return err
		}
		return d.writeReg(REG_OPMODE, v&^opModeModemMask|byte(modem))
	})
}

// ApplyConfig writes the modem configuration. The chip is put to sleep for the duration and
// the previous mode is restored.
func (d *Dev) ApplyConfig(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	conf1, conf2, symTO, conf3 := c.regs()
	err := d.inSleep(func() error {
		if err := d.writeReg(REG_MODEMCONF1, conf1, conf2, symTO); err != nil {
			return err
		}
		if err := d.writeReg(REG_PREAMBLE, byte(c.PreambleLength>>8), byte(c.PreambleLength)); err != nil {
			return err
		}
		if err := d.writeReg(REG_MODEMCONF3, conf3); err != nil {
			return err
		}
		return d.writeReg(REG_SYNC, c.SyncWord)
	})
	if err != nil {
		return err
	}
	d.bandwidth = c.Bandwidth
	return nil
}

// inSleep runs f with the chip in sleep mode and then restores the prior mode.
func (d *Dev) inSleep(f func() error) error {
	mode, err := d.OpMode()
	if err != nil {
		return err
	}
	if mode != ModeSleep {
		if err := d.SetOpMode(ModeSleep); err != nil {
			return err
		}
	}
	if err := f(); err != nil {
		return err
	}
	if mode != ModeSleep {
		return d.SetOpMode(mode)
	}
	return nil
}

// ReadDioMapping loads the DIO mapping cache from the chip.
func (d *Dev) ReadDioMapping() error {
	var buf [2]byte
	if err := d.readRegs(REG_DIOMAPPING1, buf[:]); err != nil {
		return err
	}
	d.dio = dioMappingFromRegs(buf[0], buf[1])
	return nil
}

// DioMapping returns the cached DIO mapping.
func (d *Dev) DioMapping() DioMapping { return d.dio }

// SetDioMapping merges the update into the cached mapping and writes both mapping registers.
func (d *Dev) SetDioMapping(u DioUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m := d.dio.Merge(u)
	regs := m.Regs()
	if err := d.writeReg(REG_DIOMAPPING1, regs[0], regs[1]); err != nil {
		return err
	}
	d.dio = m
	return nil
}

// DioSource returns the interrupt source currently routed to a DIO pin.
func (d *Dev) DioSource(pin int) IRQFlags { return DioSource(d.dio, pin) }

// SetTxPayload writes the payload length, points the FIFO and the tx base at the tx region,
// and loads the payload into the FIFO.
func (d *Dev) SetTxPayload(payload []byte) error {
	if len(payload) > d.maxPkt || len(payload) > 255 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if err := d.writeReg(REG_PAYLENGTH, byte(len(payload))); err != nil {
		return err
	}
	if err := d.writeReg(REG_FIFOPTR, d.txBase, d.txBase); err != nil {
		return err
	}
	return d.writeReg(REG_FIFO, payload...)
}

// SetRxFifoBase sets the rx base address and points the FIFO there.
func (d *Dev) SetRxFifoBase(offset byte) error {
	if err := d.writeReg(REG_FIFORXBASE, offset); err != nil {
		return err
	}
	return d.writeReg(REG_FIFOPTR, offset)
}

// FrfFromHz converts a frequency into the 24-bit value of the REG_FRF registers, rounding to
// the nearest step of 32MHz/2^19 (61.035Hz).
func FrfFromHz(hz uint32) uint32 {
	return uint32((uint64(hz)<<19 + fxosc/2) / fxosc)
}

// HzFromFrf is the inverse of FrfFromHz.
func HzFromFrf(frf uint32) uint32 {
	return uint32((uint64(frf)*fxosc + 1<<18) >> 19)
}

// SetFrequency sets the carrier frequency. For Rx the errata 2.3 offset for the configured
// bandwidth is added and the IF registers are adjusted.
func (d *Dev) SetFrequency(hz uint32, dir Direction) error {
	if hz <= MinFrequency || hz >= MaxFrequency {
		return fmt.Errorf("%w: %dHz", ErrBadFrequency, hz)
	}
	if dir == Rx {
		hz += RxOffset(d.bandwidth)
	}
	frf := FrfFromHz(hz)
	if err := d.writeReg(REG_FRFMSB, byte(frf>>16), byte(frf>>8), byte(frf)); err != nil {
		return err
	}
	d.log("sx127x: freq %dHz -> %#06x", hz, frf)
	if dir != Rx {
		return nil
	}

	v, err := d.readReg(REG_DETECTOPT)
	if err != nil {
		return err
	}
	if d.bandwidth == bw500 {
		return d.writeReg(REG_DETECTOPT, v|detectOptAutoIF)
	}
	if err := d.writeReg(REG_DETECTOPT, v&^detectOptAutoIF); err != nil {
		return err
	}
	return d.writeReg(REG_IFFREQ2, ifFreq2[d.bandwidth], 0)
}

// Frequency reads back the carrier frequency. After a receive setup it includes the errata
// offset.
func (d *Dev) Frequency() (uint32, error) {
	var buf [3]byte
	if err := d.readRegs(REG_FRFMSB, buf[:]); err != nil {
		return 0, err
	}
	return HzFromFrf(uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])), nil
}

// EnableIRQs unmasks the given interrupts and masks all others.
func (d *Dev) EnableIRQs(f IRQFlags) error { return d.writeReg(REG_IRQMASK, byte(^f)) }

// DisableIRQs masks the given interrupts and unmasks all others, use IRQAll to mask all.
func (d *Dev) DisableIRQs(f IRQFlags) error { return d.writeReg(REG_IRQMASK, byte(f)) }

// ClearIRQs acknowledges the given interrupt flags.
func (d *Dev) ClearIRQs(f IRQFlags) error { return d.writeReg(REG_IRQFLAGS, byte(f)) }

// IRQFlags reads the pending interrupt flags.
func (d *Dev) IRQFlags() (IRQFlags, error) {
	v, err := d.readReg(REG_IRQFLAGS)
	return IRQFlags(v), err
}

// CheckAndClearRxResult reads the interrupt flags once, acknowledges the receive related ones
// that are set, and returns true if a packet was received without timeout or CRC error.
func (d *Dev) CheckAndClearRxResult() (bool, error) {
	f, err := d.IRQFlags()
	if err != nil {
		return false, err
	}
	f &= IRQRx
	if err := d.ClearIRQs(f); err != nil {
		return false, err
	}
	if f.Any(IRQRxTimeout | IRQPayloadCRCError) {
		d.log("sx127x: rx failed, flags %s", f)
		return false, nil
	}
	return f.Has(IRQRxDone), nil
}

// ReadPacket fetches the last packet received from the FIFO together with its RSSI in dBm
// and SNR in dB. CheckAndClearRxResult must have returned true.
func (d *Dev) ReadPacket() (payload []byte, rssi int, snr float64, err error) {
	var hdr [4]byte // FIFORXCURR, IRQMASK, IRQFLAGS, RXBYTES
	if err = d.readRegs(REG_FIFORXCURR, hdr[:]); err != nil {
		return
	}
	start, n := hdr[0], hdr[3]
	if err = d.writeReg(REG_FIFOPTR, start); err != nil {
		return
	}
	payload = make([]byte, n)
	if err = d.readRegs(REG_FIFO, payload); err != nil {
		return nil, 0, 0, err
	}
	var sig [2]byte
	if err = d.readRegs(REG_PKTSNR, sig[:]); err != nil {
		return nil, 0, 0, err
	}
	snr = float64(int8(sig[0])) / 4
	rssi = -157 + int(sig[1])
	return
}

// SetRxTimeout changes the single rx timeout without rewriting the rest of the configuration.
func (d *Dev) SetRxTimeout(symbols uint16) error {
	if symbols < 4 || symbols > 1023 {
		return fmt.Errorf("%w: symbol timeout %d", ErrBadConfig, symbols)
	}
	var buf [2]byte
	if err := d.readRegs(REG_MODEMCONF2, buf[:]); err != nil {
		return err
	}
	return d.writeReg(REG_MODEMCONF2, buf[0]&^3|byte(symbols>>8), byte(symbols))
}

// SetPowerConfig writes REG_PACONFIG. The boost flag selects the PA_BOOST pin, which is what
// most modules connect to the antenna.
func (d *Dev) SetPowerConfig(power, maxPower byte, boost bool) error {
	v := power&0x0f | (maxPower&7)<<4
	if boost {
		v |= 0x80
	}
	return d.writeReg(REG_PACONFIG, v)
}

// Status holds the receiver counters and modem status.
type Status struct {
	ValidHeaders  uint16 `json:"hdr_cnt"`
	ValidPackets  uint16 `json:"pkt_cnt"`
	RxCodingRate  uint8  `json:"rx_cr"`
	ModemClear    bool   `json:"modem_clear"`
	HeaderValid   bool   `json:"hdr_valid"`
	RxOngoing     bool   `json:"rx_busy"`
	SignalSync    bool   `json:"sig_sync"`
	SignalPresent bool   `json:"sig_detected"`
}

// Status reads the header and packet counters and the modem status register.
func (d *Dev) Status() (Status, error) {
	var buf [5]byte
	if err := d.readRegs(REG_RXHDRCNT, buf[:]); err != nil {
		return Status{}, err
	}
	st := buf[4]
	return Status{
		ValidHeaders:  uint16(buf[0])<<8 | uint16(buf[1]),
		ValidPackets:  uint16(buf[2])<<8 | uint16(buf[3]),
		RxCodingRate:  st >> 5,
		ModemClear:    st&modemStatClear != 0,
		HeaderValid:   st&modemStatHdrValid != 0,
		RxOngoing:     st&modemStatRxOn != 0,
		SignalSync:    st&modemStatSync != 0,
		SignalPresent: st&modemStatDetect != 0,
	}, nil
}

// ClearCounts zeroes the valid header and valid packet counters.
func (d *Dev) ClearCounts() error {
	return d.writeReg(REG_RXHDRCNT, 0, 0, 0, 0)
}

// LogRegs is a debug helper function to print almost all the chip's registers.
func (d *Dev) LogRegs() error {
	var regs [0x50]byte
	if err := d.readRegs(REG_OPMODE, regs[1:]); err != nil {
		return err
	}
	d.log("     0  1  2  3  4  5  6  7  8  9  A  B  C  D  E  F")
	for i := 0; i < len(regs); i += 16 {
		line := fmt.Sprintf("%02x:", i)
		for j := 0; j < 16 && i+j < len(regs); j++ {
			line += fmt.Sprintf(" %02x", regs[i+j])
		}
		d.log(line)
	}
	return nil
}

// writeReg writes one or multiple registers starting at addr, the chip auto-increments (except
// for the FIFO register where that wouldn't be desirable).
func (d *Dev) writeReg(addr byte, data ...byte) error {
	wBuf := make([]byte, len(data)+1)
	rBuf := make([]byte, len(data)+1)
	wBuf[0] = addr | 0x80
	copy(wBuf[1:], data)
	if err := d.bus.Tx(wBuf, rBuf); err != nil {
		return &BusError{Op: "write", Reg: addr, Err: err}
	}
	return nil
}

// readRegs reads len(buf) registers starting at addr.
func (d *Dev) readRegs(addr byte, buf []byte) error {
	wBuf := make([]byte, len(buf)+1)
	rBuf := make([]byte, len(buf)+1)
	wBuf[0] = addr & 0x7f
	if err := d.bus.Tx(wBuf, rBuf); err != nil {
		return &BusError{Op: "read", Reg: addr, Err: err}
	}
	copy(buf, rBuf[1:])
	return nil
}

// readReg reads one register and returns its value.
func (d *Dev) readReg(addr byte) (byte, error) {
	var buf [1]byte
	err := d.readRegs(addr, buf[:])
	return buf[0], err
}
