// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package sx127xtest provides a simulated SX127x register file that can stand in for the SPI
// bus in tests.
package sx127xtest

import (
	"sync"

	"github.com/tve/loraphy/sx127x"
)

// Write is one write transaction as seen on the bus.
type Write struct {
	Reg  byte
	Data []byte
}

// Chip simulates the register file and FIFO of an SX127x in LoRa mode. Reads and writes
// auto-increment the register address except for the FIFO, which uses the FIFO pointer. The
// IRQ flags register is write-one-to-clear. Nothing else of the chip's behavior is modeled:
// tests raise interrupts and load packets explicitly.
type Chip struct {
	mu     sync.Mutex
	regs   [0x80]byte
	fifo   [256]byte
	writes []Write
	err    error
	txs    int
}

// New returns a chip in LoRa standby mode with the expected silicon version.
func New() *Chip {
	c := &Chip{}
	c.regs[sx127x.REG_OPMODE] = 0x80 | byte(sx127x.ModeStandby)
	c.regs[sx127x.REG_VERSION] = 0x12
	c.regs[sx127x.REG_DETECTOPT] = 0x03
	c.regs[sx127x.REG_IRQMASK] = 0x00
	return c
}

// Tx implements sx127x.Bus.
func (c *Chip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs++
	if c.err != nil {
		return c.err
	}
	if len(w) == 0 {
		return nil
	}
	write := w[0]&0x80 != 0
	addr := w[0] & 0x7f
	if write {
		c.writes = append(c.writes, Write{Reg: addr, Data: append([]byte(nil), w[1:]...)})
	}
	a := addr
	for i := 1; i < len(w); i++ {
		var v byte
		switch {
		case a == sx127x.REG_FIFO:
			ptr := c.regs[sx127x.REG_FIFOPTR]
			if write {
				c.fifo[ptr] = w[i]
			}
			v = c.fifo[ptr]
			c.regs[sx127x.REG_FIFOPTR] = ptr + 1
		case write && a == sx127x.REG_IRQFLAGS:
			c.regs[a] &^= w[i]
		case write:
			c.regs[a&0x7f] = w[i]
		default:
			v = c.regs[a&0x7f]
		}
		if !write && i < len(r) {
			r[i] = v
		}
		if a != sx127x.REG_FIFO {
			a++
		}
	}
	return nil
}

// Fail makes all subsequent transactions return err, nil restores normal operation.
func (c *Chip) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Transactions returns the number of bus transactions attempted so far.
func (c *Chip) Transactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txs
}

// Reg returns the value of a register.
func (c *Chip) Reg(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr&0x7f]
}

// SetReg sets the value of a register without logging a write.
func (c *Chip) SetReg(addr, v byte) {
	c.mu.Lock()
	c.regs[addr&0x7f] = v
	c.mu.Unlock()
}

// Mode returns the operating mode bits of REG_OPMODE.
func (c *Chip) Mode() sx127x.Mode {
	return sx127x.Mode(c.Reg(sx127x.REG_OPMODE) & 7)
}

// Fifo returns a copy of n bytes of the FIFO starting at offset.
func (c *Chip) Fifo(offset, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, n)
	for i := range b {
		b[i] = c.fifo[(offset+i)&0xff]
	}
	return b
}

// RaiseIRQ sets interrupt flags as the chip would when an event occurs.
func (c *Chip) RaiseIRQ(f sx127x.IRQFlags) {
	c.mu.Lock()
	c.regs[sx127x.REG_IRQFLAGS] |= byte(f)
	c.mu.Unlock()
}

// LoadRx places a received packet at the rx base address of the FIFO and sets the byte
// count and signal quality registers. It does not raise any interrupt.
func (c *Chip) LoadRx(payload []byte, snr int8, rssi byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := c.regs[sx127x.REG_FIFORXBASE]
	for i, b := range payload {
		c.fifo[(int(base)+i)&0xff] = b
	}
	c.regs[sx127x.REG_FIFORXCURR] = base
	c.regs[sx127x.REG_RXBYTES] = byte(len(payload))
	c.regs[sx127x.REG_PKTSNR] = byte(snr)
	c.regs[sx127x.REG_PKTRSSI] = rssi
}

// Writes returns the write transactions seen so far.
func (c *Chip) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// WritesTo returns the data of all write transactions starting at a register, in order.
func (c *Chip) WritesTo(reg byte) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, w := range c.writes {
		if w.Reg == reg {
			out = append(out, w.Data)
		}
	}
	return out
}

// ResetLog discards the write log.
func (c *Chip) ResetLog() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}
