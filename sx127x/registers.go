// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx127x

// LoRa mode register map.
const (
	REG_FIFO          = 0x00
	REG_OPMODE        = 0x01
	REG_FRFMSB        = 0x06
	REG_FRFMID        = 0x07
	REG_FRFLSB        = 0x08
	REG_PACONFIG      = 0x09
	REG_OCP           = 0x0B
	REG_LNA           = 0x0C
	REG_FIFOPTR       = 0x0D
	REG_FIFOTXBASE    = 0x0E
	REG_FIFORXBASE    = 0x0F
	REG_FIFORXCURR    = 0x10
	REG_IRQMASK       = 0x11
	REG_IRQFLAGS      = 0x12
	REG_RXBYTES       = 0x13
	REG_RXHDRCNT      = 0x14 // 2 bytes, followed by the 2-byte valid packet count
	REG_MODEMSTAT     = 0x18
	REG_PKTSNR        = 0x19
	REG_PKTRSSI       = 0x1A
	REG_CURRSSI       = 0x1B
	REG_HOPCHAN       = 0x1C
	REG_MODEMCONF1    = 0x1D
	REG_MODEMCONF2    = 0x1E
	REG_SYMBTIMEOUT   = 0x1F
	REG_PREAMBLE      = 0x20 // MSB, LSB follows
	REG_PAYLENGTH     = 0x22
	REG_PAYMAX        = 0x23
	REG_FIFORXLAST    = 0x25
	REG_MODEMCONF3    = 0x26
	REG_PPMCORR       = 0x27
	REG_FEI           = 0x28
	REG_IFFREQ2       = 0x2F // errata 2.3
	REG_IFFREQ1       = 0x30 // errata 2.3
	REG_DETECTOPT     = 0x31
	REG_DETECTTHR     = 0x37
	REG_SYNC          = 0x39
	REG_DIOMAPPING1   = 0x40
	REG_DIOMAPPING2   = 0x41
	REG_VERSION       = 0x42
	REG_TCXO          = 0x4B
	REG_PADAC         = 0x4D
	REG_FORMERTEMP    = 0x5B
	numRegs           = 0x70
	expectedVersion   = 0x12
	fxosc             = 32000000
	detectOptAutoIF   = 0x80 // bit 7 of REG_DETECTOPT, set only for 500kHz
	opModeModeMask    = 0x07
	opModeModemMask   = 0xE0
	modemStatClear    = 0x10
	modemStatHdrValid = 0x08
	modemStatRxOn     = 0x04
	modemStatSync     = 0x02
	modemStatDetect   = 0x01
)

// Frequency limits accepted by SetFrequency, exclusive.
const (
	MinFrequency = 137000000
	MaxFrequency = 1020000000
)
