// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx127x

// Errata 2.3 (receiver spurious reception of a LoRa signal): for bandwidths below 62.5kHz the
// receiver is tuned off the nominal frequency and the IF registers 0x2F/0x30 are adjusted.
// All tables are indexed by the bandwidth index of REG_MODEMCONF1.

// rxOffsetHz is the receive frequency offset applied for each bandwidth.
var rxOffsetHz = [10]uint32{7810, 10420, 15620, 20830, 31250, 41670, 0, 0, 0, 0}

// ifFreq2 is the value written into REG_IFFREQ2 for each non-500kHz bandwidth.
var ifFreq2 = [9]byte{0x48, 0x44, 0x44, 0x44, 0x44, 0x44, 0x40, 0x40, 0x40}

// bwHz is the bandwidth in Hz for each bandwidth index.
var bwHz = [10]uint32{7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000, 500000}

const bw500 = 9

// RxOffset returns the errata receive frequency offset for a bandwidth index.
func RxOffset(bw uint8) uint32 {
	if int(bw) >= len(rxOffsetHz) {
		return 0
	}
	return rxOffsetHz[bw]
}

// BandwidthHz returns the bandwidth in Hz corresponding to a bandwidth index, 0 if the index
// is out of range.
func BandwidthHz(bw uint8) uint32 {
	if int(bw) >= len(bwHz) {
		return 0
	}
	return bwHz[bw]
}

// BandwidthIndex returns the index of a bandwidth given in Hz, accepting values within 1% of
// the nominal bandwidth. The second return value is false if there is no match.
func BandwidthIndex(hz uint32) (uint8, bool) {
	for i, b := range bwHz {
		if hz+b/100 >= b && hz <= b+b/100 {
			return uint8(i), true
		}
	}
	return 0, false
}

// Interrupt sources selectable on each DIO pin in LoRa mode, indexed by pin then by the 2-bit
// mapping value. Zero entries are sources that are not LoRa IRQ flags (ModeReady, ClkOut,
// PllLock) or unused selectors.
var dioSources = [NumDio][4]IRQFlags{
	{IRQRxDone, IRQTxDone, IRQCadDone, 0},
	{IRQRxTimeout, IRQFhssChange, IRQCadDetected, 0},
	{IRQFhssChange, IRQFhssChange, IRQFhssChange, 0},
	{IRQCadDone, IRQValidHeader, IRQPayloadCRCError, 0},
	{IRQCadDetected, 0, 0, 0},
	{0, 0, 0, 0},
}

// Function selectors for the DIO pins used by the protocol.
const (
	Dio0RxDone      = 0
	Dio0TxDone      = 1
	Dio0CadDone     = 2
	Dio1RxTimeout   = 0
	Dio1CadDetected = 2
	Dio3ValidHeader = 1
)

// DioSource returns the interrupt source that a DIO pin signals given a mapping. It returns
// IRQNone for out-of-range pins and for functions that do not correspond to an IRQ flag.
func DioSource(m DioMapping, pin int) IRQFlags {
	if pin < 0 || pin >= NumDio {
		return IRQNone
	}
	return dioSources[pin][m[pin]&3]
}
