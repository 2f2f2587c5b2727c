// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx127x

import "strings"

// IRQFlags is a set of LoRa interrupt sources, laid out as in REG_IRQFLAGS and REG_IRQMASK.
type IRQFlags byte

const (
	IRQRxTimeout       IRQFlags = 1 << 7
	IRQRxDone          IRQFlags = 1 << 6
	IRQPayloadCRCError IRQFlags = 1 << 5
	IRQValidHeader     IRQFlags = 1 << 4
	IRQTxDone          IRQFlags = 1 << 3
	IRQCadDone         IRQFlags = 1 << 2
	IRQFhssChange      IRQFlags = 1 << 1
	IRQCadDetected     IRQFlags = 1 << 0

	IRQNone IRQFlags = 0
	IRQAll  IRQFlags = 0xff

	// IRQRx are the flags involved in a LoRa reception.
	IRQRx = IRQRxTimeout | IRQRxDone | IRQPayloadCRCError | IRQValidHeader
	// IRQCad are the flags involved in channel activity detection.
	IRQCad = IRQCadDone | IRQCadDetected
)

var irqNames = [8]string{
	"CadDetected", "FhssChange", "CadDone", "TxDone",
	"ValidHeader", "PayloadCrcError", "RxDone", "RxTimeout",
}

// Has returns true if all the flags in f2 are set in f.
func (f IRQFlags) Has(f2 IRQFlags) bool { return f&f2 == f2 }

// Any returns true if any of the flags in f2 is set in f.
func (f IRQFlags) Any(f2 IRQFlags) bool { return f&f2 != 0 }

// String lists the set flags, MSB first, separated by '|'.
func (f IRQFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for i := 7; i >= 0; i-- {
		if f&(1<<uint(i)) != 0 {
			names = append(names, irqNames[i])
		}
	}
	return strings.Join(names, "|")
}
