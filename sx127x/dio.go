// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package sx127x

import "fmt"

// NumDio is the number of configurable DIO pins on the chip.
const NumDio = 6

// DioMapping holds the 2-bit function selector of each DIO pin, index 0 being DIO0.
type DioMapping [NumDio]uint8

// Regs packs the mapping into the values of REG_DIOMAPPING1 and REG_DIOMAPPING2. DIO0 goes
// into the top two bits of the first register, DIO4 and DIO5 into the top nibble of the second.
func (m DioMapping) Regs() [2]byte {
	return [2]byte{
		(m[0]&3)<<6 | (m[1]&3)<<4 | (m[2]&3)<<2 | m[3]&3,
		(m[4]&3)<<6 | (m[5]&3)<<4,
	}
}

// dioMappingFromRegs is the inverse of Regs.
func dioMappingFromRegs(map1, map2 byte) DioMapping {
	return DioMapping{
		(map1 >> 6) & 3, (map1 >> 4) & 3, (map1 >> 2) & 3, map1 & 3,
		(map2 >> 6) & 3, (map2 >> 4) & 3,
	}
}

// Merge returns the mapping with the pins present in the update replaced.
func (m DioMapping) Merge(u DioUpdate) DioMapping {
	for pin := 0; pin < NumDio; pin++ {
		if u.set&(1<<uint(pin)) != 0 {
			m[pin] = u.fn[pin]
		}
	}
	return m
}

// DioUpdate is a partial change to a DioMapping: only the pins that have been set are
// changed when it is merged, the others keep their previous function.
type DioUpdate struct {
	set uint8 // bit i set if DIOi is part of the update
	fn  [NumDio]uint8
}

// Dio starts an update with one pin.
func Dio(pin int, fn uint8) DioUpdate {
	return DioUpdate{}.Set(pin, fn)
}

// Set adds a pin to the update. Out of range pins or functions are kept so that Validate
// can report them.
func (u DioUpdate) Set(pin int, fn uint8) DioUpdate {
	if pin < 0 || pin >= NumDio {
		u.set |= 0x80 // poison
		return u
	}
	u.set |= 1 << uint(pin)
	u.fn[pin] = fn
	return u
}

// Pins returns the number of pins in the update.
func (u DioUpdate) Pins() int {
	n := 0
	for s := u.set & 0x3f; s != 0; s &= s - 1 {
		n++
	}
	return n
}

// Validate checks that all pins and functions in the update are in range.
func (u DioUpdate) Validate() error {
	if u.set&0x80 != 0 {
		return fmt.Errorf("%w: pin out of range", ErrBadDio)
	}
	for pin := 0; pin < NumDio; pin++ {
		if u.set&(1<<uint(pin)) != 0 && u.fn[pin] > 3 {
			return fmt.Errorf("%w: DIO%d function %d", ErrBadDio, pin, u.fn[pin])
		}
	}
	return nil
}
