// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package loraphy

import (
	"errors"
	"testing"
	"time"

	"github.com/kidoman/embd"
)

// fakeBus echoes the inverse of what is written.
type fakeBus struct {
	embd.SPIBus
	n int
}

func (f *fakeBus) TransferAndReceiveData(buf []uint8) error {
	f.n = len(buf)
	for i := range buf {
		buf[i] = ^buf[i]
	}
	return nil
}

func TestEmbdSPITx(t *testing.T) {
	fb := &fakeBus{}
	s := NewEmbdSPI(fb)
	r := make([]byte, 4)
	if err := s.Tx([]byte{0x42, 0x00, 0xff}, r); err != nil {
		t.Fatal(err)
	}
	if fb.n != 3 || r[0] != 0xbd || r[1] != 0xff || r[2] != 0x00 || r[3] != 0 {
		t.Errorf("transferred %d, r=%x", fb.n, r)
	}
}

type fakePin struct {
	embd.DigitalPin
	dir embd.Direction
	cb  func(embd.DigitalPin)
}

func (p *fakePin) SetDirection(d embd.Direction) error { p.dir = d; return nil }

func (p *fakePin) Watch(e embd.Edge, cb func(embd.DigitalPin)) error {
	if e != embd.EdgeRising {
		return errors.New("edge not supported")
	}
	p.cb = cb
	return nil
}

type sinkFunc func(pin int, at time.Time) bool

func (f sinkFunc) DIO(pin int, at time.Time) bool { return f(pin, at) }

func TestWatchEmbd(t *testing.T) {
	p := &fakePin{dir: embd.Out}
	var got []int
	sink := sinkFunc(func(pin int, at time.Time) bool { got = append(got, pin); return true })
	if err := watchEmbd(p, 1, sink); err != nil {
		t.Fatal(err)
	}
	if p.dir != embd.In || p.cb == nil {
		t.Fatalf("pin not set up")
	}
	p.cb(p)
	p.cb(p)
	if len(got) != 2 || got[0] != 1 {
		t.Errorf("got %v", got)
	}
}
