// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package phy

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tve/loraphy/hsm"
	"github.com/tve/loraphy/hsm/hsmtest"
	"github.com/tve/loraphy/sx127x"
	"github.com/tve/loraphy/sx127x/sx127xtest"
)

const freq = 868100000

// rig is a PHY wired to a simulated chip, a fake clock and fake timers. Sleeping advances
// the clock.
type rig struct {
	t      *testing.T
	chip   *sx127xtest.Chip
	timers hsmtest.Timers
	p      *PHY
	now    time.Time
	t0     time.Time
	slept  []time.Duration
	rx     hsm.Queue
	txd    hsm.Queue
	cad    hsm.Queue
	errs   hsm.Queue
}

func newRig(t *testing.T, opts Opts) *rig {
	r := &rig{t: t, chip: sx127xtest.New(), now: time.Unix(1e9, 0)}
	r.t0 = r.now
	opts.Now = func() time.Time { return r.now }
	opts.Sleep = func(d time.Duration) {
		r.slept = append(r.slept, d)
		r.now = r.now.Add(d)
	}
	opts.AfterFunc = r.timers.AfterFunc
	opts.Logger = t.Logf
	p, err := New(r.chip, opts)
	if err != nil {
		t.Fatal(err)
	}
	r.p = p
	r.rx, r.txd, r.cad, r.errs = make(hsm.Queue, 4), make(hsm.Queue, 4), make(hsm.Queue, 4), make(hsm.Queue, 4)
	p.Bus().Subscribe(SigRxData, r.rx)
	p.Bus().Subscribe(SigTxDone, r.txd)
	p.Bus().Subscribe(SigCadDone, r.cad)
	p.Bus().Subscribe(SigError, r.errs)
	return r
}

// start runs the machine through initialization into idling.
func (r *rig) start() {
	r.t.Helper()
	r.p.m.Drain()
	r.fire()
	r.expect(r.p.idling)
	r.chip.ResetLog()
}

// fire expires the most recently armed timer and processes the resulting events.
func (r *rig) fire() {
	r.t.Helper()
	tm := r.timers.Last()
	if tm == nil || !tm.Pending() {
		r.t.Fatalf("no pending timer")
	}
	tm.Fire()
	r.p.m.Drain()
}

func (r *rig) expect(s *hsm.State) {
	r.t.Helper()
	r.p.m.Drain()
	if r.p.m.State() != s {
		r.t.Fatalf("in state %s, expected %s", r.p.m.State(), s)
	}
}

func (r *rig) dio(pin int, after time.Duration) {
	r.t.Helper()
	if !r.p.DIO(pin, r.t0.Add(after)) {
		r.t.Fatalf("DIO%d not queued", pin)
	}
	r.p.m.Drain()
}

func (r *rig) ms(n int) time.Time { return r.t0.Add(time.Duration(n) * time.Millisecond) }

func TestInitialization(t *testing.T) {
	r := newRig(t, Opts{})
	idle := make(hsm.Queue, 4)
	r.p.Bus().Subscribe(SigIdle, idle)
	if r.p.Ready() {
		t.Fatalf("ready before running")
	}
	r.p.m.Drain()
	if tm := r.timers.Last(); tm == nil || tm.D != 0 {
		t.Fatalf("expected an immediate init timeout, got %+v", tm)
	}
	r.fire()
	r.expect(r.p.idling)
	if !r.p.Ready() {
		t.Errorf("not ready in idling")
	}
	if m := r.chip.Mode(); m != sx127x.ModeStandby {
		t.Errorf("mode %s", m)
	}
	if v := r.chip.Reg(sx127x.REG_MODEMCONF1); v != 0x72 {
		t.Errorf("MODEMCONF1 %#x, default config not applied", v)
	}
	if len(idle) != 1 {
		t.Errorf("%d idle events", len(idle))
	}
	// Passing through idling on the way to transmitting is not announced.
	r.p.Transmit(TransmitRequest{Freq: freq, Payload: []byte{1}})
	r.expect(r.p.transmitting)
	if len(idle) != 1 {
		t.Errorf("%d idle events", len(idle))
	}
}

func TestInitRetry(t *testing.T) {
	r := newRig(t, Opts{})
	r.chip.SetReg(sx127x.REG_VERSION, 0x00)
	r.p.m.Drain()
	for i := 1; i <= 3; i++ {
		r.fire()
		r.expect(r.p.initializing)
		if tm := r.timers.Last(); !tm.Pending() || tm.D != time.Second {
			t.Fatalf("attempt %d: retry timer %v pending=%v", i, tm.D, tm.Pending())
		}
	}
	if n := r.p.Stats().InitRetries; n != 3 {
		t.Errorf("InitRetries %d", n)
	}
	// Commands are dropped while initializing.
	r.p.Receive(ReceiveRequest{Freq: freq})
	r.expect(r.p.initializing)

	r.chip.Fail(errors.New("spi down"))
	r.fire()
	r.expect(r.p.initializing)

	r.chip.Fail(nil)
	r.chip.SetReg(sx127x.REG_VERSION, 0x12)
	r.fire()
	r.expect(r.p.idling)
}

func TestTransmitScheduled(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()

	payload := []byte{1, 2, 3}
	if err := r.p.Transmit(TransmitRequest{Start: r.ms(10), Freq: freq, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	payload[0] = 9 // the PHY has its own copy
	r.expect(r.p.transmitting)

	if !reflect.DeepEqual(r.slept, []time.Duration{15 * time.Millisecond}) {
		t.Errorf("slept %v, expected 10ms+margin", r.slept)
	}
	if m := r.chip.Mode(); m != sx127x.ModeTx {
		t.Errorf("mode %s", m)
	}
	if n := r.chip.Reg(sx127x.REG_PAYLENGTH); n != 3 {
		t.Errorf("payload length %d", n)
	}
	if got := r.chip.Fifo(0, 3); !reflect.DeepEqual(got, []byte{1, 2, 3}) {
		t.Errorf("fifo %v", got)
	}
	if v := r.chip.Reg(sx127x.REG_DIOMAPPING1); v>>6 != sx127x.Dio0TxDone {
		t.Errorf("DIO mapping %#x", v)
	}
	if v := r.chip.Reg(sx127x.REG_IRQMASK); sx127x.IRQFlags(^v) != sx127x.IRQTxDone {
		t.Errorf("irq mask %#x", v)
	}
	frf := uint32(r.chip.Reg(sx127x.REG_FRFMSB))<<16 | uint32(r.chip.Reg(sx127x.REG_FRFMID))<<8 |
		uint32(r.chip.Reg(sx127x.REG_FRFLSB))
	if frf != sx127x.FrfFromHz(freq) {
		t.Errorf("frf %#x, tx must not apply the rx offset", frf)
	}
	tm := r.timers.Last()
	if !tm.Pending() || tm.D != time.Second {
		t.Errorf("safety timeout %v", tm.D)
	}

	r.chip.RaiseIRQ(sx127x.IRQTxDone)
	r.dio(0, 20*time.Millisecond)
	r.expect(r.p.idling)
	select {
	case e := <-r.txd:
		if e.Value.(TxDone).At != r.ms(20) {
			t.Errorf("tx done at %v", e.Value)
		}
	default:
		t.Fatalf("no tx done published")
	}
	if tm.Pending() {
		t.Errorf("safety timeout still armed")
	}
	if r.p.Stats().TxPackets != 1 {
		t.Errorf("stats %+v", r.p.Stats())
	}
}

func TestTransmitStartTimes(t *testing.T) {
	tests := map[string]struct {
		start time.Duration // relative to now, 0 means no start time
		slept []time.Duration
	}{
		"immediate":   {0, nil},
		"past":        {-20 * time.Millisecond, nil},
		"just-missed": {-4 * time.Millisecond, []time.Duration{time.Millisecond}},
		"far-future":  {2 * time.Second, []time.Duration{50 * time.Millisecond}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, Opts{})
			r.start()
			req := TransmitRequest{Freq: freq, Payload: []byte("x")}
			if tc.start != 0 {
				req.Start = r.now.Add(tc.start)
			}
			r.p.Transmit(req)
			r.expect(r.p.transmitting)
			if !reflect.DeepEqual(r.slept, tc.slept) {
				t.Errorf("slept %v, want %v", r.slept, tc.slept)
			}
		})
	}
}

func TestTransmitTimeout(t *testing.T) {
	r := newRig(t, Opts{Config: sx127x.Configs["bw125cr48sf4096"]})
	r.start()
	payload := make([]byte, 50)
	r.p.Transmit(TransmitRequest{Freq: freq, Payload: payload})
	r.expect(r.p.transmitting)
	tm := r.timers.Last()
	if want := 2 * sx127x.Configs["bw125cr48sf4096"].TimeOnAir(50); tm.D != want || want < time.Second {
		t.Errorf("timeout %v, want %v", tm.D, want)
	}
	r.fire()
	r.expect(r.p.idling)
	if m := r.chip.Mode(); m != sx127x.ModeStandby {
		t.Errorf("mode %s after timeout", m)
	}
	if len(r.txd) != 0 {
		t.Errorf("tx done published after timeout")
	}
	if r.p.Stats().TxTimeouts != 1 {
		t.Errorf("stats %+v", r.p.Stats())
	}
	// A late TxDone is spurious.
	r.dio(0, time.Second)
	r.expect(r.p.idling)
	if len(r.txd) != 0 {
		t.Errorf("late tx done published")
	}
}

func TestReceiveContinuous(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()
	r.p.Receive(ReceiveRequest{Freq: freq, Continuous: true})
	r.expect(r.p.listening)
	if m := r.chip.Mode(); m != sx127x.ModeRxContinuous {
		t.Errorf("mode %s", m)
	}
	if len(r.slept) != 0 {
		t.Errorf("continuous rx must not wait, slept %v", r.slept)
	}
	frf := uint32(r.chip.Reg(sx127x.REG_FRFMSB))<<16 | uint32(r.chip.Reg(sx127x.REG_FRFMID))<<8 |
		uint32(r.chip.Reg(sx127x.REG_FRFLSB))
	if want := sx127x.FrfFromHz(freq + sx127x.RxOffset(sx127x.DefaultConfig.Bandwidth)); frf != want {
		t.Errorf("frf %#x, want %#x", frf, want)
	}
	if v := r.chip.Reg(sx127x.REG_DIOMAPPING1); v != 0x01 {
		t.Errorf("DIO mapping %#x", v) // DIO0 RxDone=0, DIO1 RxTimeout=0, DIO3 ValidHeader=1
	}

	r.chip.RaiseIRQ(sx127x.IRQValidHeader)
	r.dio(3, 5*time.Millisecond)
	r.expect(r.p.receiving)
	if r.chip.Reg(sx127x.REG_IRQFLAGS) != 0 {
		t.Errorf("valid header not cleared")
	}

	r.chip.LoadRx([]byte("hello"), -22, 100)
	r.chip.RaiseIRQ(sx127x.IRQRxDone)
	r.dio(0, 8*time.Millisecond)
	r.expect(r.p.idling)
	select {
	case e := <-r.rx:
		got := e.Value.(ReceivedPacket)
		want := ReceivedPacket{At: r.ms(5), Payload: []byte("hello"), RSSI: -57, SNR: -5.5}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v\nwant %+v", got, want)
		}
	default:
		t.Fatalf("nothing published")
	}
}

func TestReceiveSingle(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()
	r.p.Receive(ReceiveRequest{Start: r.ms(3), Freq: freq})
	r.expect(r.p.listening)
	if !reflect.DeepEqual(r.slept, []time.Duration{3 * time.Millisecond}) {
		t.Errorf("slept %v", r.slept)
	}
	if m := r.chip.Mode(); m != sx127x.ModeRxSingle {
		t.Errorf("mode %s", m)
	}
	// Without a header the rx done time is used.
	r.chip.LoadRx([]byte{0xaa}, 40, 80)
	r.chip.RaiseIRQ(sx127x.IRQRxDone)
	r.dio(0, 9*time.Millisecond)
	r.expect(r.p.idling)
	e := <-r.rx
	if got := e.Value.(ReceivedPacket); got.At != r.ms(9) || got.SNR != 10 || got.RSSI != -77 {
		t.Errorf("got %+v", got)
	}
}

func TestReceiveStartTimes(t *testing.T) {
	tests := map[string]struct {
		start      time.Duration // relative to now, 0 means no start time
		continuous bool
		slept      []time.Duration
	}{
		"immediate":  {0, false, nil},
		"past":       {-5 * time.Millisecond, false, nil},
		"soon":       {10 * time.Millisecond, false, []time.Duration{10 * time.Millisecond}},
		"max-block":  {50 * time.Millisecond, false, nil},
		"later":      {200 * time.Millisecond, false, nil},
		"far-future": {2 * time.Second, false, nil},
		"continuous": {10 * time.Millisecond, true, nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, Opts{})
			r.start()
			req := ReceiveRequest{Freq: freq, Continuous: tc.continuous}
			if tc.start != 0 {
				req.Start = r.now.Add(tc.start)
			}
			r.p.Receive(req)
			r.expect(r.p.listening)
			if !reflect.DeepEqual(r.slept, tc.slept) {
				t.Errorf("slept %v, want %v", r.slept, tc.slept)
			}
		})
	}
}

func TestReceiveFailures(t *testing.T) {
	tests := map[string]struct {
		flags sx127x.IRQFlags
		pin   int
		stat  func(Stats) uint64
	}{
		"crc":     {sx127x.IRQRxDone | sx127x.IRQPayloadCRCError, 0, func(s Stats) uint64 { return s.RxErrors }},
		"timeout": {sx127x.IRQRxTimeout, 1, func(s Stats) uint64 { return s.RxTimeouts }},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, Opts{})
			r.start()
			r.p.Receive(ReceiveRequest{Freq: freq})
			r.expect(r.p.listening)
			r.chip.LoadRx([]byte("bad"), 0, 0)
			r.chip.RaiseIRQ(tc.flags)
			r.dio(tc.pin, 5*time.Millisecond)
			r.expect(r.p.idling)
			if len(r.rx) != 0 {
				t.Errorf("packet published")
			}
			if tc.stat(r.p.Stats()) != 1 {
				t.Errorf("stats %+v", r.p.Stats())
			}
			if f := r.chip.Reg(sx127x.REG_IRQFLAGS); f != 0 {
				t.Errorf("flags not cleared: %s", sx127x.IRQFlags(f))
			}
		})
	}
}

func TestTransmitPreemptsListening(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()
	r.p.Receive(ReceiveRequest{Freq: freq, Continuous: true})
	r.expect(r.p.listening)
	r.chip.ResetLog()
	r.p.Transmit(TransmitRequest{Freq: freq, Payload: []byte{7}})
	r.expect(r.p.transmitting)
	modes := r.chip.WritesTo(sx127x.REG_OPMODE)
	if len(modes) < 2 || sx127x.Mode(modes[0][0]&7) != sx127x.ModeStandby {
		t.Errorf("rx not aborted first: %v", modes)
	}
	if m := r.chip.Mode(); m != sx127x.ModeTx {
		t.Errorf("mode %s", m)
	}
	if n := r.chip.Reg(sx127x.REG_PAYLENGTH); n != 1 {
		t.Errorf("payload length %d", n)
	}
	if got := r.chip.Fifo(0, 1); !reflect.DeepEqual(got, []byte{7}) {
		t.Errorf("fifo %v", got)
	}
	if v := r.chip.Reg(sx127x.REG_DIOMAPPING1); v>>6 != sx127x.Dio0TxDone {
		t.Errorf("DIO mapping %#x", v)
	}
	if v := r.chip.Reg(sx127x.REG_IRQMASK); sx127x.IRQFlags(^v) != sx127x.IRQTxDone {
		t.Errorf("irq mask %#x", v)
	}
	tm := r.timers.Last()
	if tm == nil || !tm.Pending() || tm.D != time.Second {
		t.Errorf("safety timeout not armed: %+v", tm)
	}

	r.chip.RaiseIRQ(sx127x.IRQTxDone)
	r.dio(0, 30*time.Millisecond)
	r.expect(r.p.idling)
	if len(r.txd) != 1 {
		t.Errorf("%d tx done events", len(r.txd))
	}
}

func TestTransmitDeferredWhileReceiving(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()
	r.p.Receive(ReceiveRequest{Freq: freq})
	r.expect(r.p.listening)
	r.chip.RaiseIRQ(sx127x.IRQValidHeader)
	r.dio(3, time.Millisecond)
	r.expect(r.p.receiving)

	r.p.Transmit(TransmitRequest{Freq: freq, Payload: []byte{1}})
	r.p.Transmit(TransmitRequest{Freq: freq, Payload: []byte{2, 2}})
	r.expect(r.p.receiving)

	r.chip.LoadRx([]byte("pkt"), 0, 90)
	r.chip.RaiseIRQ(sx127x.IRQRxDone)
	r.dio(0, 30*time.Millisecond)
	r.expect(r.p.transmitting)
	if len(r.rx) != 1 {
		t.Errorf("packet not published")
	}
	if n := r.chip.Reg(sx127x.REG_PAYLENGTH); n != 2 {
		t.Errorf("payload length %d, latest request should win", n)
	}
}

func TestStandbyAborts(t *testing.T) {
	tests := map[string]func(r *rig){
		"listening": func(r *rig) { r.p.Receive(ReceiveRequest{Freq: freq, Continuous: true}) },
		"transmitting": func(r *rig) {
			r.p.Transmit(TransmitRequest{Freq: freq, Payload: []byte{1}})
		},
		"cading": func(r *rig) { r.p.CAD() },
	}
	for name, op := range tests {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, Opts{})
			r.start()
			op(r)
			r.p.m.Drain()
			if !r.p.m.State().IsIn(r.p.working) {
				t.Fatalf("not working: %s", r.p.m.State())
			}
			r.p.Standby()
			r.expect(r.p.idling)
			if m := r.chip.Mode(); m != sx127x.ModeStandby {
				t.Errorf("mode %s", m)
			}
			if len(r.timers.Pending()) != 0 {
				t.Errorf("timers left armed")
			}
		})
	}
}

func TestCAD(t *testing.T) {
	for _, detected := range []bool{false, true} {
		r := newRig(t, Opts{})
		r.start()
		r.p.CAD()
		r.expect(r.p.cading)
		if m := r.chip.Mode(); m != sx127x.ModeCAD {
			t.Errorf("mode %s", m)
		}
		if detected {
			r.chip.RaiseIRQ(sx127x.IRQCadDetected)
			r.dio(1, 2*time.Millisecond)
			r.expect(r.p.cading)
		}
		r.chip.RaiseIRQ(sx127x.IRQCadDone)
		r.dio(0, 3*time.Millisecond)
		r.expect(r.p.idling)
		e := <-r.cad
		if got := e.Value.(CadResult); got.Detected != detected || got.At != r.ms(3) {
			t.Errorf("detected=%v: got %+v", detected, got)
		}
	}
}

func TestSleep(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()
	r.p.Sleep()
	r.expect(r.p.sleeping)
	if m := r.chip.Mode(); m != sx127x.ModeSleep {
		t.Errorf("mode %s", m)
	}
	// Requests other than standby are dropped while asleep.
	r.p.Transmit(TransmitRequest{Freq: freq, Payload: []byte{1}})
	r.expect(r.p.sleeping)
	r.p.Standby()
	r.expect(r.p.idling)
	if m := r.chip.Mode(); m != sx127x.ModeStandby {
		t.Errorf("mode %s", m)
	}
}

func TestSetConfig(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()
	c := sx127x.Configs["bw500cr45sf128"]
	if err := r.p.SetConfig(c); err != nil {
		t.Fatal(err)
	}
	r.expect(r.p.idling)
	if v := r.chip.Reg(sx127x.REG_MODEMCONF1); v>>4 != 9 {
		t.Errorf("MODEMCONF1 %#x", v)
	}
	if r.p.cfg != c {
		t.Errorf("config not recorded")
	}
	bad := c
	bad.SpreadingFactor = 13
	if err := r.p.SetConfig(bad); !errors.Is(err, sx127x.ErrBadConfig) {
		t.Errorf("got %v", err)
	}
}

func TestCommandValidation(t *testing.T) {
	r := newRig(t, Opts{MaxPacketSize: 128})
	if err := r.p.Receive(ReceiveRequest{Freq: 100}); !errors.Is(err, sx127x.ErrBadFrequency) {
		t.Errorf("receive: %v", err)
	}
	if err := r.p.Transmit(TransmitRequest{Freq: freq, Payload: make([]byte, 129)}); !errors.Is(err, sx127x.ErrPayloadTooLarge) {
		t.Errorf("transmit: %v", err)
	}
	if _, err := New(r.chip, Opts{MaxPacketSize: 64}); !errors.Is(err, sx127x.ErrBadPacketSize) {
		t.Errorf("new: %v", err)
	}
}

func TestBusErrorFallsBackToIdling(t *testing.T) {
	r := newRig(t, Opts{})
	r.start()
	r.p.Receive(ReceiveRequest{Freq: freq, Continuous: true})
	r.expect(r.p.listening)
	r.chip.Fail(errors.New("spi glitch"))
	r.dio(3, time.Millisecond)
	r.expect(r.p.idling)
	r.chip.Fail(nil)

	e := <-r.errs
	var be *sx127x.BusError
	if !errors.As(e.Value.(error), &be) {
		t.Errorf("published %v", e.Value)
	}
	if !errors.As(r.p.Error(), &be) || r.p.Stats().BusErrors != 1 {
		t.Errorf("error %v stats %+v", r.p.Error(), r.p.Stats())
	}
	// The PHY is still usable.
	r.p.Transmit(TransmitRequest{Freq: freq, Payload: []byte{1}})
	r.expect(r.p.transmitting)
}
