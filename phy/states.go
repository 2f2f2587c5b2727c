// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package phy

import (
	"errors"
	"time"

	"github.com/tve/loraphy/hsm"
	"github.com/tve/loraphy/sx127x"
)

// buildStates creates the state tree:
//
//	top
//	├── initializing
//	├── idling
//	│   ├── rxPrepping
//	│   └── txPrepping
//	├── sleeping
//	└── working
//	    ├── listening
//	    │   └── receiving
//	    ├── transmitting
//	    └── cading
func (p *PHY) buildStates() {
	st := func(name string, parent *hsm.State, h func(e hsm.Event) hsm.Result) *hsm.State {
		return &hsm.State{Name: name, Parent: parent, Handle: h}
	}
	p.top = st("top", nil, p.onTop)
	p.initializing = st("initializing", p.top, p.onInitializing)
	p.idling = st("idling", p.top, p.onIdling)
	p.sleeping = st("sleeping", p.top, p.onSleeping)
	p.working = st("working", p.top, p.onWorking)
	p.rxPrepping = st("rxPrepping", p.idling, p.onRxPrepping)
	p.txPrepping = st("txPrepping", p.idling, p.onTxPrepping)
	p.listening = st("listening", p.working, p.onListening)
	p.receiving = st("receiving", p.listening, p.onReceiving)
	p.transmitting = st("transmitting", p.working, p.onTransmitting)
	p.cading = st("cading", p.working, p.onCading)
}

// fail records a bus error that happened in a protocol step, publishes it, tries to put the
// chip back in standby and makes the machine fall back to idling.
func (p *PHY) fail(op string, err error) {
	p.log("phy: %s failed: %s", op, err)
	p.errMu.Lock()
	p.lastErr = err
	p.errMu.Unlock()
	var be *sx127x.BusError
	if errors.As(err, &be) {
		p.stats.busErrors.Add(1)
	}
	p.events.Publish(hsm.Event{Sig: SigError, Value: err})
	if p.dev != nil {
		p.dev.SetOpMode(sx127x.ModeStandby) // best effort
	}
	p.m.PostLIFO(hsm.Event{Sig: sigFail})
}

// do runs the steps of a protocol operation in order, stopping at the first error.
func (p *PHY) do(op string, steps ...func() error) bool {
	for _, s := range steps {
		if err := s(); err != nil {
			p.fail(op, err)
			return false
		}
	}
	return true
}

func (p *PHY) always() { p.m.PostLIFO(hsm.Event{Sig: sigAlways}) }

// wait blocks for d, but never longer than MaxBlock. Being late is not an error.
func (p *PHY) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	if d > p.opts.MaxBlock {
		d = p.opts.MaxBlock
	}
	p.opts.Sleep(d)
}

// txTimeout is the safety timeout of a transmission, it only fires if TxDone is lost.
func (p *PHY) txTimeout(n int) time.Duration {
	d := 2 * p.cfg.TimeOnAir(n)
	if d < p.opts.TxTimeout {
		d = p.opts.TxTimeout
	}
	return d
}

func (p *PHY) onTop(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry, hsm.SigExit:
		return hsm.Handled
	case sigFail:
		return p.m.Tran(p.idling)
	case sigSettled:
		return hsm.Handled
	case sigDIO:
		edge := e.Value.(DioEdge)
		p.log("phy: spurious DIO%d in %s", edge.Pin, p.m.State())
		return hsm.Handled
	}
	p.log("phy: %s dropped in %s", e.Sig, p.m.State())
	return hsm.Handled
}

func (p *PHY) onInitializing(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		if p.dev == nil {
			dev, err := sx127x.New(p.spi, sx127x.Opts{MaxPacketSize: p.opts.MaxPacketSize, Logger: sx127x.LogPrintf(p.log)})
			if err != nil {
				p.log("phy: %s", err) // options were checked by New
				return hsm.Handled
			}
			p.dev = dev
		}
		p.tm.PostIn(0)
		return hsm.Handled
	case hsm.SigExit:
		p.tm.Disarm()
		return hsm.Handled
	case sigTimeout:
		ok, err := p.dev.VerifyChipIdentity()
		if err == nil && ok {
			err = p.setup()
			if err == nil {
				p.ready.Store(true)
				p.log("phy: radio ready")
				return p.m.Tran(p.idling)
			}
		}
		if err != nil {
			p.log("phy: init: %s", err)
		} else {
			p.log("phy: no SX127x found")
		}
		p.stats.initRetries.Add(1)
		p.tm.PostIn(p.opts.InitRetry)
		return hsm.Handled
	}
	return hsm.Unhandled
}

// setup brings a freshly detected chip into LoRa standby with the configuration.
func (p *PHY) setup() error {
	d := p.dev
	for _, f := range []func() error{
		d.ReadDioMapping,
		func() error { return d.SetModem(sx127x.ModemLoRa) },
		func() error { return d.SetOpMode(sx127x.ModeStandby) },
		func() error { return d.ApplyConfig(p.cfg) },
		func() error { return d.SetPowerConfig(p.opts.Power, 4, true) },
		func() error { return d.DisableIRQs(sx127x.IRQAll) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func (p *PHY) onIdling(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		if p.deferred != nil {
			tx := *p.deferred
			p.deferred = nil
			p.m.PostLIFO(hsm.Event{Sig: sigTransmit, Value: tx})
			return hsm.Handled
		}
		// Entry also happens on the way to rxPrepping or txPrepping, announce only once settled.
		p.m.PostLIFO(hsm.Event{Sig: sigSettled})
		return hsm.Handled
	case sigSettled:
		if p.m.State() == p.idling {
			p.events.Publish(hsm.Event{Sig: SigIdle})
		}
		return hsm.Handled
	case hsm.SigExit:
		return hsm.Handled
	case sigSleep:
		return p.m.Tran(p.sleeping)
	case sigStandby:
		if err := p.dev.SetOpMode(sx127x.ModeStandby); err != nil {
			p.fail("standby", err)
		}
		return hsm.Handled
	case sigSetConfig:
		p.applyConfig(e.Value.(sx127x.Config))
		return hsm.Handled
	case sigReceive:
		p.rx = e.Value.(ReceiveRequest)
		return p.m.Tran(p.rxPrepping)
	case sigTransmit:
		p.tx = e.Value.(TransmitRequest)
		return p.m.Tran(p.txPrepping)
	case sigCAD:
		return p.m.Tran(p.cading)
	}
	return hsm.Unhandled
}

func (p *PHY) applyConfig(c sx127x.Config) {
	if err := p.dev.ApplyConfig(c); err != nil {
		p.log("phy: config: %s", err)
		p.errMu.Lock()
		p.lastErr = err
		p.errMu.Unlock()
		p.events.Publish(hsm.Event{Sig: SigError, Value: err})
		return
	}
	p.cfg = c
}

func (p *PHY) onSleeping(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		p.do("sleep", func() error { return p.dev.SetOpMode(sx127x.ModeSleep) })
		return hsm.Handled
	case hsm.SigExit:
		return hsm.Handled
	case sigSleep:
		return hsm.Handled
	case sigSetConfig:
		p.applyConfig(e.Value.(sx127x.Config))
		return hsm.Handled
	case sigStandby:
		if err := p.dev.SetOpMode(sx127x.ModeStandby); err != nil {
			p.fail("wake", err)
			return hsm.Handled
		}
		return p.m.Tran(p.idling)
	}
	return hsm.Unhandled
}

func (p *PHY) onWorking(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry, hsm.SigExit:
		return hsm.Handled
	case sigStandby:
		p.deferred = nil
		if err := p.dev.SetOpMode(sx127x.ModeStandby); err != nil {
			p.fail("standby", err)
			return hsm.Handled
		}
		return p.m.Tran(p.idling)
	}
	return hsm.Unhandled
}

func (p *PHY) onRxPrepping(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		d := p.dev
		ok := p.do("rx prep",
			func() error { return d.DisableIRQs(sx127x.IRQAll) },
			func() error { return d.EnableIRQs(sx127x.IRQRx) },
			func() error { return d.ClearIRQs(sx127x.IRQAll) },
			func() error {
				return d.SetDioMapping(sx127x.Dio(0, sx127x.Dio0RxDone).
					Set(1, sx127x.Dio1RxTimeout).Set(3, sx127x.Dio3ValidHeader))
			},
			func() error { return d.SetRxFifoBase(0) },
			func() error { return d.SetFrequency(p.rx.Freq, sx127x.Rx) },
		)
		if ok {
			p.always()
		}
		return hsm.Handled
	case sigAlways:
		// Only a start that is close enough is waited for, otherwise listening starts now.
		if !p.rx.Continuous && !p.rx.Start.IsZero() {
			if d := p.rx.Start.Sub(p.opts.Now()); d > 0 && d < p.opts.MaxBlock {
				p.opts.Sleep(d)
			}
		}
		return p.m.Tran(p.listening)
	}
	return hsm.Unhandled
}

func (p *PHY) onListening(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		p.hdrTime = time.Time{}
		mode := sx127x.ModeRxSingle
		if p.rx.Continuous {
			mode = sx127x.ModeRxContinuous
		}
		p.do("listen", func() error { return p.dev.SetOpMode(mode) })
		return hsm.Handled
	case hsm.SigExit:
		return hsm.Handled
	case sigTransmit:
		// Transmissions have priority over receptions that haven't started.
		if err := p.dev.SetOpMode(sx127x.ModeStandby); err != nil {
			p.fail("rx abort", err)
			return hsm.Handled
		}
		p.tx = e.Value.(TransmitRequest)
		return p.m.Tran(p.txPrepping)
	case sigDIO:
		edge := e.Value.(DioEdge)
		switch p.dev.DioSource(edge.Pin) {
		case sx127x.IRQRxDone:
			return p.rxDone(edge)
		case sx127x.IRQRxTimeout:
			if err := p.dev.ClearIRQs(sx127x.IRQRxTimeout); err != nil {
				p.fail("rx timeout", err)
				return hsm.Handled
			}
			p.stats.rxTimeouts.Add(1)
			return p.m.Tran(p.idling)
		case sx127x.IRQValidHeader:
			p.hdrTime = edge.At
			if err := p.dev.ClearIRQs(sx127x.IRQValidHeader); err != nil {
				p.fail("rx header", err)
				return hsm.Handled
			}
			return p.m.Tran(p.receiving)
		}
	}
	return hsm.Unhandled
}

// rxDone checks the outcome of a reception and publishes the packet if it is good.
func (p *PHY) rxDone(edge DioEdge) hsm.Result {
	at := p.hdrTime
	if at.IsZero() {
		at = edge.At
	}
	ok, err := p.dev.CheckAndClearRxResult()
	if err != nil {
		p.fail("rx done", err)
		return hsm.Handled
	}
	if !ok {
		p.stats.rxErrors.Add(1)
		return p.m.Tran(p.idling)
	}
	payload, rssi, snr, err := p.dev.ReadPacket()
	if err != nil {
		p.fail("rx read", err)
		return hsm.Handled
	}
	p.stats.rxPackets.Add(1)
	p.events.Publish(hsm.Event{Sig: SigRxData,
		Value: ReceivedPacket{At: at, Payload: payload, RSSI: rssi, SNR: snr}})
	return p.m.Tran(p.idling)
}

func (p *PHY) onReceiving(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry, hsm.SigExit:
		return hsm.Handled
	case sigTransmit:
		// A packet is coming in, transmit once it's done. Only the latest request is kept.
		tx := e.Value.(TransmitRequest)
		p.deferred = &tx
		p.log("phy: rx in progress, tx deferred")
		return hsm.Handled
	}
	return hsm.Unhandled
}

func (p *PHY) onTxPrepping(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		d := p.dev
		ok := p.do("tx prep",
			func() error { return d.DisableIRQs(sx127x.IRQAll) },
			func() error { return d.EnableIRQs(sx127x.IRQTxDone) },
			func() error { return d.ClearIRQs(sx127x.IRQTxDone) },
			func() error { return d.SetDioMapping(sx127x.Dio(0, sx127x.Dio0TxDone)) },
			func() error { return d.SetTxPayload(p.tx.Payload) },
			func() error { return d.SetFrequency(p.tx.Freq, sx127x.Tx) },
		)
		if ok {
			p.always()
		}
		return hsm.Handled
	case sigAlways:
		if !p.tx.Start.IsZero() {
			p.wait(p.tx.Start.Sub(p.opts.Now()) + p.opts.TxMargin)
		}
		return p.m.Tran(p.transmitting)
	}
	return hsm.Unhandled
}

func (p *PHY) onTransmitting(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		if p.do("tx", func() error { return p.dev.SetOpMode(sx127x.ModeTx) }) {
			p.tm.PostIn(p.txTimeout(len(p.tx.Payload)))
		}
		return hsm.Handled
	case hsm.SigExit:
		p.tm.Disarm()
		return hsm.Handled
	case sigDIO:
		edge := e.Value.(DioEdge)
		if p.dev.DioSource(edge.Pin) != sx127x.IRQTxDone {
			break
		}
		p.tm.Disarm()
		p.stats.txPackets.Add(1)
		p.events.Publish(hsm.Event{Sig: SigTxDone, Value: TxDone{At: edge.At}})
		return p.m.Tran(p.idling)
	case sigTimeout:
		p.log("phy: tx timeout")
		p.stats.txTimeouts.Add(1)
		if err := p.dev.SetOpMode(sx127x.ModeStandby); err != nil {
			p.fail("tx timeout", err)
			return hsm.Handled
		}
		return p.m.Tran(p.idling)
	}
	return hsm.Unhandled
}

func (p *PHY) onCading(e hsm.Event) hsm.Result {
	switch e.Sig {
	case hsm.SigEntry:
		d := p.dev
		ok := p.do("cad",
			func() error { return d.DisableIRQs(sx127x.IRQAll) },
			func() error { return d.EnableIRQs(sx127x.IRQCad) },
			func() error { return d.ClearIRQs(sx127x.IRQCad) },
			func() error {
				return d.SetDioMapping(sx127x.Dio(0, sx127x.Dio0CadDone).Set(1, sx127x.Dio1CadDetected))
			},
			func() error { return d.SetOpMode(sx127x.ModeCAD) },
		)
		if ok {
			p.tm.PostIn(p.opts.TxTimeout)
		}
		return hsm.Handled
	case hsm.SigExit:
		p.tm.Disarm()
		return hsm.Handled
	case sigDIO:
		edge := e.Value.(DioEdge)
		switch p.dev.DioSource(edge.Pin) {
		case sx127x.IRQCadDetected:
			return hsm.Handled // CadDone follows
		case sx127x.IRQCadDone:
			f, err := p.dev.IRQFlags()
			if err == nil {
				err = p.dev.ClearIRQs(sx127x.IRQCad)
			}
			if err != nil {
				p.fail("cad done", err)
				return hsm.Handled
			}
			p.stats.cadDone.Add(1)
			p.events.Publish(hsm.Event{Sig: SigCadDone,
				Value: CadResult{At: edge.At, Detected: f.Has(sx127x.IRQCadDetected)}})
			return p.m.Tran(p.idling)
		}
	case sigTimeout:
		p.log("phy: cad timeout")
		if err := p.dev.SetOpMode(sx127x.ModeStandby); err != nil {
			p.fail("cad timeout", err)
			return hsm.Handled
		}
		return p.m.Tran(p.idling)
	}
	return hsm.Unhandled
}
