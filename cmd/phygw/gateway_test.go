// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tve/loraphy/hsm"
	"github.com/tve/loraphy/phy"
	"github.com/tve/loraphy/sx127x"
)

// fakeBroker decodes injected messages the same way the real one does and records publications.
type fakeBroker struct {
	subs map[string]func(topic string, payload []byte) error
	pubs []pub
}

type pub struct {
	topic   string
	payload string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]func(string, []byte) error)}
}

func (b *fakeBroker) Publish(topic string, payload interface{}) {
	buf, _ := json.Marshal(payload)
	b.pubs = append(b.pubs, pub{topic, string(buf)})
}

func (b *fakeBroker) Subscribe(topic string, eventFunc interface{}) error {
	decode, err := eventDecoder(eventFunc)
	if err != nil {
		return err
	}
	b.subs[topic] = decode
	return nil
}

func (b *fakeBroker) inject(t *testing.T, topic, payload string) {
	t.Helper()
	decode, ok := b.subs[topic]
	if !ok {
		t.Fatalf("no subscription to %s", topic)
	}
	if err := decode(topic, []byte(payload)); err != nil {
		t.Fatalf("%s: %s", topic, err)
	}
}

// fakeRadio records the calls made by the gateway.
type fakeRadio struct {
	bus   *hsm.Bus
	calls []interface{}
	err   error
}

func (r *fakeRadio) Receive(q phy.ReceiveRequest) error { r.calls = append(r.calls, q); return r.err }
func (r *fakeRadio) Transmit(q phy.TransmitRequest) error { r.calls = append(r.calls, q); return r.err }
func (r *fakeRadio) Standby() error { r.calls = append(r.calls, "standby"); return r.err }
func (r *fakeRadio) Sleep() error { r.calls = append(r.calls, "sleep"); return r.err }
func (r *fakeRadio) CAD() error { r.calls = append(r.calls, "cad"); return r.err }
func (r *fakeRadio) SetConfig(c sx127x.Config) error { r.calls = append(r.calls, c); return r.err }
func (r *fakeRadio) Bus() *hsm.Bus { return r.bus }

func newTestGateway(t *testing.T, listen bool) (*gateway, *fakeRadio, *fakeBroker) {
	r := &fakeRadio{bus: hsm.NewBus()}
	b := newFakeBroker()
	gw := newGateway("radio/0", r, b, 915000000, listen, t.Logf)
	if err := gw.subscribe(); err != nil {
		t.Fatal(err)
	}
	return gw, r, b
}

// deliver moves the events the radio published from the gateway's queue to its handler.
func deliver(gw *gateway) {
	for {
		select {
		case e := <-gw.events:
			gw.handle(e)
		default:
			return
		}
	}
}

func TestGatewayCommands(t *testing.T) {
	gw, r, b := newTestGateway(t, false)

	b.inject(t, "radio/0/tx", `{"packet":"AQID","at":"2026-10-19T10:00:00Z"}`)
	b.inject(t, "radio/0/listen", `{"freq":868100000,"continuous":true}`)
	b.inject(t, "radio/0/config", `{"bw":9,"cr":1,"sf":7,"symto":100,"preamble":8,"sync":18}`)
	b.inject(t, "radio/0/cad-req", ``)
	b.inject(t, "radio/0/sleep", `{}`)

	if len(r.calls) != 5 {
		t.Fatalf("expected 5 calls, got %+v", r.calls)
	}
	tx := r.calls[0].(phy.TransmitRequest)
	if tx.Freq != 915000000 || string(tx.Payload) != "\x01\x02\x03" ||
		!tx.Start.Equal(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("tx: got %+v", tx)
	}
	if rx := r.calls[1].(phy.ReceiveRequest); rx.Freq != 868100000 || !rx.Continuous {
		t.Errorf("listen: got %+v", rx)
	}
	if c := r.calls[2].(sx127x.Config); c.Bandwidth != 9 || c.SyncWord != 0x12 {
		t.Errorf("config: got %+v", c)
	}
	if r.calls[3] != "cad" || r.calls[4] != "sleep" {
		t.Errorf("got %v", r.calls[3:])
	}
	if gw.listen.Load() {
		t.Errorf("sleep must stop listening")
	}
	if len(b.pubs) != 0 {
		t.Errorf("unexpected publications %+v", b.pubs)
	}
}

func TestGatewayRejectedCommand(t *testing.T) {
	_, r, b := newTestGateway(t, false)
	r.err = errors.New("phy: event queue full")
	b.inject(t, "radio/0/standby", ``)
	if len(b.pubs) != 1 || b.pubs[0].topic != "radio/0/error" ||
		b.pubs[0].payload != `{"error":"standby: phy: event queue full"}` {
		t.Errorf("got %+v", b.pubs)
	}
}

func TestGatewayEvents(t *testing.T) {
	gw, r, b := newTestGateway(t, false)
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	r.bus.Publish(hsm.Event{Sig: phy.SigRxData, Value: phy.ReceivedPacket{
		At: at, Payload: []byte{0xca, 0xfe}, RSSI: -80, SNR: 7.25}})
	r.bus.Publish(hsm.Event{Sig: phy.SigTxDone, Value: phy.TxDone{At: at}})
	r.bus.Publish(hsm.Event{Sig: phy.SigCadDone, Value: phy.CadResult{At: at, Detected: true}})
	r.bus.Publish(hsm.Event{Sig: phy.SigError, Value: errors.New("boom")})
	r.bus.Publish(hsm.Event{Sig: phy.SigIdle})
	deliver(gw)

	expected := []pub{
		{"radio/0/rx", `{"packet":"yv4=","rssi":-80,"snr":7.25,"freq":915000000,"at":"2026-10-19T10:00:00Z"}`},
		{"radio/0/txdone", `{"at":"2026-10-19T10:00:00Z"}`},
		{"radio/0/cad", `{"at":"2026-10-19T10:00:00Z","detected":true}`},
		{"radio/0/error", `{"error":"boom"}`},
	}
	if len(b.pubs) != len(expected) {
		t.Fatalf("expected %d publications, got %+v", len(expected), b.pubs)
	}
	for i, e := range expected {
		if b.pubs[i] != e {
			t.Errorf("publication %d: expected %+v, got %+v", i, e, b.pubs[i])
		}
	}
	if len(r.calls) != 0 {
		t.Errorf("not listening, idle must not start a receive: %+v", r.calls)
	}
}

func TestGatewayRelisten(t *testing.T) {
	gw, r, b := newTestGateway(t, true)

	r.bus.Publish(hsm.Event{Sig: phy.SigIdle})
	deliver(gw)
	if len(r.calls) != 1 {
		t.Fatalf("expected a receive, got %+v", r.calls)
	}
	if rx := r.calls[0].(phy.ReceiveRequest); rx.Freq != 915000000 || !rx.Continuous {
		t.Errorf("got %+v", rx)
	}

	// A single listen ends continuous mode.
	b.inject(t, "radio/0/listen", `{"freq":916000000}`)
	r.bus.Publish(hsm.Event{Sig: phy.SigIdle})
	deliver(gw)
	if len(r.calls) != 2 {
		t.Errorf("expected no receive after a single listen, got %+v", r.calls)
	}
}
