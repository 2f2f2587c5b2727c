// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

//go:build linux

package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tve/loraphy/hsm"
	"github.com/tve/loraphy/phy"
	"github.com/tve/loraphy/sx127x"
)

// RxPacket is the structure published to MQTT for packets received on a radio.
type RxPacket struct {
	Packet []byte    `json:"packet"` // payload, excl. header and CRC
	Rssi   int       `json:"rssi"`   // RSSI in dBm
	Snr    float64   `json:"snr"`    // signal to noise in dB
	Freq   uint32    `json:"freq"`   // frequency listened on
	At     time.Time `json:"at"`     // time of the valid header interrupt
}

// TxPacket is the payload expected via MQTT for packets to be transmitted on a radio.
type TxPacket struct {
	Packet []byte    `json:"packet"`
	Freq   uint32    `json:"freq"` // 0 for the radio's default
	At     time.Time `json:"at"`   // zero time to send right away
}

// TxMessage is the full MQTT message for a TxPacket.
type TxMessage struct {
	Topic   string
	Payload TxPacket
}

// ListenRequest is the payload of a <prefix>/listen message.
type ListenRequest struct {
	Freq       uint32    `json:"freq"` // 0 for the radio's default
	At         time.Time `json:"at"`   // zero time to start right away
	Continuous bool      `json:"continuous"`
}

// ListenMessage is the full MQTT message for a ListenRequest.
type ListenMessage struct {
	Topic   string
	Payload ListenRequest
}

// ConfigMessage carries a modem configuration.
type ConfigMessage struct {
	Topic   string
	Payload sx127x.Config
}

// CommandMessage is a message whose payload is ignored.
type CommandMessage struct {
	Topic   string
	Payload interface{}
}

// TxDoneEvent is published when a transmission completes.
type TxDoneEvent struct {
	At time.Time `json:"at"`
}

// ErrorEvent is published when the radio hits an error.
type ErrorEvent struct {
	Error string `json:"error"`
}

// radio is the subset of *phy.PHY the gateway drives.
type radio interface {
	Receive(phy.ReceiveRequest) error
	Transmit(phy.TransmitRequest) error
	Standby() error
	Sleep() error
	CAD() error
	SetConfig(sx127x.Config) error
	Bus() *hsm.Bus
}

// gateway bridges between a radio and MQTT topics under a prefix. It stands in for the MAC
// layer: all it decides is whether to keep listening when the radio goes idle.
type gateway struct {
	prefix string
	radio  radio
	mq     broker
	freq   uint32      // default frequency
	listen atomic.Bool // re-listen whenever the radio is idle
	rxFreq atomic.Uint32
	events hsm.Queue
	log    LogPrintf
}

func newGateway(prefix string, r radio, mq broker, freq uint32, listen bool, log LogPrintf) *gateway {
	if log == nil {
		log = func(format string, v ...interface{}) {}
	}
	gw := &gateway{prefix: prefix, radio: r, mq: mq, freq: freq, events: make(hsm.Queue, 32), log: log}
	gw.listen.Store(listen)
	gw.rxFreq.Store(freq)
	for _, sig := range []hsm.Signal{phy.SigRxData, phy.SigTxDone, phy.SigCadDone, phy.SigError, phy.SigIdle} {
		r.Bus().Subscribe(sig, gw.events)
	}
	return gw
}

// subscribe hooks the command topics to the radio.
func (gw *gateway) subscribe() error {
	subs := []struct {
		suffix string
		fn     interface{}
	}{
		{"/tx", gw.onTx},
		{"/listen", gw.onListen},
		{"/standby", gw.onStandby},
		{"/sleep", gw.onSleep},
		{"/config", gw.onConfig},
		{"/cad-req", gw.onCAD},
	}
	for _, s := range subs {
		if err := gw.mq.Subscribe(gw.prefix+s.suffix, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (gw *gateway) orDefault(freq uint32) uint32 {
	if freq == 0 {
		return gw.freq
	}
	return freq
}

func (gw *gateway) check(what string, err error) {
	if err != nil {
		gw.log("%s: %s: %s", gw.prefix, what, err)
		gw.mq.Publish(gw.prefix+"/error", &ErrorEvent{Error: what + ": " + err.Error()})
	}
}

func (gw *gateway) onTx(m *TxMessage) {
	p := m.Payload
	gw.log("%s: TX %db: %#x", gw.prefix, len(p.Packet), p.Packet)
	gw.check("tx", gw.radio.Transmit(phy.TransmitRequest{
		Start: p.At, Freq: gw.orDefault(p.Freq), Payload: p.Packet}))
}

func (gw *gateway) onListen(m *ListenMessage) {
	p := m.Payload
	freq := gw.orDefault(p.Freq)
	gw.listen.Store(p.Continuous)
	gw.rxFreq.Store(freq)
	gw.check("listen", gw.radio.Receive(phy.ReceiveRequest{
		Start: p.At, Freq: freq, Continuous: p.Continuous}))
}

func (gw *gateway) onStandby(*CommandMessage) {
	gw.listen.Store(false)
	gw.check("standby", gw.radio.Standby())
}

func (gw *gateway) onSleep(*CommandMessage) {
	gw.listen.Store(false)
	gw.check("sleep", gw.radio.Sleep())
}

func (gw *gateway) onConfig(m *ConfigMessage) {
	gw.check("config", gw.radio.SetConfig(m.Payload))
}

func (gw *gateway) onCAD(*CommandMessage) {
	gw.check("cad", gw.radio.CAD())
}

// forward is an endless loop publishing the radio's events until the context is canceled.
func (gw *gateway) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			gw.log("%s: radio->mqtt goroutine exiting", gw.prefix)
			return
		case e := <-gw.events:
			gw.handle(e)
		}
	}
}

func (gw *gateway) handle(e hsm.Event) {
	switch e.Sig {
	case phy.SigRxData:
		pkt := e.Value.(phy.ReceivedPacket)
		gw.log("%s: RX %ddBm %.1fdB %db: %#x", gw.prefix, pkt.RSSI, pkt.SNR, len(pkt.Payload), pkt.Payload)
		gw.mq.Publish(gw.prefix+"/rx", &RxPacket{Packet: pkt.Payload, Rssi: pkt.RSSI,
			Snr: pkt.SNR, Freq: gw.rxFreq.Load(), At: pkt.At})
	case phy.SigTxDone:
		gw.mq.Publish(gw.prefix+"/txdone", &TxDoneEvent{At: e.Value.(phy.TxDone).At})
	case phy.SigCadDone:
		gw.mq.Publish(gw.prefix+"/cad", e.Value)
	case phy.SigError:
		gw.mq.Publish(gw.prefix+"/error", &ErrorEvent{Error: e.Value.(error).Error()})
	case phy.SigIdle:
		if gw.listen.Load() {
			gw.check("listen", gw.radio.Receive(phy.ReceiveRequest{
				Freq: gw.rxFreq.Load(), Continuous: true}))
		}
	}
}
