// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package phy is the physical layer of a LoRa node built on an SX127x radio. It sequences
// receive and transmit operations on the chip, hits requested start times to within a
// millisecond or so using short bounded sleeps, and turns DIO interrupt edges into received
// packets and transmit completions that are published on an event bus.
//
// A PHY is an hsm.Machine: all radio work happens on the goroutine running PHY.Run, commands
// from other goroutines are posted into its queue, and the GPIO edge watchers only timestamp
// edges and post them with PHY.DIO.
//
// The chip starts out in the initializing state where it is polled once a second until it
// responds. Once configured it idles in standby. A receive or transmit request goes through a
// prepping state that programs interrupts, DIO pins, FIFO and frequency before the working
// state that actually switches the chip into rx or tx mode. A standby request aborts any
// receive or transmit in progress.
package phy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tve/loraphy/hsm"
	"github.com/tve/loraphy/sx127x"
)

// LogPrintf is a function used by the PHY to print logging info.
type LogPrintf func(format string, v ...interface{})

// Signals published on the event bus.
var (
	SigRxData  = hsm.RegisterSignal("PHY_RXD_DATA") // value: ReceivedPacket
	SigTxDone  = hsm.RegisterSignal("PHY_TX_DONE")  // value: TxDone
	SigCadDone = hsm.RegisterSignal("PHY_CAD_DONE") // value: CadResult
	SigError   = hsm.RegisterSignal("PHY_ERROR")    // value: error
	SigIdle    = hsm.RegisterSignal("PHY_IDLE")     // no value, the radio is ready for a request
)

// Signals handled by the state machine.
var (
	sigSleep     = hsm.RegisterSignal("PHY_SLEEP")
	sigStandby   = hsm.RegisterSignal("PHY_STDBY")
	sigSetConfig = hsm.RegisterSignal("PHY_SET_CFG")
	sigReceive   = hsm.RegisterSignal("PHY_RECEIVE")
	sigTransmit  = hsm.RegisterSignal("PHY_TRANSMIT")
	sigCAD       = hsm.RegisterSignal("PHY_CAD")
	sigDIO       = hsm.RegisterSignal("PHY_DIO")
	sigTimeout   = hsm.RegisterSignal("_PHY_TMOUT")
	sigAlways    = hsm.RegisterSignal("_PHY_ALWAYS")
	sigFail      = hsm.RegisterSignal("_PHY_FAIL")
	sigSettled   = hsm.RegisterSignal("_PHY_SETTLED")
)

// ErrQueueFull is returned by commands that could not be queued.
var ErrQueueFull = errors.New("phy: event queue full")

// ReceivedPacket is published for each packet received without error.
type ReceivedPacket struct {
	At      time.Time `json:"at"`      // valid header time if seen, else rx done time
	Payload []byte    `json:"payload"` // payload, excl. header and CRC
	RSSI    int       `json:"rssi"`    // in dBm
	SNR     float64   `json:"snr"`     // in dB, 0.25dB resolution
}

// TxDone is published when a transmission completes.
type TxDone struct {
	At time.Time `json:"at"` // time of the TxDone interrupt
}

// CadResult is published at the end of a channel activity detection.
type CadResult struct {
	At       time.Time `json:"at"`
	Detected bool      `json:"detected"` // LoRa preamble detected
}

// DioEdge is the value of a DIO event: which pin saw a rising edge and when.
type DioEdge struct {
	Pin int
	At  time.Time
}

// ReceiveRequest asks for a reception on Freq. A zero Start receives right away, otherwise
// the receiver is turned on at Start if that's soon enough. Continuous keeps the receiver on
// (RxContinuous mode) instead of a single reception bounded by the symbol timeout.
type ReceiveRequest struct {
	Start      time.Time
	Freq       uint32
	Continuous bool
}

// TransmitRequest asks for Payload to be sent on Freq at Start, a zero Start meaning now.
type TransmitRequest struct {
	Start   time.Time
	Freq    uint32
	Payload []byte
}

// Opts contains options used when creating a PHY.
type Opts struct {
	Config        sx127x.Config // initial modem configuration, default sx127x.DefaultConfig
	MaxPacketSize int           // 256 (default) or 128
	MaxBlock      time.Duration // longest blocking wait to hit a start time, default 50ms
	TxMargin      time.Duration // delay added to tx start times, default 5ms
	TxTimeout     time.Duration // minimum tx safety timeout, default 1s
	InitRetry     time.Duration // chip detection retry interval, default 1s
	Bus           *hsm.Bus      // event bus to publish on, default a new one
	QueueLen      int           // capacity of the event queue, default 32
	Power         byte          // PA_BOOST output power setting 0..15, default 15
	Logger        LogPrintf     // function to use for logging

	// Clock and timers, replaced in tests.
	Now       func() time.Time
	Sleep     func(time.Duration)
	AfterFunc hsm.AfterFunc
}

// Stats are counters maintained by the PHY.
type Stats struct {
	RxPackets   uint64 // packets published
	RxErrors    uint64 // CRC errors or rx done with timeout
	RxTimeouts  uint64 // single receptions that timed out
	TxPackets   uint64 // transmissions completed
	TxTimeouts  uint64 // transmissions aborted by the safety timeout
	CadDone     uint64 // channel activity detections completed
	BusErrors   uint64 // SPI failures during protocol steps
	InitRetries uint64 // failed chip detections
}

type counters struct {
	rxPackets, rxErrors, rxTimeouts, txPackets, txTimeouts atomic.Uint64
	cadDone, busErrors, initRetries                          atomic.Uint64
}

// PHY is the physical layer state machine for one radio.
type PHY struct {
	spi    sx127x.Bus
	dev    *sx127x.Dev // created when entering initializing
	m      *hsm.Machine
	tm     *hsm.TimeEvent
	events *hsm.Bus
	opts   Opts
	log    LogPrintf

	// states
	top, initializing, idling, sleeping, working *hsm.State
	rxPrepping, listening, receiving            *hsm.State
	txPrepping, transmitting, cading            *hsm.State

	// only touched by the machine goroutine
	cfg      sx127x.Config
	rx       ReceiveRequest
	tx       TransmitRequest
	deferred *TransmitRequest // tx request that arrived while a packet was being received
	hdrTime  time.Time        // time of the valid header interrupt, zero if none

	ready   atomic.Bool
	stats   counters
	errMu   sync.Mutex
	lastErr error
}

// New returns a PHY that drives the radio on the bus. The machine only starts when Run is
// called.
func New(bus sx127x.Bus, opts Opts) (*PHY, error) {
	if opts.Config == (sx127x.Config{}) {
		opts.Config = sx127x.DefaultConfig
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	switch opts.MaxPacketSize {
	case 0:
		opts.MaxPacketSize = 256
	case 128, 256:
	default:
		return nil, sx127x.ErrBadPacketSize
	}
	if opts.MaxBlock <= 0 {
		opts.MaxBlock = 50 * time.Millisecond
	}
	if opts.TxMargin == 0 {
		opts.TxMargin = 5 * time.Millisecond
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = time.Second
	}
	if opts.Power == 0 || opts.Power > 15 {
		opts.Power = 15
	}
	if opts.InitRetry <= 0 {
		opts.InitRetry = time.Second
	}
	if opts.Bus == nil {
		opts.Bus = hsm.NewBus()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Logger == nil {
		opts.Logger = func(format string, v ...interface{}) {}
	}

	p := &PHY{spi: bus, events: opts.Bus, opts: opts, log: opts.Logger, cfg: opts.Config}
	p.buildStates()
	p.m = hsm.New(p.initializing, hsm.Opts{
		Name:      "phy",
		QueueLen:  opts.QueueLen,
		AfterFunc: opts.AfterFunc,
		Logger:    hsm.LogPrintf(opts.Logger),
	})
	p.tm = p.m.NewTimeEvent(sigTimeout)
	return p, nil
}

// Run processes events until the context is canceled.
func (p *PHY) Run(ctx context.Context) error {
	return p.m.Run(ctx)
}

// Drain processes the queued events synchronously and returns how many there were. It is
// meant for tests and tools that drive the PHY without calling Run.
func (p *PHY) Drain() int { return p.m.Drain() }

// Bus returns the event bus on which the PHY publishes.
func (p *PHY) Bus() *hsm.Bus { return p.events }

// Ready returns true once the chip has been detected and configured.
func (p *PHY) Ready() bool { return p.ready.Load() }

// Error returns the last error encountered while talking to the chip, if any.
func (p *PHY) Error() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

// Stats returns a snapshot of the counters.
func (p *PHY) Stats() Stats {
	c := &p.stats
	return Stats{
		RxPackets: c.rxPackets.Load(), RxErrors: c.rxErrors.Load(),
		RxTimeouts: c.rxTimeouts.Load(), TxPackets: c.txPackets.Load(),
		TxTimeouts: c.txTimeouts.Load(), CadDone: c.cadDone.Load(),
		BusErrors: c.busErrors.Load(), InitRetries: c.initRetries.Load(),
	}
}

func (p *PHY) post(sig hsm.Signal, v interface{}) error {
	if !p.m.Post(hsm.Event{Sig: sig, Value: v}) {
		return ErrQueueFull
	}
	return nil
}

// Sleep puts the radio to sleep, it is accepted only when idle.
func (p *PHY) Sleep() error { return p.post(sigSleep, nil) }

// Standby aborts any operation in progress and puts the radio in standby.
func (p *PHY) Standby() error { return p.post(sigStandby, nil) }

// CAD starts a channel activity detection, the result is published as SigCadDone.
func (p *PHY) CAD() error { return p.post(sigCAD, nil) }

// SetConfig replaces the modem configuration, it is applied when the radio is idle.
func (p *PHY) SetConfig(c sx127x.Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return p.post(sigSetConfig, c)
}

// Receive requests a reception.
func (p *PHY) Receive(r ReceiveRequest) error {
	if err := checkFreq(r.Freq); err != nil {
		return err
	}
	return p.post(sigReceive, r)
}

// Transmit requests a transmission. The payload is copied.
func (p *PHY) Transmit(t TransmitRequest) error {
	if err := checkFreq(t.Freq); err != nil {
		return err
	}
	if len(t.Payload) > p.opts.MaxPacketSize || len(t.Payload) > 255 {
		return fmt.Errorf("%w: %d bytes", sx127x.ErrPayloadTooLarge, len(t.Payload))
	}
	t.Payload = append([]byte(nil), t.Payload...)
	return p.post(sigTransmit, t)
}

// DIO records a rising edge on a DIO pin. It is safe to call from any goroutine and does
// nothing but enqueue the event; it returns false if the queue is full.
func (p *PHY) DIO(pin int, at time.Time) bool {
	return p.m.Post(hsm.Event{Sig: sigDIO, Value: DioEdge{Pin: pin, At: at}})
}

func checkFreq(hz uint32) error {
	if hz <= sx127x.MinFrequency || hz >= sx127x.MaxFrequency {
		return fmt.Errorf("%w: %dHz", sx127x.ErrBadFrequency, hz)
	}
	return nil
}
