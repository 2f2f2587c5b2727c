// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package loraphy is the physical layer of a LoRa node built around a Semtech SX127x radio
// on an SPI bus.
//
// The sx127x package is the register driver, hsm the small state machine runtime, and phy
// the state machine that sequences receptions and transmissions and publishes received
// packets. Package edge turns DIO interrupt pins into timestamped events using periph or the
// gpiod character device, and this package holds a shim to use embd instead. Commands to
// test the radio and an MQTT gateway can be found in the cmd directory tree.
package loraphy
