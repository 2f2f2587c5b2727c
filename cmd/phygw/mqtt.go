// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// broker is what the gateway needs from an MQTT connection.
type broker interface {
	Publish(topic string, payload interface{})
	Subscribe(topic string, eventFunc interface{}) error
}

// mq is a handle onto a MQTT broker connection.
type mq struct {
	conn  mqtt.Client
	subMu sync.Mutex
	subs  map[string]mqtt.MessageHandler // renewed after a reconnect
}

// newMQ connects to a broker and returns a new mq object. The connection is persistent, i.e.,
// re-establishes itself if there is a disconnect. Subscriptions also get renewed after a reconnect.
func newMQ(conf MqttConfig, debug LogPrintf) (*mq, error) {
	id := conf.ClientID
	if id == "" {
		hostname, _ := os.Hostname()
		id = "phygw-" + hostname
	}
	if debug != nil {
		debug("Configuring MQTT with client id %s: %s:%d", id, conf.Host, conf.Port)
	}
	mqtt.ERROR = log.New(os.Stderr, "", 0)
	mq := &mq{subs: make(map[string]mqtt.MessageHandler)}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", conf.Host, conf.Port)).
		SetClientID(id).
		SetUsername(conf.User).
		SetPassword(conf.Password).
		SetAutoReconnect(true).
		SetOnConnectHandler(mq.resubscribe)

	mq.conn = mqtt.NewClient(opts)
	token := mq.conn.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("timeout connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	log.Printf("MQTT connected")
	return mq, nil
}

func (mq *mq) resubscribe(c mqtt.Client) {
	mq.subMu.Lock()
	defer mq.subMu.Unlock()
	for topic, h := range mq.subs {
		c.Subscribe(topic, 1, h)
	}
}

// Publish publishes the JSON encoding of the payload.
func (mq *mq) Publish(topic string, payload interface{}) {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		log.Printf("cannot json encode payload for %s: %s", topic, err)
		return
	}
	mq.conn.Publish(topic, 1, false, jsonPayload)
}

// Subscribe subscribes to an MQTT topic. The eventFunc must be a func(*T) where T is a struct
// with a Topic string field and a Payload field into which the JSON message gets decoded.
func (mq *mq) Subscribe(topic string, eventFunc interface{}) error {
	decode, err := eventDecoder(eventFunc)
	if err != nil {
		return err
	}
	handler := func(c mqtt.Client, m mqtt.Message) {
		if err := decode(m.Topic(), m.Payload()); err != nil {
			log.Printf("cannot json decode payload for %s: %s", m.Topic(), err)
		}
	}
	mq.subMu.Lock()
	mq.subs[topic] = handler
	mq.subMu.Unlock()

	if token := mq.conn.Subscribe(topic, 1, handler); !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("timeout subscribing to %s", topic)
	} else if err := token.Error(); err != nil {
		return err
	}
	return nil
}

// eventDecoder checks the type of eventFunc and returns a function that decodes a message
// into a new event and calls eventFunc with it.
func eventDecoder(eventFunc interface{}) (func(topic string, payload []byte) error, error) {
	eventFuncType := reflect.TypeOf(eventFunc)
	if eventFuncType == nil || eventFuncType.Kind() != reflect.Func {
		return nil, errors.New("eventFunc must be a function")
	}
	if eventFuncType.NumIn() != 1 || eventFuncType.NumOut() != 0 {
		return nil, errors.New("eventFunc must take one parameter and not return any")
	}
	eventPtrType := eventFuncType.In(0)
	if eventPtrType.Kind() != reflect.Ptr || eventPtrType.Elem().Kind() != reflect.Struct {
		return nil, errors.New("eventFunc must take a pointer to a struct as parameter")
	}
	eventType := eventPtrType.Elem()
	eventFuncValue := reflect.ValueOf(eventFunc)

	return func(topic string, payload []byte) error {
		if len(payload) == 0 {
			payload = []byte("null")
		}
		msg := reflect.New(eventType)
		// This is a hack: instead of dealing with reflection ourselves we make
		// json.Unmarshal do the work.
		jsonMsg := fmt.Sprintf(`{"Topic":%q, "Payload":%s}`, topic, payload)
		if err := json.Unmarshal([]byte(jsonMsg), msg.Interface()); err != nil {
			return err
		}
		eventFuncValue.Call([]reflect.Value{msg})
		return nil
	}, nil
}
