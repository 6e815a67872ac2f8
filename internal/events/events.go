// Package events fans stage transitions out to subscribers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jo-hoe/compositor/internal/config"
)

// Event is one stage transition of a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Mode      string    `json:"mode"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes events. Publishing is best effort.
type Emitter interface {
	Emit(ev Event) error
	Close()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(Event) error { return nil }
func (Noop) Close()           {}

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// eventBuffer bounds the events waiting for the publisher goroutine.
const eventBuffer = 64

// publishWait bounds how long one publish may wait for the broker ack.
const publishWait = 2 * time.Second

// MQTTEmitter publishes events as JSON to <topic>/<run_id>. Emit only enqueues;
// a single goroutine publishes in order, so a slow broker never stalls a run.
type MQTTEmitter struct {
	log    *slog.Logger
	client publisher
	topic  string
	qos    byte

	pending chan outgoing
	drained chan struct{}

	mu        sync.Mutex
	closed    bool
	published uint64
	errors    uint64
}

type outgoing struct {
	topic   string
	payload []byte
}

// ConnectMQTT dials the broker and returns a ready emitter.
func ConnectMQTT(log *slog.Logger, cfg config.MQTTSettings) (*MQTTEmitter, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "err", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return newMQTTEmitter(log, client, cfg.Topic, cfg.QoS), nil
}

func newMQTTEmitter(log *slog.Logger, client publisher, topic string, qos byte) *MQTTEmitter {
	e := &MQTTEmitter{
		log:     log,
		client:  client,
		topic:   topic,
		qos:     qos,
		pending: make(chan outgoing, eventBuffer),
		drained: make(chan struct{}),
	}
	go e.publishLoop()
	return e
}

// Emit queues ev for publishing. It fails fast when the broker is gone, the emitter
// is closed or the buffer is full; broker-side failures are only counted.
func (e *MQTTEmitter) Emit(ev Event) error {
	if !e.client.IsConnected() {
		e.countError()
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.errors++
		return errors.New("emitter closed")
	}
	select {
	case e.pending <- outgoing{topic: e.topic + "/" + ev.RunID, payload: payload}:
		return nil
	default:
		e.errors++
		return errors.New("event buffer full")
	}
}

func (e *MQTTEmitter) publishLoop() {
	defer close(e.drained)
	for msg := range e.pending {
		if err := e.publish(msg); err != nil {
			e.countError()
			e.log.Debug("event publish failed", "topic", msg.topic, "err", err)
			continue
		}
		e.mu.Lock()
		e.published++
		e.mu.Unlock()
	}
}

func (e *MQTTEmitter) publish(msg outgoing) error {
	token := e.client.Publish(msg.topic, e.qos, false, msg.payload)
	if !token.WaitTimeout(publishWait) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Stats returns published and failed counts.
func (e *MQTTEmitter) Stats() (published, failed uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published, e.errors
}

// Close publishes what is still queued, then disconnects. It is safe to call twice.
func (e *MQTTEmitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.pending)
	}
	e.mu.Unlock()
	<-e.drained

	e.client.Disconnect(250)
	pub, failed := e.Stats()
	e.log.Info("mqtt emitter closed", "published", pub, "errors", failed)
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
