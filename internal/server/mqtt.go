package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	posapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// MQTTConfig holds broker connection settings for an MQTT protocol binding.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTListener subscribes to a broker topic and feeds each message to the
// codec as one wire unit.
type MQTTListener struct {
	cfg      MQTTConfig
	codec    protocol.Codec
	pipeline *posapp.Pipeline
	logger   *log.Logger

	mu      sync.Mutex
	client  mqtt.Client
	started bool
}

// NewMQTTListener constructs a listener for one protocol binding.
func NewMQTTListener(cfg MQTTConfig, codec protocol.Codec, pipeline *posapp.Pipeline, logger *log.Logger) (*MQTTListener, error) {
	if codec == nil {
		return nil, errors.New("mqtt listener: nil codec")
	}
	if pipeline == nil {
		return nil, errors.New("mqtt listener: nil pipeline")
	}
	if cfg.Broker == "" {
		return nil, errors.New("mqtt listener: broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt listener: topic required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tracker-" + codec.Name()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MQTTListener{
		cfg:      cfg,
		codec:    codec,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

// Protocol returns the bound codec name.
func (l *MQTTListener) Protocol() string { return l.codec.Name() }

// Port always reports zero; broker subscriptions have no local port.
func (l *MQTTListener) Port() int { return 0 }

// Start connects to the broker and subscribes. Idempotent.
func (l *MQTTListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.cfg.Broker)
	opts.SetClientID(l.cfg.ClientID)
	opts.SetUsername(l.cfg.Username)
	opts.SetPassword(l.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.logger.Printf("mqtt listener: %s connection lost: %v", l.codec.Name(), err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt listener: connect %s: %w", l.cfg.Broker, token.Error())
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		l.handleMessage(ctx, msg)
	}
	if token := client.Subscribe(l.cfg.Topic, l.cfg.QoS, handler); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqtt listener: subscribe %s: %w", l.cfg.Topic, token.Error())
	}

	l.client = client
	l.started = true
	l.logger.Printf("mqtt listener: %s subscribed to %s on %s", l.codec.Name(), l.cfg.Topic, l.cfg.Broker)
	return nil
}

// Stop unsubscribes and disconnects. Idempotent.
func (l *MQTTListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	client := l.client
	l.client = nil
	l.mu.Unlock()

	if token := client.Unsubscribe(l.cfg.Topic); token.Wait() && token.Error() != nil {
		l.logger.Printf("mqtt listener: %s unsubscribe: %v", l.codec.Name(), token.Error())
	}
	client.Disconnect(250)
	return nil
}

func (l *MQTTListener) handleMessage(ctx context.Context, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("mqtt listener: %s message panic: %v", l.codec.Name(), r)
		}
	}()

	client := protocol.ClientInfo{
		Protocol:   l.codec.Name(),
		Transport:  "mqtt",
		RemoteAddr: msg.Topic(),
	}

	drafts, err := l.codec.Decode(msg.Payload(), client)
	if err != nil {
		metrics.IncDecodeErrors(l.codec.Name())
		l.logger.Printf("mqtt listener: %s decode from %s: %v", l.codec.Name(), msg.Topic(), err)
		return
	}
	if len(drafts) == 0 {
		return
	}
	metrics.IncUnitsDecoded(l.codec.Name())

	if _, err := l.pipeline.Ingest(ctx, l.codec.Name(), drafts, client); err != nil {
		metrics.IncUnitsDropped(l.codec.Name())
		l.logger.Printf("mqtt listener: %s ingest from %s: %v", l.codec.Name(), msg.Topic(), err)
	}
}
