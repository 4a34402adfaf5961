package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"grainwatch/internal/config"
	"grainwatch/internal/retry"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttPushPolicy bounds sink retries inside the message handler; unacked messages are redelivered on session resume.
var mqttPushPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    5 * time.Second,
}

// MQTTSubscriber receives gateway payloads from an MQTT broker topic.
// Messages are acked only after their readings reach the sink or the payload is undecodable.
type MQTTSubscriber struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
	policy retry.Policy
	ctx    context.Context
	cancel context.CancelFunc
}

func newMQTTSubscriber(topic string, logger *slog.Logger) *MQTTSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTSubscriber{topic: topic, logger: logger, policy: mqttPushPolicy, ctx: ctx, cancel: cancel}
}

// NewMQTTSubscriber connects to broker and subscribes on every (re)connect.
// Params: MQTT ingest config, decoder, sink, and optional logger.
// Returns: connected subscriber or connect error.
func NewMQTTSubscriber(cfg config.MQTTIngestConfig, decoder *Decoder, sink ReadingSink, logger *slog.Logger) (*MQTTSubscriber, error) {
	subscriber := newMQTTSubscriber(cfg.Topic, logger)
	logger = subscriber.logger
	handler := subscriber.messageHandler(decoder, sink)
	qos := byte(cfg.QoS)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetAutoAckDisabled(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		token := client.Subscribe(cfg.Topic, qos, handler)
		if token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "topic", cfg.Topic, "error", token.Error().Error())
			return
		}
		logger.Info("mqtt subscribed", "topic", cfg.Topic, "qos", qos)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err.Error())
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(time.Duration(cfg.ConnectTimeoutSec) * time.Second) {
		subscriber.cancel()
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		subscriber.cancel()
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}
	subscriber.client = client
	return subscriber, nil
}

// messageHandler decodes one message, pushes its readings with retries and acks when done with it.
func (s *MQTTSubscriber) messageHandler(decoder *Decoder, sink ReadingSink) mqtt.MessageHandler {
	return func(_ mqtt.Client, message mqtt.Message) {
		attempts, err := retry.Do(s.ctx, s.policy, func(ctx context.Context) error {
			decoded, err := decodeAndPush(ctx, decoder, sink, SourceMQTT, message.Payload())
			if err == nil && len(decoded.Rejected) > 0 {
				s.logger.Warn("mqtt ingest dropped unresolved items", "topic", message.Topic(), "rejected", len(decoded.Rejected))
			}
			return err
		}, nil, nil)
		switch {
		case err == nil:
			message.Ack()
		case retry.IsPermanent(err):
			s.logger.Warn("mqtt ingest decode failed", "topic", message.Topic(), "error", err.Error())
			message.Ack()
		default:
			s.logger.Error("mqtt ingest push failed, leaving message unacked",
				"topic", message.Topic(),
				"message_id", message.MessageID(),
				"attempts", attempts,
				"error", err.Error(),
			)
		}
	}
}

// Close unsubscribes and disconnects.
func (s *MQTTSubscriber) Close() error {
	s.cancel()
	if s.client == nil {
		return nil
	}
	if token := s.client.Unsubscribe(s.topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", "topic", s.topic, "error", token.Error().Error())
	}
	s.client.Disconnect(250)
	return nil
}
