package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gasguard/internal/logging"
)

type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
}

// MQTTSource subscribes to device telemetry on a broker. Topics follow
// gas/<sid>/telemetry; the sid segment is used when a payload omits it.
type MQTTSource struct {
	opts     MQTTOptions
	dispatch *Dispatcher
	logger   *slog.Logger
	peer     string
}

func NewMQTTSource(opts MQTTOptions, d *Dispatcher, logger *slog.Logger) *MQTTSource {
	if opts.Topic == "" {
		opts.Topic = "gas/+/telemetry"
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("gasguard-%d", time.Now().UnixNano())
	}
	return &MQTTSource{opts: opts, dispatch: d, logger: logging.OrDiscard(logger), peer: brokerHost(opts.Broker)}
}

// Serve connects, subscribes and blocks until ctx is done. Reconnects are
// left to the client's auto-reconnect.
func (s *MQTTSource) Serve(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.Broker)
	opts.SetClientID(s.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.opts.Topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			s.handle(ctx, msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.opts.Topic, "error", token.Error())
			return
		}
		s.logger.Info("mqtt ingest subscribed", "broker", s.opts.Broker, "topic", s.opts.Topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "broker", s.opts.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", s.opts.Broker, token.Error())
	}
	<-ctx.Done()
	client.Disconnect(250)
	return nil
}

func (s *MQTTSource) handle(ctx context.Context, topic string, payload []byte) {
	s.dispatch.IngestAs(ctx, nil, "mqtt", s.peer, sidFromTopic(topic), string(payload))
}

// sidFromTopic returns the second segment of gas/<sid>/telemetry style topics.
func sidFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

func brokerHost(broker string) string {
	if u, err := url.Parse(broker); err == nil && u.Host != "" {
		return u.Host
	}
	return broker
}
