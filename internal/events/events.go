// Package events announces finished recognition sessions to other systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Event is published once per finished session.
type Event struct {
	SessionID      string           `json:"session_id"`
	Source         string           `json:"source"` // image or video
	MediaID        string           `json:"media_id,omitempty"`
	Date           string           `json:"date"`
	Students       []types.Identity `json:"students"`
	Created        int              `json:"created"`
	BudgetExceeded bool             `json:"budget_exceeded"`
	At             time.Time        `json:"at"`
}

// Publisher delivers events. Delivery is best effort: callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	// OnInvalidate registers fn to run when another instance asks every
	// process to drop its embedding cache.
	OnInvalidate(fn func()) error
	// RequestInvalidate asks every subscribed instance to drop its cache.
	RequestInvalidate(ctx context.Context) error
	Close()
}

// New returns an MQTT publisher, or a no-op one when no broker is configured.
func New(cfg config.MQTTConfig, log logrus.FieldLogger) (Publisher, error) {
	if cfg.Broker == "" {
		return Nop{}, nil
	}
	return NewMQTT(cfg, log)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error        { return nil }
func (Nop) OnInvalidate(func()) error                   { return nil }
func (Nop) RequestInvalidate(ctx context.Context) error { return nil }
func (Nop) Close()                                      {}

type MQTT struct {
	client mqtt.Client
	topic  string
	log    logrus.FieldLogger
}

const (
	qos            = 1
	publishTimeout = 5 * time.Second
)

// NewMQTT connects to cfg.Broker. Events go to cfg.Topic; cache invalidation
// requests use cfg.Topic + "/cache/invalidate".
func NewMQTT(cfg config.MQTTConfig, log logrus.FieldLogger) (*MQTT, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "rollcall"
	}
	// Broker sessions are per process, so suffix the configured ID.
	clientID += "-" + uuid.NewString()[:8]

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	log.WithFields(logrus.Fields{"broker": cfg.Broker, "client_id": clientID}).Info("connected to mqtt")
	return newMQTT(client, cfg.Topic, log), nil
}

func newMQTT(client mqtt.Client, topic string, log logrus.FieldLogger) *MQTT {
	return &MQTT{client: client, topic: topic, log: log}
}

func (m *MQTT) invalidateTopic() string { return m.topic + "/cache/invalidate" }

func (m *MQTT) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return m.send(ctx, m.topic, payload)
}

func (m *MQTT) RequestInvalidate(ctx context.Context) error {
	return m.send(ctx, m.invalidateTopic(), []byte(`{}`))
}

func (m *MQTT) send(ctx context.Context, topic string, payload []byte) error {
	token := m.client.Publish(topic, qos, false, payload)
	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (m *MQTT) OnInvalidate(fn func()) error {
	token := m.client.Subscribe(m.invalidateTopic(), qos, func(c mqtt.Client, msg mqtt.Message) {
		m.log.WithField("topic", msg.Topic()).Info("cache invalidation requested over mqtt")
		fn()
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", m.invalidateTopic())
	}
	return token.Error()
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
