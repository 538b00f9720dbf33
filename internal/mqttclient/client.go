// Package mqttclient wraps the paho client with auto-reconnect, wildcard
// subscriptions, and publish helpers for the device transport.
package mqttclient

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MessageHandler receives every inbound message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Subscription pairs a topic filter with its QoS. Control topics ride QoS 1;
// audio rides QoS 0 since stale frames are worthless.
type Subscription struct {
	Topic string
	QoS   byte
}

type Client struct {
	conn      mqtt.Client
	subs      []Subscription
	connected atomic.Bool
	log       zerolog.Logger
	handler   MessageHandler
}

type Options struct {
	Host          string
	Port          int
	ClientID      string
	Username      string
	Password      string
	Keepalive     time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	Subscriptions []Subscription
	Log           zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		subs: opts.Subscriptions,
		log:  opts.Log.With().Str("component", "mqtt").Logger(),
	}

	reconnectMax := opts.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = 30 * time.Second
	}
	reconnectMin := opts.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = 60 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port)).
		SetClientID(opts.ClientID).
		SetKeepAlive(keepalive).
		SetAutoReconnect(true).
		SetConnectRetryInterval(reconnectMin).
		SetMaxReconnectInterval(reconnectMax).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler = h
}

// Publish sends one message and waits for broker acknowledgement at the
// given QoS.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	token := c.conn.Publish(topic, qos, false, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)

	filters := make(map[string]byte, len(c.subs))
	topics := make([]string, 0, len(c.subs))
	for _, sub := range c.subs {
		filters[sub.Topic] = sub.QoS
		topics = append(topics, sub.Topic)
	}
	c.log.Info().Strs("topics", topics).Msg("mqtt connected, subscribing")
	if len(filters) > 0 {
		token := client.SubscribeMultiple(filters, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Msg("mqtt subscribe failed")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handler != nil {
		c.handler(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message received")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
