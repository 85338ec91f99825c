package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives one inbound message. It runs on a paho goroutine and
// must hand work off quickly.
type Handler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler Handler
}

// Client is the single broker connection shared by ingestion and the command dispatcher
type Client struct {
	cfg *config.MQTTConfig
	log *logger.Logger

	client mqtt.Client

	mu   sync.Mutex
	subs map[string]subscription
}

func New(cfg *config.MQTTConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:  cfg,
		log:  log.WithComponent("broker"),
		subs: make(map[string]subscription),
	}
}

// Connect starts the connection. When the broker is unreachable within
// ConnectTimeout the client keeps retrying in the background and Connect
// returns nil; only configuration errors are returned.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.GetMQTTBrokerURL()).
		SetClientID(c.cfg.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(c.cfg.KeepAlive).
		SetPingTimeout(c.cfg.PingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetCleanSession(false)

	if c.cfg.BrokerUser != "" {
		opts.SetUsername(c.cfg.BrokerUser)
		opts.SetPassword(c.cfg.BrokerPass)
	}

	if c.cfg.UseTLS {
		tlsCfg, err := tlsConfig(c.cfg.CACertPath)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.log.ErrorWithError(err, "mqtt connection lost")
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.log.Warn("mqtt reconnecting")
	}
	opts.OnConnect = c.onConnect

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &mqtmodels.ConnectivityError{Op: "connect", Err: err}
		}
	case <-time.After(c.cfg.ConnectTimeout):
		c.log.WithField("broker", c.cfg.GetMQTTBrokerURL()).Warn("mqtt broker not reachable yet, retrying in background")
	case <-ctx.Done():
		c.log.Warn("mqtt connect interrupted, retrying in background")
	}
	return nil
}

// onConnect re-establishes every subscription after a (re)connect
func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for filter, sub := range c.subs {
		subs[filter] = sub
	}
	c.mu.Unlock()

	c.log.WithField("subscriptions", len(subs)).Info("mqtt connected")
	for filter, sub := range subs {
		if token := client.Subscribe(filter, sub.qos, wrap(sub.handler)); token.Wait() && token.Error() != nil {
			c.log.WithField("filter", filter).ErrorWithError(token.Error(), "subscribe error")
		}
	}
}

// Subscribe registers handler for filter. The subscription is made now when
// connected and re-made on every reconnect.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	token := c.client.Subscribe(filter, qos, wrap(handler))
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return &mqtmodels.ConnectivityError{Op: "subscribe", Err: fmt.Errorf("timeout subscribing to %s", filter)}
	}
	if err := token.Error(); err != nil {
		return &mqtmodels.ConnectivityError{Op: "subscribe", Err: err}
	}
	c.log.WithField("filter", filter).Info("subscribed")
	return nil
}

// Unsubscribe stops delivery for filters so no new work arrives during shutdown
func (c *Client) Unsubscribe(filters ...string) error {
	c.mu.Lock()
	for _, f := range filters {
		delete(c.subs, f)
	}
	c.mu.Unlock()

	if len(filters) == 0 || !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(filters...)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return &mqtmodels.ConnectivityError{Op: "unsubscribe", Err: fmt.Errorf("timeout")}
	}
	return token.Error()
}

// Publish sends payload and waits up to PublishTimeout for the broker ack.
// A disconnected client fails immediately.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		return &mqtmodels.ConnectivityError{Op: "publish"}
	}

	token := c.client.Publish(topic, qos, false, payload)
	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &mqtmodels.ConnectivityError{Op: "publish", Err: err}
		}
		return nil
	case <-timer.C:
		return &mqtmodels.ConnectivityError{Op: "publish", Err: fmt.Errorf("no ack within %s", c.cfg.PublishTimeout)}
	case <-ctx.Done():
		return &mqtmodels.ConnectivityError{Op: "publish", Err: ctx.Err()}
	}
}

// PublishAsync sends payload without waiting for the ack. It is a no-op when disconnected.
func (c *Client) PublishAsync(topic string, qos byte, payload []byte) {
	if !c.IsConnected() {
		return
	}
	c.client.Publish(topic, qos, false, payload)
}

func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Disconnect waits up to quiesce for in-flight work before closing
func (c *Client) Disconnect(quiesce time.Duration) {
	if c.client == nil {
		return
	}
	c.client.Disconnect(uint(quiesce / time.Millisecond))
	c.log.Info("mqtt disconnected")
}

func wrap(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	}
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file")
	}
	cfg.RootCAs = cp
	return cfg, nil
}
