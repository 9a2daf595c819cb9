// Package mqtt wraps the paho MQTT client with the connection policy the
// device monitor needs: auto-reconnect, bounded waits on acknowledgements,
// and a hook that runs after every (re)connect.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/safego"
)

// Handler receives one message
type Handler = func(topic string, payload []byte)

// ErrTimeout is returned when the broker does not acknowledge in time
var ErrTimeout = errors.New("timed out waiting for broker")

// Client is a connected MQTT session
type Client struct {
	client  paho.Client
	qos     byte
	timeout time.Duration

	mu        sync.Mutex
	onConnect []func()
}

// DefaultClientID returns a random client id for this process
func DefaultClientID() string {
	return "sikesa-monitor-" + uuid.NewString()[:8]
}

// New builds a client for cfg. Nothing is dialed until Connect.
func New(cfg *config.MQTTConfig) *Client {
	c := &Client{
		qos:     byte(cfg.QoS),
		timeout: cfg.ConnectTimeout,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	c.client = paho.NewClient(c.buildOptions(cfg))
	return c
}

func (c *Client) buildOptions(cfg *config.MQTTConfig) *paho.ClientOptions {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID()
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(c.timeout).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(paho.Client) {
		slog.Info("connected to MQTT broker", "broker", cfg.BrokerURL, "client_id", clientID)
		c.runOnConnect()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", cfg.BrokerURL, "error", err)
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		slog.Info("reconnecting to MQTT broker", "broker", cfg.BrokerURL)
	})
	return opts
}

// OnConnect registers fn to run after the first connect and every reconnect.
// Hooks run on their own goroutine so they may call Subscribe.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *Client) runOnConnect() {
	c.mu.Lock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		safego.Go(fn)
	}
}

// Connect dials the broker and waits up to the connect timeout. If the broker
// is unreachable the client keeps retrying in the background and Connect
// returns nil; the OnConnect hooks fire once it succeeds.
func (c *Client) Connect(ctx context.Context) error {
	tok := c.client.Connect()
	if err := c.wait(ctx, tok); err != nil {
		if errors.Is(err, ErrTimeout) {
			slog.Warn("MQTT broker not reachable yet, retrying in background", "timeout", c.timeout)
			return nil
		}
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Subscribe subscribes to topic and waits for the acknowledgement
func (c *Client) Subscribe(topic string, h Handler) error {
	tok := c.client.Subscribe(topic, c.qos, func(_ paho.Client, m paho.Message) {
		safego.Run(func() { h(m.Topic(), m.Payload()) })
	})
	if err := c.wait(context.Background(), tok); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription for topic and waits for the acknowledgement
func (c *Client) Unsubscribe(topic string) error {
	if err := c.wait(context.Background(), c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the session is currently up
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects, giving in-flight work 250ms to finish
func (c *Client) Close() {
	c.client.Disconnect(250)
}

func (c *Client) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
