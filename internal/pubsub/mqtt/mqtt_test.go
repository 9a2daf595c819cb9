package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikesa/sikesa-backend/internal/config"
)

// ---- fakes ------------------------------------------------------------------

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient implements the subset of paho.Client used here
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	handlers     map[string]paho.MessageHandler
	unsubscribed []string
	connectTok   paho.Token
	subTok       paho.Token
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]paho.MessageHandler{}}
}

func (f *fakeClient) Connect() paho.Token {
	if f.connectTok != nil {
		return f.connectTok
	}
	return doneToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subTok != nil {
		return f.subTok
	}
	f.handlers[topic] = cb
	return doneToken(nil)
}

func (f *fakeClient) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return doneToken(nil)
}

func (f *fakeClient) IsConnectionOpen() bool { return !f.disconnected }
func (f *fakeClient) Disconnect(uint) { f.disconnected = true }

func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.handlers[topic]
	f.mu.Unlock()
	if cb != nil {
		cb(f, fakeMessage{topic: topic, payload: payload})
	}
}

func newTestClient(fc *fakeClient) *Client {
	return &Client{client: fc, timeout: 200 * time.Millisecond}
}

// ---- options ----------------------------------------------------------------

func TestBuildOptions(t *testing.T) {
	c := &Client{timeout: 5 * time.Second}
	opts := c.buildOptions(&config.MQTTConfig{
		BrokerURL: "ws://broker.emqx.io:8083/mqtt",
		ClientID:  "fixed-id",
		Username:  "user",
		Password:  "secret",
		KeepAlive: 30 * time.Second,
	})

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ws", opts.Servers[0].Scheme)
	assert.Equal(t, "broker.emqx.io:8083", opts.Servers[0].Host)
	assert.Equal(t, "fixed-id", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, int64(30), opts.KeepAlive)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)
	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
	assert.NotNil(t, opts.OnConnect)
}

func TestBuildOptions_RandomClientID(t *testing.T) {
	c := &Client{timeout: time.Second}
	a := c.buildOptions(&config.MQTTConfig{BrokerURL: "tcp://localhost:1883"})
	b := c.buildOptions(&config.MQTTConfig{BrokerURL: "tcp://localhost:1883"})

	assert.True(t, strings.HasPrefix(a.ClientID, "sikesa-monitor-"), a.ClientID)
	assert.NotEqual(t, a.ClientID, b.ClientID)
	assert.Empty(t, a.Username)
}

func TestNew_DefaultTimeout(t *testing.T) {
	c := New(&config.MQTTConfig{BrokerURL: "tcp://localhost:1883", QoS: 1})
	assert.Equal(t, 10*time.Second, c.timeout)
	assert.Equal(t, byte(1), c.qos)
}

// ---- hooks ------------------------------------------------------------------

func TestOnConnect_RunsEveryHook(t *testing.T) {
	c := &Client{timeout: time.Second}
	opts := c.buildOptions(&config.MQTTConfig{BrokerURL: "tcp://localhost:1883"})

	var wg sync.WaitGroup
	wg.Add(2)
	c.OnConnect(wg.Done)
	c.OnConnect(wg.Done)

	opts.OnConnect(nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("on-connect hooks did not run")
	}
}

// ---- session ----------------------------------------------------------------

func TestSubscribe_DeliversToHandler(t *testing.T) {
	fc := newFakeClient()
	c := newTestClient(fc)

	got := make(chan string, 1)
	require.NoError(t, c.Subscribe("gate-status", func(topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}))

	fc.deliver("gate-status", []byte("ping"))
	assert.Equal(t, "gate-status=ping", <-got)
}

func TestSubscribe_HandlerPanicIsContained(t *testing.T) {
	fc := newFakeClient()
	c := newTestClient(fc)
	require.NoError(t, c.Subscribe("t", func(string, []byte) { panic("boom") }))

	assert.NotPanics(t, func() { fc.deliver("t", nil) })
}

func TestSubscribe_Errors(t *testing.T) {
	fc := newFakeClient()
	c := newTestClient(fc)

	fc.subTok = doneToken(errors.New("not authorized"))
	err := c.Subscribe("x", func(string, []byte) {})
	assert.ErrorContains(t, err, "not authorized")

	fc.subTok = pendingToken()
	err = c.Subscribe("x", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestUnsubscribe(t *testing.T) {
	fc := newFakeClient()
	c := newTestClient(fc)
	require.NoError(t, c.Subscribe("a", func(string, []byte) {}))
	require.NoError(t, c.Unsubscribe("a"))
	assert.Equal(t, []string{"a"}, fc.unsubscribed)
}

func TestConnect(t *testing.T) {
	fc := newFakeClient()
	c := newTestClient(fc)
	assert.NoError(t, c.Connect(context.Background()))

	fc.connectTok = doneToken(errors.New("bad credentials"))
	assert.ErrorContains(t, c.Connect(context.Background()), "bad credentials")

	// Unreachable broker keeps retrying in the background
	fc.connectTok = pendingToken()
	assert.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Connect(ctx), context.Canceled)
}

func TestClose(t *testing.T) {
	fc := newFakeClient()
	c := newTestClient(fc)
	assert.True(t, c.IsConnected())
	c.Close()
	assert.False(t, c.IsConnected())
}
