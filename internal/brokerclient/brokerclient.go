// Package brokerclient implements the Broker Client state machine shared by
// the Main and Downstream broker connections: connect, backoff-and-jitter
// reconnect, subscribe, non-blocking publish, and graceful shutdown.
package brokerclient

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/backoff"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/payload"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/tlsconfig"
)

// State is one of the Broker Client's lifecycle states (spec.md §4.3).
type State string

const (
	Initializing  State = "initializing"
	Connecting    State = "connecting"
	Connected     State = "connected"
	Disconnecting State = "disconnecting"
	Reconnecting  State = "reconnecting"
	Terminated    State = "terminated"
	Failed        State = "failed"
)

// connectTimeout bounds a single connect attempt before it is counted as a
// failure and backoff advances (spec.md §5).
const connectTimeout = 10 * time.Second

// shutdownGrace is the graceful-disconnect deadline before a force-abort
// (spec.md §4.3/§5).
const shutdownGrace = 2 * time.Second

// publishQueueSize bounds the non-blocking outbound publish queue; beyond
// this, publish drops with reason QueueFull.
const publishQueueSize = 256

// DropReason explains why publish declined to enqueue a message.
type DropReason string

const (
	DropQueueFull    DropReason = "QueueFull"
	DropNotConnected DropReason = "NotConnected"
)

// Inbound is one message delivered from the broker to the manager.
type Inbound struct {
	Topic   string
	Payload *payload.Buffer
	QoS     byte
	Retain  bool
}

// Options configures a Client's connection to a single broker.
type Options struct {
	// Address is the broker host; the port is given separately in Port.
	Address string
	Port    int
	// ClientIDPrefix is combined with a random 8-hex-character suffix,
	// drawn afresh on every connect attempt, to form the MQTT client id
	// ("{prefix}-{suffix}"). The broker record's id is not part of it.
	ClientIDPrefix string
	Username       string
	Password       string
	TLS            tlsconfig.Options
	// Subscriptions are the topic filters to subscribe to on connect.
	Subscriptions []string
	// SubscribeQoS is the QoS used for subscriptions.
	SubscribeQoS byte
	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration
	// Label identifies this client in logs ("main" or a broker id).
	Label string
}

// Client wraps a paho.mqtt.golang client with the proxy's reconnect,
// state, and non-blocking publish discipline. The zero value is not
// usable; construct with New.
type Client struct {
	opts Options

	mu         sync.RWMutex
	state      State
	client     mqtt.Client
	clientID   string
	generation uint64

	inbound       chan Inbound
	inboundClosed atomic.Bool
	publishQ      chan publishRequest
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	stopOnce      sync.Once

	connectedFlag atomic.Bool
}

type publishRequest struct {
	topic   string
	payload *payload.Buffer
	qos     byte
	retain  bool
}

// New constructs a Client in the Initializing state. Call Run to start its
// event loop.
func New(opts Options) *Client {
	return &Client{
		opts:      opts,
		state:     Initializing,
		inbound:   make(chan Inbound, publishQueueSize),
		publishQ:  make(chan publishRequest, publishQueueSize),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// generateClientIDSuffix disambiguates reconnects so the broker doesn't
// treat us as the still-alive prior session.
func generateClientIDSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("brokerclient: random client-id suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Run starts the client's connect-and-reconnect loop. It blocks until
// Shutdown() is called or the stop channel closes; callers run it in its
// own goroutine.
func (c *Client) Run() {
	defer close(c.stoppedCh)
	defer func() {
		// Closing inbound here (rather than in Shutdown) guarantees it only
		// happens after the connect/reconnect loop has fully exited, so a
		// downstream-fanout consumer ranging over Inbound() is guaranteed to
		// see the channel close instead of blocking forever.
		c.inboundClosed.Store(true)
		close(c.inbound)
	}()

	go c.forwardPublishes()

	backoffDelay := backoff.Initial
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.setState(Connecting)
		if err := c.connectOnce(); err != nil {
			slog.Warn("broker connect failed", "label", c.opts.Label, "err", err)
			c.setState(Reconnecting)
			select {
			case <-time.After(backoff.Jitter(backoffDelay)):
			case <-c.stopCh:
				return
			}
			backoffDelay = backoff.Next(backoffDelay)
			continue
		}

		backoffDelay = backoff.Initial
		c.setState(Connected)
		c.connectedFlag.Store(true)

		select {
		case <-c.stopCh:
			c.disconnectGracefully()
			return
		case <-c.transportLost():
			c.connectedFlag.Store(false)
			c.setState(Reconnecting)
		}
	}
}

// forwardPublishes runs for the client's whole lifetime, sending queued
// publishes as soon as a connection is available. A publish that arrives
// while disconnected simply waits in the queue for the next connection.
func (c *Client) forwardPublishes() {
	for {
		select {
		case <-c.stopCh:
			return
		case req := <-c.publishQ:
			for !c.Connected() {
				select {
				case <-c.stopCh:
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
			c.doPublish(req)
		}
	}
}

// transportLost returns a channel that closes once the paho client reports
// itself disconnected, so Run can fall through to the reconnect branch
// without busy-polling.
func (c *Client) transportLost() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.mu.RLock()
				cl := c.client
				c.mu.RUnlock()
				if cl == nil || !cl.IsConnectionOpen() {
					return
				}
			}
		}
	}()
	return ch
}

func (c *Client) connectOnce() error {
	suffix, err := generateClientIDSuffix()
	if err != nil {
		return err
	}
	clientID := fmt.Sprintf("%s-%s", c.opts.ClientIDPrefix, suffix)

	protocol := "tcp"
	tlsCfg := tlsconfig.Build(c.opts.TLS)
	if tlsCfg != nil {
		protocol = "ssl"
	}
	brokerURL := fmt.Sprintf("%s://%s:%d", protocol, c.opts.Address, c.opts.Port)

	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	keepAlive := c.opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false) // the proxy drives its own reconnect/backoff loop
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("broker connected", "label", c.opts.Label, "clientId", clientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("broker connection lost", "label", c.opts.Label, "err", err)
	})

	generation := atomic.AddUint64(&c.generation, 1)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(generation, msg)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.clientID = clientID
	c.mu.Unlock()

	for _, filter := range c.effectiveSubscriptions() {
		subToken := client.Subscribe(filter, c.opts.SubscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
			c.handleMessage(generation, msg)
		})
		if subToken.WaitTimeout(connectTimeout) && subToken.Error() != nil {
			slog.Warn("subscribe failed", "label", c.opts.Label, "topic", filter, "err", subToken.Error())
		}
	}

	return nil
}

// effectiveFilters applies the empty-subscriptions-means-observe-everything
// default (spec.md §3) to a raw filter list.
func effectiveFilters(subs []string) []string {
	if len(subs) == 0 {
		return []string{"#"}
	}
	return subs
}

func (c *Client) effectiveSubscriptions() []string {
	c.mu.RLock()
	subs := c.opts.Subscriptions
	c.mu.RUnlock()
	return effectiveFilters(subs)
}

// UpdateSubscriptions moves a live connection from its current filter set to
// want by issuing SUBSCRIBE for newly-added filters and UNSUBSCRIBE for
// removed ones, without reconnecting (spec.md §4.4 "re-issue subscriptions
// for the broker's updated topic filters without reconnecting", S4). If the
// client is not currently connected, it only records want for the next
// connectOnce() to pick up.
func (c *Client) UpdateSubscriptions(want []string) {
	c.mu.Lock()
	have := effectiveFilters(c.opts.Subscriptions)
	qos := c.opts.SubscribeQoS
	cl := c.client
	generation := c.generation
	c.opts.Subscriptions = want
	c.mu.Unlock()

	if cl == nil || !c.Connected() {
		return
	}

	toAdd, toRemove := diffFilters(have, effectiveFilters(want))
	for _, filter := range toRemove {
		token := cl.Unsubscribe(filter)
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			slog.Warn("unsubscribe failed", "label", c.opts.Label, "topic", filter, "err", token.Error())
		}
	}
	for _, filter := range toAdd {
		subToken := cl.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
			c.handleMessage(generation, msg)
		})
		if subToken.WaitTimeout(connectTimeout) && subToken.Error() != nil {
			slog.Warn("subscribe failed", "label", c.opts.Label, "topic", filter, "err", subToken.Error())
		}
	}
}

// diffFilters returns the filters present in want but not have (toAdd) and
// the filters present in have but not want (toRemove).
func diffFilters(have, want []string) (toAdd, toRemove []string) {
	haveSet := make(map[string]struct{}, len(have))
	for _, f := range have {
		haveSet[f] = struct{}{}
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, f := range want {
		wantSet[f] = struct{}{}
	}
	for _, f := range want {
		if _, ok := haveSet[f]; !ok {
			toAdd = append(toAdd, f)
		}
	}
	for _, f := range have {
		if _, ok := wantSet[f]; !ok {
			toRemove = append(toRemove, f)
		}
	}
	return toAdd, toRemove
}

func (c *Client) handleMessage(generation uint64, msg mqtt.Message) {
	if atomic.LoadUint64(&c.generation) != generation {
		return // stale callback from a torn-down connection
	}
	if c.inboundClosed.Load() {
		return
	}

	buf := payload.New(append([]byte(nil), msg.Payload()...))
	select {
	case c.inbound <- Inbound{Topic: msg.Topic(), Payload: buf, QoS: msg.Qos(), Retain: msg.Retained()}:
	default:
		slog.Warn("inbound queue full, dropping message", "label", c.opts.Label, "topic", msg.Topic())
	}
}

// Inbound returns the channel of messages received from this broker.
func (c *Client) Inbound() <-chan Inbound {
	return c.inbound
}

// Publish enqueues a message for this client's event loop to send. It
// never blocks: when the outbound queue is full it drops the message and
// returns DropQueueFull.
func (c *Client) Publish(topic string, buf *payload.Buffer, qos byte, retain bool) (ok bool, reason DropReason) {
	if !c.Connected() {
		return false, DropNotConnected
	}
	select {
	case c.publishQ <- publishRequest{topic: topic, payload: buf, qos: qos, retain: retain}:
		return true, ""
	default:
		return false, DropQueueFull
	}
}

func (c *Client) doPublish(req publishRequest) {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return
	}
	token := cl.Publish(req.topic, req.qos, req.retain, req.payload.Bytes())
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Warn("publish failed", "label", c.opts.Label, "topic", req.topic, "err", err)
		}
	}()
}

// Connected reports whether the client currently believes it is connected.
func (c *Client) Connected() bool {
	return c.connectedFlag.Load()
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ClientID returns the MQTT client id currently in use, empty before the
// first successful connect.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *Client) disconnectGracefully() {
	c.setState(Disconnecting)
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl != nil {
		cl.Disconnect(uint(shutdownGrace.Milliseconds()))
	}
	c.setState(Terminated)
}

// Shutdown stops the client's event loop. It signals the loop to exit and
// blocks until it has; a connected client disconnects with a shutdownGrace
// quiesce. If the loop has not exited within shutdownGrace plus one second,
// Shutdown logs a warning and returns without waiting further.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	select {
	case <-c.stoppedCh:
	case <-time.After(shutdownGrace + time.Second):
		slog.Warn("broker client shutdown forced past grace deadline", "label", c.opts.Label)
	}
}
