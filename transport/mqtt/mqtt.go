// Package mqtt provides a mesh substrate over an MQTT broker.
//
// Every node publishes its mesh messages to "{prefix}/{mesh}/feed/{peerID}"
// and subscribes to "{prefix}/{mesh}/feed/+", so a broadcast reaches every
// other node attached to the same broker and mesh name. Presence is a
// retained message on "{prefix}/{mesh}/presence/{peerID}" listing the node's
// addresses. An empty retained payload, published on graceful stop and
// registered as the broker Last Will, means the node is gone.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/transport"
)

// Compile-time interface checks.
var (
	_ transport.Mesh      = (*Transport)(nil)
	_ transport.Discovery = (*Transport)(nil)
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "zeta"

	// DefaultMeshID is the default mesh name.
	DefaultMeshID = "social"

	feedSegment     = "feed"
	presenceSegment = "presence"
)

var (
	// ErrNoBroker is returned by Start without a broker URL.
	ErrNoBroker = errors.New("mqtt: broker URL is required")
	// ErrNoPeerID is returned by Start without a local peer ID.
	ErrNoPeerID = errors.New("mqtt: peer ID is required")
	// ErrTimeout is returned when the broker does not answer in time.
	ErrTimeout = errors.New("mqtt: timed out")
)

// Config configures the MQTT substrate.
type Config struct {
	// Broker URL, for example "tcp://localhost:1883" or "ssl://host:8883".
	Broker string
	// Username and Password authenticate with the broker when set.
	Username string
	Password string
	// UseTLS turns on TLS 1.2+ with the system roots.
	UseTLS bool
	// ClientID overrides the generated "zeta-<peer>-<random>" identifier.
	ClientID string
	// TopicPrefix is the first topic level. Default: "zeta".
	TopicPrefix string
	// MeshID is the second topic level. Nodes only see nodes with the same
	// mesh name. Default: "social".
	MeshID string
	// PeerID is this node's peer ID. Required.
	PeerID string
	// Addresses are advertised in this node's presence message.
	Addresses []string
	// ConnectTimeout is how long the first connection may take before a
	// warning is logged. Paho keeps retrying after it. Default: 30s.
	ConnectTimeout time.Duration
	// PublishTimeout bounds a single broadcast. Default: 10s.
	PublishTimeout time.Duration
	Logger         *zap.Logger
}

// Presence is the retained message announcing a node.
type Presence struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
}

// Transport is a mesh and discovery substrate over MQTT.
type Transport struct {
	cfg    Config
	log    *zap.Logger
	client paho.Client

	mu        sync.RWMutex
	connected bool
	onMessage transport.MessageHandler
	onPeer    transport.PeerHandler
	onState   transport.StateHandler
}

// New returns an MQTT substrate. Nothing connects until Start.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.MeshID == "" {
		cfg.MeshID = DefaultMeshID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, log: cfg.Logger.Named("mqtt")}
}

// Name returns "mqtt".
func (t *Transport) Name() string {
	return "mqtt"
}

func (t *Transport) feedTopic(peerID string) string {
	return t.cfg.TopicPrefix + "/" + t.cfg.MeshID + "/" + feedSegment + "/" + peerID
}

func (t *Transport) presenceTopic(peerID string) string {
	return t.cfg.TopicPrefix + "/" + t.cfg.MeshID + "/" + presenceSegment + "/" + peerID
}

// Start begins connecting to the MQTT broker and returns without waiting
// for the broker. Paho retries until it connects; IsConnected reports false
// until then. The broker Last Will clears this node's presence if the
// connection is lost.
func (t *Transport) Start(_ context.Context) error {
	if t.cfg.Broker == "" {
		return ErrNoBroker
	}
	if t.cfg.PeerID == "" {
		return ErrNoPeerID
	}

	client := paho.NewClient(t.clientOptions())
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	go t.awaitConnect(client.Connect())
	return nil
}

func (t *Transport) awaitConnect(tok paho.Token) {
	if !tok.WaitTimeout(t.cfg.ConnectTimeout) {
		t.log.Warn("broker not reachable yet, still retrying",
			zap.String("broker", t.cfg.Broker), zap.Duration("waited", t.cfg.ConnectTimeout))
		return
	}
	if err := tok.Error(); err != nil {
		t.log.Error("connecting to broker failed", zap.String("broker", t.cfg.Broker), zap.Error(err))
	}
}

// clientOptions builds the paho options. Reconnection is left to paho; the
// retained empty will clears this node's presence when the broker loses it.
func (t *Transport) clientOptions() *paho.ClientOptions {
	id := t.cfg.ClientID
	if id == "" {
		id = fmt.Sprintf("zeta-%s-%s", shortID(t.cfg.PeerID), uuid.NewString()[:8])
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(id)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(time.Minute)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(2 * time.Minute)
	opts.SetWill(t.presenceTopic(t.cfg.PeerID), "", 1, true)
	opts.SetOnConnectHandler(t.onConnected)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		t.log.Info("reconnecting to broker", zap.String("broker", t.cfg.Broker))
		t.notifyState(transport.EventReconnecting)
	})

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Stop clears this node's presence and disconnects from the broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	client := t.client
	wasConnected := t.connected
	t.connected = false
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	if wasConnected {
		token := client.Publish(t.presenceTopic(t.cfg.PeerID), 1, true, []byte{})
		token.WaitTimeout(2 * time.Second)
	}
	client.Disconnect(250)
	return nil
}

// IsConnected reports whether the broker session is up.
func (t *Transport) IsConnected() bool {
	return t.activeClient() != nil
}

func (t *Transport) activeClient() paho.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.connected || t.client == nil || !t.client.IsConnected() {
		return nil
	}
	return t.client
}

func (t *Transport) SetMessageHandler(fn transport.MessageHandler) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *Transport) SetPeerHandler(fn transport.PeerHandler) {
	t.mu.Lock()
	t.onPeer = fn
	t.mu.Unlock()
}

func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// Broadcast publishes data on this node's feed topic at QoS 0.
func (t *Transport) Broadcast(data []byte) error {
	client := t.activeClient()
	if client == nil {
		return transport.ErrNotConnected
	}
	tok := client.Publish(t.feedTopic(t.cfg.PeerID), 0, false, data)
	if !tok.WaitTimeout(t.cfg.PublishTimeout) {
		return fmt.Errorf("publishing: %w", ErrTimeout)
	}
	return tok.Error()
}

func (t *Transport) subscribe(client paho.Client) {
	filters := map[string]byte{
		t.feedTopic("+"):     0,
		t.presenceTopic("+"): 1,
	}
	token := client.SubscribeMultiple(filters, t.handleMessage)
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			t.log.Error("subscription failed", zap.Error(token.Error()))
		}
	}()
	t.log.Debug("subscribed to mesh topics", zap.String("mesh", t.cfg.MeshID))
}

func (t *Transport) announce(client paho.Client) {
	data, err := json.Marshal(Presence{PeerID: t.cfg.PeerID, Addresses: t.cfg.Addresses})
	if err != nil {
		return
	}
	client.Publish(t.presenceTopic(t.cfg.PeerID), 1, true, data)
}

// parseTopic splits "{prefix}/{mesh}/{kind}/{peerID}".
func (t *Transport) parseTopic(topic string) (kind, peerID string, ok bool) {
	base := t.cfg.TopicPrefix + "/" + t.cfg.MeshID + "/"
	rest, found := strings.CutPrefix(topic, base)
	if !found {
		return "", "", false
	}
	kind, peerID, found = strings.Cut(rest, "/")
	if !found || peerID == "" || strings.Contains(peerID, "/") {
		return "", "", false
	}
	return kind, peerID, true
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	kind, peerID, ok := t.parseTopic(message.Topic())
	if !ok {
		t.log.Debug("ignoring message on unexpected topic", zap.String("topic", message.Topic()))
		return
	}
	if peerID == t.cfg.PeerID {
		return
	}

	switch kind {
	case feedSegment:
		t.mu.RLock()
		deliver := t.onMessage
		t.mu.RUnlock()
		if deliver != nil {
			deliver(message.Payload(), transport.Source{Substrate: t.Name(), PeerID: peerID})
		}
	case presenceSegment:
		t.handlePresence(peerID, message.Payload())
	}
}

func (t *Transport) handlePresence(peerID string, payload []byte) {
	t.mu.RLock()
	report := t.onPeer
	t.mu.RUnlock()
	if report == nil {
		return
	}

	if len(payload) == 0 {
		report(transport.PeerEvent{
			Kind:      transport.PeerExpired,
			PeerID:    peerID,
			Substrate: t.Name(),
		})
		return
	}

	var p Presence
	if err := json.Unmarshal(payload, &p); err != nil {
		t.log.Debug("invalid presence message", zap.String("peer", peerID), zap.Error(err))
		return
	}
	addrs := p.Addresses
	if len(addrs) == 0 {
		addrs = []string{"mqtt:" + peerID}
	}
	report(transport.PeerEvent{
		Kind:      transport.PeerIdentified,
		PeerID:    peerID,
		Addresses: addrs,
		Substrate: t.Name(),
	})
}

func (t *Transport) onConnected(client paho.Client) {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.subscribe(client)
	t.announce(client)
	t.log.Info("connected to broker", zap.String("broker", t.cfg.Broker), zap.String("mesh", t.cfg.MeshID))
	t.notifyState(transport.EventConnected)
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	t.log.Warn("broker connection lost", zap.Error(err))
	t.notifyState(transport.EventDisconnected)
}

func (t *Transport) notifyState(ev transport.Event) {
	t.mu.RLock()
	fn := t.onState
	t.mu.RUnlock()
	if fn != nil {
		fn(t, ev)
	}
}

func shortID(peerID string) string {
	if len(peerID) <= 8 {
		return peerID
	}
	return peerID[len(peerID)-8:]
}
