// Package push delivers key-share and message envelopes to recipients. The
// default transport is an in-process bus; builds tagged real_waku swap in a
// go-waku relay node with the same surface.
package push

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableLightPush:     true,
		MinPeers:            1,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

type gowakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	SetIdentity(identityID string)
	Subscribe(handler func(Envelope)) error
	Publish(ctx context.Context, env Envelope) error
	FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error)
}

// Node is one principal's handle on the push channel.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	selfID  string
	handler func(Envelope)
	bus     *Bus
	gw      gowakuBackend
}

// NewNode creates a node on its own private bus.
func NewNode(cfg Config) *Node {
	return NewNodeOnBus(cfg, NewBus())
}

// NewNodeOnBus creates a node sharing an existing mock bus, so multiple
// in-process principals can reach each other.
func NewNodeOnBus(cfg Config, bus *Bus) *Node {
	return &Node{
		cfg:    normalizeConfig(cfg),
		bus:    bus,
		status: Status{State: StateDisconnected},
	}
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGowakuBackend()
		if backend == nil {
			n.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.gw = backend
		peers := backend.PeerCount()
		if peers >= n.cfg.MinPeers {
			n.transitionLocked(StateConnected)
		} else {
			n.transitionLocked(StateDegraded)
		}
		n.status.PeerCount = peers
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	n.mu.Lock()
	n.transitionLocked(StateConnected)
	n.status.PeerCount = 1
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	if n.selfID != "" {
		n.bus.unsubscribe(n.selfID)
	}
	n.transitionLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) SetIdentity(identityID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = identityID
	if n.gw != nil {
		n.gw.SetIdentity(identityID)
	}
}

func (n *Node) Subscribe(handler func(Envelope)) error {
	n.mu.Lock()
	n.handler = handler
	state := n.status.State
	selfID := n.selfID
	gw := n.gw
	n.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return errors.New("push channel not connected")
	}
	if selfID == "" {
		return errors.New("identity is not set")
	}
	if gw != nil {
		return gw.Subscribe(handler)
	}
	n.bus.subscribe(selfID, handler)
	return nil
}

func (n *Node) Publish(ctx context.Context, env Envelope) error {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return errors.New("push channel not connected")
	}
	if env.Recipient == "" {
		return errors.New("recipient is required")
	}
	if gw != nil {
		return gw.Publish(ctx, env)
	}
	n.bus.publish(env)
	return nil
}

// FetchSince pulls stored envelopes for a recipient. The mock transport
// delivers offline traffic via its mailbox on subscribe, so it has nothing
// extra to return here.
func (n *Node) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error) {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return nil, errors.New("push channel not connected")
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if gw == nil {
		return nil, nil
	}
	return gw.FetchSince(ctx, recipient, since, limit)
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) transitionLocked(next string) {
	if next != "" {
		n.status.State = next
	}
}
