//go:build real_waku

package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const (
	pushPubsubTopic  = "/waku/2/default-waku/proto"
	pushContentTopic = "/cipherlink/1/key-envelope/proto"
)

type gowakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	selfID         string
	handler        func(Envelope)
	cfg            Config
	bootstrapNodes []string
}

func newGowakuBackend() gowakuBackend {
	return &gowakuNode{}
}

func (g *gowakuNode) Start(ctx context.Context, cfg Config) error {
	opts := make([]wakuNode.WakuNodeOption, 0)
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts = append(opts, wakuNode.WithHostAddress(hostAddr))
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		opts = append(opts, wakuNode.WithWakuStore())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapNodes {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "reason", err.Error())
		}
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.bootstrapNodes = append([]string(nil), cfg.BootstrapNodes...)
	g.mu.Unlock()
	return nil
}

func (g *gowakuNode) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *gowakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *gowakuNode) SetIdentity(identityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selfID = identityID
}

func (g *gowakuNode) Subscribe(handler func(Envelope)) error {
	g.mu.Lock()
	g.handler = handler
	node := g.node
	selfID := g.selfID
	g.mu.Unlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	if selfID == "" {
		return errors.New("identity is not set")
	}

	filter := protocol.NewContentFilter(pushPubsubTopic, pushContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var envelope Envelope
				if err := json.Unmarshal(env.Message().Payload, &envelope); err != nil {
					continue
				}
				if envelope.Recipient != selfID {
					continue
				}
				handler(envelope)
			}
		}(sub)
	}
	return nil
}

func (g *gowakuNode) Publish(ctx context.Context, env Envelope) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: pushContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(pushPubsubTopic))
	return err
}

func (g *gowakuNode) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error) {
	g.mu.RLock()
	node := g.node
	bootstrapNodes := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil {
		return nil, errors.New("go-waku node is nil")
	}
	if limit <= 0 {
		limit = 100
	}
	start := since.UnixNano()
	end := time.Now().UnixNano()
	criteria := legacyStore.Query{
		PubsubTopic:   pushPubsubTopic,
		ContentTopics: []string{pushContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}
	baseOpts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}

	var (
		result  *legacyStore.Result
		err     error
		lastErr error
	)
	attempted := false
	for _, addr := range bootstrapNodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		peerAddr, maErr := ma.NewMultiaddr(addr)
		if maErr != nil {
			continue
		}
		attempted = true
		opts := append([]legacyStore.HistoryRequestOption{}, baseOpts...)
		opts = append(opts, legacyStore.WithPeerAddr(peerAddr))
		result, err = node.LegacyStore().Query(ctx, criteria, opts...)
		if err == nil {
			break
		}
		slog.Warn("store query attempt failed", "peer_addr", addr, "reason", err.Error())
		lastErr = err
	}
	if result == nil {
		// No bootstrap peer answered; let go-waku pick any connected peer.
		result, err = node.LegacyStore().Query(ctx, criteria, baseOpts...)
		if err != nil {
			if attempted && lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
	}

	byID := map[string]Envelope{}
	order := make([]string, 0, limit)
	consume := func() {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			var envelope Envelope
			if err := json.Unmarshal(wm.Payload, &envelope); err != nil {
				continue
			}
			if envelope.Recipient != recipient {
				continue
			}
			if _, exists := byID[envelope.ID]; exists {
				continue
			}
			byID[envelope.ID] = envelope
			order = append(order, envelope.ID)
		}
	}
	consume()
	for !result.IsComplete() && len(order) < limit {
		result, err = node.LegacyStore().Next(ctx, result)
		if err != nil {
			return nil, err
		}
		consume()
	}

	sort.Strings(order)
	if len(order) > limit {
		order = order[:limit]
	}
	out := make([]Envelope, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}
