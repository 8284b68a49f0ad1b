package push

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

func TestNodeLifecycle(t *testing.T) {
	n := NewNode(DefaultConfig())
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", got)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := n.Status().State; got != StateConnected {
		t.Fatalf("expected connected after start, got %s", got)
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", got)
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	n := NewNode(DefaultConfig())
	env, err := NewEnvelope("e1", KindKeyRotation, "alice", "bob", KeyRotationPayload{UserID: "alice"})
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}
	if err := n.Publish(context.Background(), env); err == nil {
		t.Fatal("expected publish to fail while disconnected")
	}
}

func TestSharedBusDeliversLiveAndOffline(t *testing.T) {
	bus := NewBus()
	alice := NewNodeOnBus(DefaultConfig(), bus)
	bob := NewNodeOnBus(DefaultConfig(), bus)
	ctx := context.Background()

	for _, n := range []*Node{alice, bob} {
		if err := n.Start(ctx); err != nil {
			t.Fatalf("start failed: %v", err)
		}
	}
	alice.SetIdentity("alice")
	bob.SetIdentity("bob")

	var mu sync.Mutex
	var got []Envelope
	if err := bob.Subscribe(func(env Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	share, err := NewEnvelope("e1", KindKeyShare, "alice", "bob", KeySharePayload{
		ConversationID:         "conv-1",
		From:                   "alice",
		WrappedConversationKey: []byte("wrapped"),
	})
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}
	if err := alice.Publish(ctx, share); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for live delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Carol is offline; her envelope waits in the mailbox until she subscribes.
	toCarol, err := NewEnvelope("e2", KindMessage, "alice", "carol", MessagePayload{
		ConversationID: "conv-1", SenderID: "alice", Ciphertext: []byte("ct"), Nonce: []byte("n"),
	})
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}
	if err := alice.Publish(ctx, toCarol); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	carol := NewNodeOnBus(DefaultConfig(), bus)
	if err := carol.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	carol.SetIdentity("carol")
	var carolGot []Envelope
	if err := carol.Subscribe(func(env Envelope) {
		mu.Lock()
		carolGot = append(carolGot, env)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(carolGot) != 1 || carolGot[0].ID != "e2" {
		t.Fatalf("expected queued envelope on subscribe, got %+v", carolGot)
	}
}

func TestEnvelopePayloadDispatch(t *testing.T) {
	env, err := NewEnvelope("e1", KindKeyShare, "alice", "bob", KeySharePayload{
		ConversationID: "conv-1", From: "alice", WrappedConversationKey: []byte{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}
	decoded, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	share, ok := decoded.(KeySharePayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", decoded)
	}
	if share.ConversationID != "conv-1" || string(share.WrappedConversationKey) != "\x01\x02\x03" {
		t.Fatalf("unexpected payload %+v", share)
	}

	env.Kind = "mystery"
	env.Payload = json.RawMessage(`{}`)
	if _, err := env.DecodePayload(); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestNodeLifecycleGoWaku(t *testing.T) {
	if os.Getenv("CIPHERLINK_RUN_REAL_WAKU_TESTS") != "true" {
		t.Skip("set CIPHERLINK_RUN_REAL_WAKU_TESTS=true to run go-waku lifecycle test")
	}
	if newGowakuBackend() == nil {
		t.Skip("go-waku backend is not enabled in this build")
	}

	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = nil

	n := NewNode(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("go-waku start failed: %v", err)
	}
	state := n.Status().State
	if state != StateConnected && state != StateDegraded {
		t.Fatalf("expected connected/degraded after go-waku start, got %s", state)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("go-waku stop failed: %v", err)
	}
}
