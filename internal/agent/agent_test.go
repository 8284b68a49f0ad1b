package agent

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cipherlink/go-backend/internal/auth"
	"cipherlink/go-backend/internal/directory"
	"cipherlink/go-backend/internal/identity"
	"cipherlink/go-backend/internal/membership"
	"cipherlink/go-backend/internal/push"
	"cipherlink/go-backend/internal/storage"
	"cipherlink/go-backend/internal/vault"
	"cipherlink/go-backend/pkg/models"
)

type world struct {
	svc     *directory.Service
	members *membership.InMemoryService
	auth    *auth.InMemoryProvider
	bus     *push.Bus
}

func newWorld() *world {
	members := membership.NewInMemoryService()
	return &world{
		svc:     directory.NewService(directory.NewMemoryStore(), members, slog.Default()),
		members: members,
		auth:    auth.NewInMemoryProvider(),
		bus:     push.NewBus(),
	}
}

type device struct {
	agent *Agent
	vault *vault.Vault
	store *storage.MessageStore
	node  *push.Node
	inbox *inbox
}

type inbox struct {
	mu   sync.Mutex
	msgs []models.DecryptedMessage
}

func (i *inbox) add(msg models.DecryptedMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
}

func (i *inbox) list() []models.DecryptedMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]models.DecryptedMessage(nil), i.msgs...)
}

// device wires one account's agent onto the shared bus and directory.
func (w *world) device(t *testing.T, accountID string) *device {
	t.Helper()
	v, err := vault.Open(accountID, vault.NewFileStore(t.TempDir()))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	node := push.NewNodeOnBus(push.DefaultConfig(), w.bus)
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start push node: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })

	store := storage.NewMessageStore()
	box := &inbox{}
	a := New(accountID, v, directory.NewLoopback(w.svc, accountID), w.auth, node, store, slog.Default())
	a.OnMessage(box.add)
	return &device{agent: a, vault: v, store: store, node: node, inbox: box}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFreshChatPingRoundTrip(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	alice := w.device(t, "alice")
	bob := w.device(t, "bob")
	if _, err := alice.agent.Signup(ctx, "alice pass"); err != nil {
		t.Fatalf("alice signup: %v", err)
	}
	if _, err := bob.agent.Signup(ctx, "bob pass"); err != nil {
		t.Fatalf("bob signup: %v", err)
	}
	w.members.SetConversation("conv-1", "alice", "bob")

	sent, err := alice.agent.SendMessage(ctx, "conv-1", []byte("ping"))
	if err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if bytes.Contains(sent.Ciphertext, []byte("ping")) {
		t.Fatal("stored ciphertext leaks plaintext")
	}

	waitFor(t, "bob to receive ping", func() bool { return len(bob.inbox.list()) == 1 })
	got := bob.inbox.list()[0]
	if got.Undecryptable || string(got.Content) != "ping" {
		t.Fatalf("bob received %+v", got)
	}
	if got.SenderID != "alice" || got.ConversationID != "conv-1" {
		t.Fatalf("wrong metadata: %+v", got)
	}

	if _, err := bob.agent.SendMessage(ctx, "conv-1", []byte("pong")); err != nil {
		t.Fatalf("send pong: %v", err)
	}
	waitFor(t, "alice to receive pong", func() bool { return len(alice.inbox.list()) == 1 })
	if string(alice.inbox.list()[0].Content) != "pong" {
		t.Fatalf("alice received %+v", alice.inbox.list()[0])
	}

	// Both ends converge on one conversation key.
	aliceKey, ok := alice.vault.ConversationKey("conv-1")
	if !ok {
		t.Fatal("alice has no cached key")
	}
	bobKey, ok := bob.vault.ConversationKey("conv-1")
	if !ok {
		t.Fatal("bob has no cached key")
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatal("participants hold different conversation keys")
	}
}

func TestSendWhileDisconnectedParksPending(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	alice := w.device(t, "alice")
	bob := w.device(t, "bob")
	if _, err := alice.agent.Signup(ctx, "alice pass"); err != nil {
		t.Fatalf("alice signup: %v", err)
	}
	if _, err := bob.agent.Signup(ctx, "bob pass"); err != nil {
		t.Fatalf("bob signup: %v", err)
	}
	w.members.SetConversation("conv-1", "alice", "bob")

	if err := alice.node.Stop(ctx); err != nil {
		t.Fatalf("stop node: %v", err)
	}
	msg, err := alice.agent.SendMessage(ctx, "conv-1", []byte("while offline"))
	if err != nil {
		t.Fatalf("send while offline: %v", err)
	}
	if alice.store.PendingCount() != 1 {
		t.Fatalf("expected 1 parked delivery, got %d", alice.store.PendingCount())
	}
	if _, ok := alice.store.GetMessage(msg.ID); !ok {
		t.Fatal("offline message missing from local history")
	}

	if err := alice.node.Start(ctx); err != nil {
		t.Fatalf("restart node: %v", err)
	}
	if err := alice.agent.Login(ctx, "alice pass"); err != nil {
		t.Fatalf("re-login: %v", err)
	}
	// The parked retry is not due for another second.
	if n, err := alice.agent.FlushPending(ctx); err != nil || n != 0 {
		t.Fatalf("early flush delivered %d, err %v", n, err)
	}
	alice.agent.now = func() time.Time { return time.Now().UTC().Add(2 * time.Second) }
	n, err := alice.agent.FlushPending(ctx)
	if err != nil {
		t.Fatalf("flush pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if alice.store.PendingCount() != 0 {
		t.Fatal("pending queue not drained")
	}
	waitFor(t, "bob to receive the parked message", func() bool { return len(bob.inbox.list()) == 1 })
	if string(bob.inbox.list()[0].Content) != "while offline" {
		t.Fatalf("bob received %+v", bob.inbox.list()[0])
	}
}

func TestHistoryKeepsPlaceholderForBadMessage(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	alice := w.device(t, "alice")
	bob := w.device(t, "bob")
	if _, err := alice.agent.Signup(ctx, "alice pass"); err != nil {
		t.Fatalf("alice signup: %v", err)
	}
	if _, err := bob.agent.Signup(ctx, "bob pass"); err != nil {
		t.Fatalf("bob signup: %v", err)
	}
	w.members.SetConversation("conv-1", "alice", "bob")

	for _, text := range []string{"one", "two", "three"} {
		if _, err := alice.agent.SendMessage(ctx, "conv-1", []byte(text)); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}
	waitFor(t, "bob to receive history", func() bool { return len(bob.inbox.list()) == 3 })

	// A corrupted record sneaks into bob's local store.
	if err := bob.store.SaveMessage(models.Message{
		ID:             "bad-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Ciphertext:     []byte("garbage"),
		Nonce:          bytes.Repeat([]byte{7}, 12),
		SentAt:         time.Now().UTC().Add(time.Minute),
	}); err != nil {
		t.Fatalf("inject bad message: %v", err)
	}

	history, err := bob.agent.History(ctx, "conv-1", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(history))
	}
	placeholders := 0
	for _, entry := range history {
		if entry.Undecryptable {
			placeholders++
			if entry.ID != "bad-1" {
				t.Fatalf("wrong message degraded: %s", entry.ID)
			}
		}
	}
	if placeholders != 1 {
		t.Fatalf("expected exactly one placeholder, got %d", placeholders)
	}
}

func TestRotationTriggersReshare(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	alice := w.device(t, "alice")
	bob := w.device(t, "bob")
	if _, err := alice.agent.Signup(ctx, "alice pass"); err != nil {
		t.Fatalf("alice signup: %v", err)
	}
	if _, err := bob.agent.Signup(ctx, "bob pass"); err != nil {
		t.Fatalf("bob signup: %v", err)
	}
	w.members.SetConversation("conv-1", "alice", "bob")

	if _, err := alice.agent.SendMessage(ctx, "conv-1", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "bob to receive", func() bool { return len(bob.inbox.list()) == 1 })
	// Bob needs local history in conv-1 to know alice is a peer.
	if _, err := bob.agent.SendMessage(ctx, "conv-1", []byte("hi")); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	waitFor(t, "alice to receive", func() bool { return len(alice.inbox.list()) == 1 })

	if err := alice.agent.RotateIdentity(ctx); err != nil {
		t.Fatalf("rotate identity: %v", err)
	}

	// Bob's rotation handler restores both wrapped records, now under his
	// sendership.
	lister := directory.NewLoopback(w.svc, "bob")
	waitFor(t, "records to be re-shared", func() bool {
		records, err := lister.ListConversationKeys(ctx, "conv-1")
		if err != nil || len(records) != 2 {
			return false
		}
		for _, rec := range records {
			if rec.SenderID != "bob" {
				return false
			}
		}
		return true
	})

	// Alice's fresh identity can open her re-shared record.
	if err := alice.vault.DeleteConversationKey("conv-1"); err != nil {
		t.Fatalf("drop cached key: %v", err)
	}
	history, err := alice.agent.History(ctx, "conv-1", 0, 0)
	if err != nil {
		t.Fatalf("history after rotation: %v", err)
	}
	for _, entry := range history {
		if entry.Undecryptable {
			t.Fatalf("message %s undecryptable after re-share", entry.ID)
		}
	}
}

func TestSendDirectMeetsInOneConversation(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	alice := w.device(t, "alice")
	bob := w.device(t, "bob")
	if _, err := alice.agent.Signup(ctx, "alice pass"); err != nil {
		t.Fatalf("alice signup: %v", err)
	}
	if _, err := bob.agent.Signup(ctx, "bob pass"); err != nil {
		t.Fatalf("bob signup: %v", err)
	}
	convID := models.DirectConversationID("alice", "bob")
	w.members.SetConversation(convID, "alice", "bob")

	sent, err := alice.agent.SendDirect(ctx, "bob", []byte("hi"))
	if err != nil {
		t.Fatalf("alice send direct: %v", err)
	}
	if sent.ConversationID != convID {
		t.Fatalf("alice addressed %q, want %q", sent.ConversationID, convID)
	}
	waitFor(t, "bob to receive hi", func() bool { return len(bob.inbox.list()) == 1 })

	// The reply from the other end lands in the same conversation.
	reply, err := bob.agent.SendDirect(ctx, "alice", []byte("hey"))
	if err != nil {
		t.Fatalf("bob send direct: %v", err)
	}
	if reply.ConversationID != convID {
		t.Fatalf("bob addressed %q, want %q", reply.ConversationID, convID)
	}
	waitFor(t, "alice to receive hey", func() bool { return len(alice.inbox.list()) == 1 })
	if got := alice.inbox.list()[0]; got.ConversationID != convID || string(got.Content) != "hey" {
		t.Fatalf("alice received %+v", got)
	}
}

func TestShowRecoveryKeyRequiresUnlockedVault(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	alice := w.device(t, "alice")

	if _, err := alice.agent.ShowRecoveryKey(); err == nil {
		t.Fatal("expected error before signup")
	}
	if _, err := alice.agent.Signup(ctx, "alice pass"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	recovery, err := alice.agent.ShowRecoveryKey()
	if err != nil {
		t.Fatalf("show recovery key: %v", err)
	}
	master, ok := alice.vault.MasterKey()
	if !ok {
		t.Fatal("vault not unlocked")
	}
	decoded, err := identity.DecodeRecoveryCode(recovery.Code())
	if err != nil {
		t.Fatalf("decode recovery code: %v", err)
	}
	if !bytes.Equal(decoded, master) {
		t.Fatal("recovery code does not encode the master key")
	}

	// Both renderings are shown to the user at signup; the word list must
	// carry the same secret as the code.
	mnemonic, err := recovery.Mnemonic()
	if err != nil {
		t.Fatalf("render mnemonic: %v", err)
	}
	fromWords, err := identity.MasterKeyFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("decode mnemonic: %v", err)
	}
	if !bytes.Equal(fromWords, master) {
		t.Fatal("mnemonic does not encode the master key")
	}
}
