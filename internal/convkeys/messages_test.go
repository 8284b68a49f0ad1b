package convkeys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"cipherlink/go-backend/internal/cipher"
	"cipherlink/go-backend/pkg/models"
)

func encryptBatch(t *testing.T, key []byte, conversationID string, contents []string) []models.Message {
	t.Helper()
	msgs := make([]models.Message, 0, len(contents))
	for i, content := range contents {
		ct, nonce, err := cipher.Encrypt(key, []byte(content))
		if err != nil {
			t.Fatalf("encrypt message %d: %v", i, err)
		}
		msgs = append(msgs, models.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: conversationID,
			SenderID:       "alice",
			Ciphertext:     ct,
			Nonce:          nonce,
			SentAt:         time.Now().UTC(),
		})
	}
	return msgs
}

func TestDecryptHistoryRecoversFromStaleCachedKey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.newParty(t, "alice")
	bob := f.newParty(t, "bob")
	f.members.SetConversation("conv-1", "alice", "bob")

	key, err := alice.mgr.Resolve(ctx, "conv-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	msgs := encryptBatch(t, key, "conv-1", []string{"one", "two", "three", "four", "five", "six"})

	// Bob's cached key went stale; the directory record is still good.
	stale, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("generate stale key: %v", err)
	}
	if err := bob.vault.PutConversationKey("conv-1", stale); err != nil {
		t.Fatalf("poison cache: %v", err)
	}

	decrypted, err := bob.mgr.DecryptHistory(ctx, "conv-1", msgs)
	if err != nil {
		t.Fatalf("decrypt history: %v", err)
	}
	if len(decrypted) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(decrypted), len(msgs))
	}
	for i, dec := range decrypted {
		if dec.Undecryptable {
			t.Fatalf("message %d undecryptable after key refresh", i)
		}
	}
	if string(decrypted[0].Content) != "one" || string(decrypted[5].Content) != "six" {
		t.Fatal("refreshed key produced wrong plaintext")
	}

	// The refreshed key replaces the stale one in the vault.
	cached, ok := bob.vault.ConversationKey("conv-1")
	if !ok || !bytes.Equal(cached, key) {
		t.Fatal("vault still holds the stale key")
	}
}

func TestDecryptHistoryDegradesToPlaceholders(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.newParty(t, "alice")
	bob := f.newParty(t, "bob")
	f.members.SetConversation("conv-1", "alice", "bob")

	if _, err := alice.mgr.Resolve(ctx, "conv-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// History sealed under a key nobody in the directory holds: the one
	// retry cannot help, yet the batch must come back, not abort.
	lost, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("generate lost key: %v", err)
	}
	msgs := encryptBatch(t, lost, "conv-1", []string{"one", "two", "three", "four", "five"})

	decrypted, err := bob.mgr.DecryptHistory(ctx, "conv-1", msgs)
	if err != nil {
		t.Fatalf("decrypt history: %v", err)
	}
	if len(decrypted) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(decrypted), len(msgs))
	}
	for i, dec := range decrypted {
		if !dec.Undecryptable {
			t.Fatalf("message %d should be a placeholder", i)
		}
		if len(dec.Content) != 0 {
			t.Fatalf("placeholder %d carries content", i)
		}
		if dec.ID != msgs[i].ID {
			t.Fatalf("placeholder %d lost its message ID", i)
		}
	}
}

func TestDecryptHistoryMarksSingleBadMessage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.newParty(t, "alice")
	bob := f.newParty(t, "bob")
	f.members.SetConversation("conv-1", "alice", "bob")

	key, err := alice.mgr.Resolve(ctx, "conv-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	msgs := encryptBatch(t, key, "conv-1", []string{"one", "two", "three", "four", "five", "six"})
	msgs[2].Ciphertext[0] ^= 0xff

	decrypted, err := bob.mgr.DecryptHistory(ctx, "conv-1", msgs)
	if err != nil {
		t.Fatalf("decrypt history: %v", err)
	}
	for i, dec := range decrypted {
		if i == 2 {
			if !dec.Undecryptable {
				t.Fatal("tampered message not marked undecryptable")
			}
			continue
		}
		if dec.Undecryptable {
			t.Fatalf("healthy message %d marked undecryptable", i)
		}
	}
	if string(decrypted[3].Content) != "four" {
		t.Fatal("message after the tampered one decrypted wrong")
	}
}

// offlineDirectory fails every call, standing in for a device without
// connectivity to the directory.
type offlineDirectory struct{ err error }

func (d offlineDirectory) GetPublicKey(context.Context, string) ([]byte, error) {
	return nil, d.err
}
func (d offlineDirectory) ShareConversationKey(context.Context, models.ConversationKeyRecord) error {
	return d.err
}
func (d offlineDirectory) GetOwnConversationKey(context.Context, string) (models.ConversationKeyRecord, error) {
	return models.ConversationKeyRecord{}, d.err
}
func (d offlineDirectory) ListParticipants(context.Context, string) ([]string, error) {
	return nil, d.err
}

func TestDecryptHistoryPropagatesDirectoryOutage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := f.newParty(t, "bob")

	key, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msgs := encryptBatch(t, key, "conv-1", []string{"one", "two"})

	errDial := errors.New("connection refused")
	offline := NewManager("bob", bob.vault, offlineDirectory{err: errDial}, staticIdentity{priv: bob.priv}, slog.Default())

	// No cached key and no reachable directory: the caller gets the
	// transport error, not a wall of placeholders.
	if _, err := offline.DecryptHistory(ctx, "conv-1", msgs); !errors.Is(err, errDial) {
		t.Fatalf("expected the directory error, got %v", err)
	}

	// With the key cached the same manager works without the directory.
	if err := bob.vault.PutConversationKey("conv-1", key); err != nil {
		t.Fatalf("cache key: %v", err)
	}
	decrypted, err := offline.DecryptHistory(ctx, "conv-1", msgs)
	if err != nil {
		t.Fatalf("decrypt history from cache: %v", err)
	}
	if string(decrypted[0].Content) != "one" {
		t.Fatal("cached key produced wrong plaintext")
	}
}

func TestDecryptHistoryPlaceholdersForUnopenableRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.newParty(t, "alice")
	bob := f.newParty(t, "bob")
	f.members.SetConversation("conv-1", "alice", "bob")

	// Bob's stored record is wrapped for alice's key, so his identity can
	// never open it. The retry cannot help; the batch must still render.
	key, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wrapped, err := cipher.WrapForRecipient(alice.pub, key)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	if err := alice.dir.ShareConversationKey(ctx, models.ConversationKeyRecord{
		ConversationID: "conv-1",
		RecipientID:    "bob",
		SenderID:       "alice",
		WrappedKey:     wrapped,
	}); err != nil {
		t.Fatalf("share record: %v", err)
	}

	msgs := encryptBatch(t, key, "conv-1", []string{"one", "two", "three"})
	decrypted, err := bob.mgr.DecryptHistory(ctx, "conv-1", msgs)
	if err != nil {
		t.Fatalf("decrypt history: %v", err)
	}
	for i, dec := range decrypted {
		if !dec.Undecryptable {
			t.Fatalf("message %d should be a placeholder", i)
		}
	}
}

func TestDecryptAdoptsConversationOnFirstMessage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.newParty(t, "alice")
	bob := f.newParty(t, "bob")
	f.members.SetConversation("conv-1", "alice", "bob")

	ct, nonce, err := alice.mgr.Encrypt(ctx, "conv-1", []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Bob has never touched conv-1; Decrypt pulls his wrapped record.
	dec, err := bob.mgr.Decrypt(ctx, models.Message{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Ciphertext:     ct,
		Nonce:          nonce,
	})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(dec.Content) != "hello" {
		t.Fatalf("got %q, want %q", dec.Content, "hello")
	}
	if _, ok := bob.vault.ConversationKey("conv-1"); !ok {
		t.Fatal("conversation key not cached after first decrypt")
	}
}
