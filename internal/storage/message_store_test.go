package storage

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"cipherlink/go-backend/internal/securestore"
	"cipherlink/go-backend/pkg/models"
)

func TestMessageStoreHistoryOrderAndPaging(t *testing.T) {
	s := NewMessageStore()
	now := time.Now().UTC()
	items := []models.Message{
		{ID: "m3", ConversationID: "conv-1", SenderID: "alice", SentAt: now.Add(2 * time.Second)},
		{ID: "m1", ConversationID: "conv-1", SenderID: "alice", SentAt: now},
		{ID: "m2", ConversationID: "conv-1", SenderID: "bob", SentAt: now.Add(time.Second)},
		{ID: "x1", ConversationID: "conv-2", SenderID: "bob", SentAt: now},
	}
	for _, msg := range items {
		if err := s.SaveMessage(msg); err != nil {
			t.Fatalf("save message failed: %v", err)
		}
	}

	history := s.ListMessages("conv-1", 0, 0)
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].ID != "m1" || history[1].ID != "m2" || history[2].ID != "m3" {
		t.Fatalf("history out of send order: %s %s %s", history[0].ID, history[1].ID, history[2].ID)
	}

	page := s.ListMessages("conv-1", 1, 1)
	if len(page) != 1 || page[0].ID != "m2" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestMessageStoreRejectsMessageIDConflict(t *testing.T) {
	s := NewMessageStore()
	base := models.Message{
		ID:             "dup-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Ciphertext:     []byte("first"),
		SentAt:         time.Now().UTC(),
	}
	if err := s.SaveMessage(base); err != nil {
		t.Fatalf("save base message failed: %v", err)
	}
	if err := s.SaveMessage(base); err != nil {
		t.Fatalf("identical re-save must be a no-op: %v", err)
	}

	conflict := base
	conflict.Ciphertext = []byte("second")
	if err := s.SaveMessage(conflict); !errors.Is(err, ErrMessageIDConflict) {
		t.Fatalf("expected ErrMessageIDConflict, got %v", err)
	}
}

func TestEncryptedPersistentMessageStoreTamperFailsAuth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.enc")
	store, err := NewEncryptedPersistentMessageStore(path, "pass")
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := store.SaveMessage(models.Message{
		ID:             "m2",
		ConversationID: "conv-1",
		SenderID:       "alice",
		SentAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save message failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file failed: %v", err)
	}
	data[len(data)-3] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write tampered file failed: %v", err)
	}

	_, err = NewEncryptedPersistentMessageStore(path, "pass")
	if !errors.Is(err, securestore.ErrAuthFailed) && !errors.Is(err, securestore.ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestMessageStoreReloadKeepsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	store, err := NewPersistentMessageStore(path)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	msg := models.Message{
		ID:             "m-out",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Ciphertext:     []byte{1, 2, 3},
		SentAt:         time.Now().UTC(),
	}
	if err := store.SaveMessage(msg); err != nil {
		t.Fatalf("save message failed: %v", err)
	}
	if err := store.AddOrUpdatePending(msg, 2, time.Now().UTC().Add(-time.Minute), "peer offline"); err != nil {
		t.Fatalf("add pending failed: %v", err)
	}

	reloaded, err := NewPersistentMessageStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	due := reloaded.DuePending(time.Now().UTC())
	if len(due) != 1 || due[0].Message.ID != "m-out" || due[0].RetryCount != 2 {
		t.Fatalf("pending delivery lost across reload: %+v", due)
	}
	if err := reloaded.RemovePending("m-out"); err != nil {
		t.Fatalf("remove pending failed: %v", err)
	}
	if reloaded.PendingCount() != 0 {
		t.Fatal("pending entry not removed")
	}
}

func TestMessageStoreSaveMessageRollbackOnPersistError(t *testing.T) {
	store := &MessageStore{
		messages: make(map[string]models.Message),
		pending:  make(map[string]PendingDelivery),
		path:     t.TempDir(), // directory path forces the write to fail
	}
	msg := models.Message{
		ID:             "m-rollback",
		ConversationID: "conv-1",
		SentAt:         time.Now().UTC(),
	}
	if err := store.SaveMessage(msg); err == nil {
		t.Fatal("expected save error")
	}
	if _, ok := store.GetMessage(msg.ID); ok {
		t.Fatal("message must not stay in memory after persist failure")
	}
}

func TestMessageStoreDeleteAndClearConversation(t *testing.T) {
	s := NewMessageStore()
	now := time.Now().UTC()
	items := []models.Message{
		{ID: "m1", ConversationID: "conv-1", SentAt: now},
		{ID: "m2", ConversationID: "conv-1", SentAt: now.Add(time.Second)},
		{ID: "m3", ConversationID: "conv-2", SentAt: now.Add(2 * time.Second)},
	}
	for _, msg := range items {
		if err := s.SaveMessage(msg); err != nil {
			t.Fatalf("save message failed: %v", err)
		}
	}

	deleted, err := s.DeleteMessage("conv-1", "m1")
	if err != nil {
		t.Fatalf("delete message failed: %v", err)
	}
	if !deleted {
		t.Fatal("expected message to be deleted")
	}

	cleared, err := s.ClearConversation("conv-1")
	if err != nil {
		t.Fatalf("clear conversation failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected cleared=1, got %d", cleared)
	}
	if got := s.ListMessages("conv-1", 0, 0); len(got) != 0 {
		t.Fatalf("expected conv-1 history empty, got %d", len(got))
	}
	if got := s.ListMessages("conv-2", 0, 0); len(got) != 1 {
		t.Fatalf("expected conv-2 history preserved, got %d", len(got))
	}
}

func TestEncryptedPersistentMessageStoreCreatesPrivateDir(t *testing.T) {
	baseDir := t.TempDir()
	path := filepath.Join(baseDir, "secure", "messages.enc")
	store, err := NewEncryptedPersistentMessageStore(path, "pass")
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := store.SaveMessage(models.Message{
		ID:             "m-private-dir",
		ConversationID: "conv-1",
		SentAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save message failed: %v", err)
	}

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("stat dir failed: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o700 {
		t.Fatalf("expected dir perm 0700, got %04o", info.Mode().Perm())
	}
}
