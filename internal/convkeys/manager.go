// Package convkeys manages per-conversation symmetric keys: resolution
// through the cache/directory/generate chain, distribution wrapped for each
// participant, and message encryption on top of the resolved key.
package convkeys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"cipherlink/go-backend/internal/cipher"
	"cipherlink/go-backend/internal/directory"
	"cipherlink/go-backend/internal/platform/privacylog"
	"cipherlink/go-backend/internal/vault"
	"cipherlink/go-backend/pkg/models"
)

var (
	// ErrRecipientHasNoIdentity is user visible: a participant has not
	// completed signup, so no key can be wrapped for them.
	ErrRecipientHasNoIdentity = errors.New("recipient has no identity yet")
	ErrStaleConversationKey   = errors.New("conversation key record cannot be opened with this identity")
)

// Directory is the slice of the key directory this manager consumes.
type Directory interface {
	GetPublicKey(ctx context.Context, userID string) ([]byte, error)
	ShareConversationKey(ctx context.Context, record models.ConversationKeyRecord) error
	GetOwnConversationKey(ctx context.Context, conversationID string) (models.ConversationKeyRecord, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// Identity provides the unlocked identity private key for unwrapping.
type Identity interface {
	PrivateKey() (*rsa.PrivateKey, error)
}

type Manager struct {
	accountID string
	vault     *vault.Vault
	dir       Directory
	ident     Identity
	log       *slog.Logger
	announce  func(ctx context.Context, recipient string, share models.KeyShare)
}

func NewManager(accountID string, v *vault.Vault, dir Directory, ident Identity, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{accountID: accountID, vault: v, dir: dir, ident: ident, log: log}
}

// SetAnnouncer installs a hook invoked once per non-self recipient after a
// fresh key has been distributed. Used to push key-share notifications so
// recipients can skip the directory round trip.
func (m *Manager) SetAnnouncer(fn func(ctx context.Context, recipient string, share models.KeyShare)) {
	m.announce = fn
}

// Resolve returns a usable key for the conversation: vault cache first, then
// the caller's wrapped record in the directory, and as last resort a fresh
// key generated and distributed to every participant.
func (m *Manager) Resolve(ctx context.Context, conversationID string) ([]byte, error) {
	if key, ok := m.vault.ConversationKey(conversationID); ok {
		return key, nil
	}
	key, _, err := m.fetchAndUnwrap(ctx, conversationID)
	if err == nil {
		return key, m.vault.PutConversationKey(conversationID, key)
	}
	if !errors.Is(err, directory.ErrKeyNotFound) {
		return nil, err
	}
	return m.generateAndDistribute(ctx, conversationID)
}

// Invalidate drops the cached key so the next Resolve refetches.
func (m *Manager) Invalidate(conversationID string) error {
	return m.vault.DeleteConversationKey(conversationID)
}

// AdoptShared unwraps a key delivered through the push channel and caches
// it, so the recipient skips the directory round trip.
func (m *Manager) AdoptShared(ctx context.Context, share models.KeyShare) error {
	priv, err := m.ident.PrivateKey()
	if err != nil {
		return err
	}
	key, err := cipher.Unwrap(priv, share.WrappedKey)
	if err != nil {
		return fmt.Errorf("adopt shared key: %w", ErrStaleConversationKey)
	}
	m.log.Debug("adopted shared conversation key",
		privacylog.SanitizeArgs("conversation_id", share.ConversationID, "sender_id", share.From)...)
	return m.vault.PutConversationKey(share.ConversationID, key)
}

func (m *Manager) fetchAndUnwrap(ctx context.Context, conversationID string) ([]byte, models.ConversationKeyRecord, error) {
	priv, err := m.ident.PrivateKey()
	if err != nil {
		return nil, models.ConversationKeyRecord{}, err
	}
	rec, err := m.dir.GetOwnConversationKey(ctx, conversationID)
	if err != nil {
		return nil, models.ConversationKeyRecord{}, err
	}
	key, err := cipher.Unwrap(priv, rec.WrappedKey)
	if err != nil {
		// Stale or foreign record; one refetch, then surface.
		rec, err = m.dir.GetOwnConversationKey(ctx, conversationID)
		if err != nil {
			return nil, models.ConversationKeyRecord{}, err
		}
		key, err = cipher.Unwrap(priv, rec.WrappedKey)
		if err != nil {
			return nil, models.ConversationKeyRecord{}, fmt.Errorf("conversation %s: %w", conversationID, ErrStaleConversationKey)
		}
	}
	return key, rec, nil
}

// generateAndDistribute makes this principal the first sender: a fresh key
// is wrapped for every current participant, self included, and upserted per
// recipient. Participants are processed in sorted order so racing devices
// collide on the same first slot before either has written anything else;
// the loser adopts the winner's key instead of leaving mismatched records.
func (m *Manager) generateAndDistribute(ctx context.Context, conversationID string) ([]byte, error) {
	participants, err := m.dir.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sort.Strings(participants)
	key, err := cipher.GenerateKey()
	if err != nil {
		return nil, err
	}

	for _, recipient := range participants {
		pubDER, err := m.dir.GetPublicKey(ctx, recipient)
		if err != nil {
			if errors.Is(err, directory.ErrKeyNotFound) {
				return nil, fmt.Errorf("%s: %w", recipient, ErrRecipientHasNoIdentity)
			}
			return nil, err
		}
		pub, err := cipher.ImportPublic(pubDER)
		if err != nil {
			return nil, fmt.Errorf("public key of %s: %w", recipient, err)
		}
		wrapped, err := cipher.WrapForRecipient(pub, key)
		if err != nil {
			return nil, err
		}
		err = m.dir.ShareConversationKey(ctx, models.ConversationKeyRecord{
			ConversationID: conversationID,
			RecipientID:    recipient,
			SenderID:       m.accountID,
			WrappedKey:     wrapped,
		})
		if errors.Is(err, directory.ErrShareConflict) {
			m.log.Debug("lost first-sender claim, adopting existing key",
				privacylog.SanitizeArgs("conversation_id", conversationID)...)
			winner, rec, ferr := m.fetchAndUnwrap(ctx, conversationID)
			if ferr != nil {
				return nil, ferr
			}
			if rec.SenderID == m.accountID {
				// Only our own partial claim exists; the winner has not
				// wrapped the key for us yet.
				return nil, fmt.Errorf("conversation %s: %w", conversationID, directory.ErrShareConflict)
			}
			return winner, m.vault.PutConversationKey(conversationID, winner)
		}
		if err != nil {
			return nil, err
		}
		if m.announce != nil && recipient != m.accountID {
			m.announce(ctx, recipient, models.KeyShare{
				ConversationID: conversationID,
				From:           m.accountID,
				WrappedKey:     wrapped,
			})
		}
	}

	m.log.Info("generated and distributed conversation key",
		privacylog.SanitizeArgs("conversation_id", conversationID, "recipients", len(participants))...)
	return key, m.vault.PutConversationKey(conversationID, key)
}
