package agent

import (
	"context"
	"errors"
	"time"

	"cipherlink/go-backend/internal/cipher"
	"cipherlink/go-backend/internal/directory"
	"cipherlink/go-backend/internal/platform/privacylog"
	"cipherlink/go-backend/internal/push"
	"cipherlink/go-backend/internal/storage"
	"cipherlink/go-backend/pkg/models"
)

const receiveTimeout = 10 * time.Second

// handleEnvelope is the push subscription callback. Every failure here is
// per-envelope: one bad envelope never stops the pipeline.
func (a *Agent) handleEnvelope(env push.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	payload, err := env.DecodePayload()
	if err != nil {
		a.log.Warn("dropping undecodable envelope",
			privacylog.SanitizeArgs("message_id", env.ID, "kind", env.Kind, "error", err.Error())...)
		return
	}
	switch p := payload.(type) {
	case push.KeySharePayload:
		if err := a.keys.AdoptShared(ctx, models.KeyShare{
			ConversationID: p.ConversationID,
			From:           p.From,
			WrappedKey:     p.WrappedConversationKey,
		}); err != nil {
			// Resolve falls back to the directory record.
			a.log.Warn("shared key not adopted",
				privacylog.SanitizeArgs("conversation_id", p.ConversationID, "error", err.Error())...)
		}
	case push.MessagePayload:
		a.receiveMessage(ctx, env.ID, p)
	case push.KeyRotationPayload:
		a.reshareAfterRotation(ctx, p.UserID)
	}
}

func (a *Agent) receiveMessage(ctx context.Context, id string, p push.MessagePayload) {
	msg := models.NormalizeMessage(models.Message{
		ID:             id,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Ciphertext:     p.Ciphertext,
		Nonce:          p.Nonce,
		SentAt:         a.now(),
	})
	if err := a.store.SaveMessage(msg); err != nil {
		if errors.Is(err, storage.ErrMessageIDConflict) {
			a.log.Warn("dropping message with conflicting id",
				privacylog.SanitizeArgs("message_id", msg.ID)...)
			return
		}
		a.log.Warn("inbound message not persisted",
			privacylog.SanitizeArgs("message_id", msg.ID, "error", err.Error())...)
	}

	dec, err := a.keys.Decrypt(ctx, msg)
	if err != nil {
		a.log.Warn("inbound message undecryptable",
			privacylog.SanitizeArgs("message_id", msg.ID, "conversation_id", msg.ConversationID, "error", err.Error())...)
	}
	if a.onMessage != nil {
		a.onMessage(dec)
	}
}

// reshareAfterRotation re-wraps cached conversation keys for a peer whose
// identity keypair changed. The rotated peer lost every wrapped record in
// the cleanup, so any current holder may re-share.
func (a *Agent) reshareAfterRotation(ctx context.Context, userID string) {
	if userID == a.accountID {
		return
	}
	for _, convID := range a.store.Conversations() {
		participants, err := a.dir.ListParticipants(ctx, convID)
		if err != nil || !contains(participants, userID) {
			continue
		}
		key, ok := a.vault.ConversationKey(convID)
		if !ok {
			continue
		}
		pubDER, err := a.dir.GetPublicKey(ctx, userID)
		if err != nil {
			continue
		}
		pub, err := cipher.ImportPublic(pubDER)
		if err != nil {
			continue
		}
		wrapped, err := cipher.WrapForRecipient(pub, key)
		if err != nil {
			continue
		}
		err = a.dir.ShareConversationKey(ctx, models.ConversationKeyRecord{
			ConversationID: convID,
			RecipientID:    userID,
			SenderID:       a.accountID,
			WrappedKey:     wrapped,
		})
		if errors.Is(err, directory.ErrShareConflict) {
			// Another holder re-shared first.
			continue
		}
		if err != nil {
			a.log.Warn("re-share after rotation failed",
				privacylog.SanitizeArgs("conversation_id", convID, "recipient_id", userID, "error", err.Error())...)
			continue
		}
		a.announceKeyShare(ctx, userID, models.KeyShare{
			ConversationID: convID,
			From:           a.accountID,
			WrappedKey:     wrapped,
		})
		a.restoreOwnRecord(ctx, convID, key)
	}
}

// restoreOwnRecord re-uploads this device's wrapped record when the rotation
// cleanup removed it, which happens when the rotated peer was the original
// sender.
func (a *Agent) restoreOwnRecord(ctx context.Context, convID string, key []byte) {
	if _, err := a.dir.GetOwnConversationKey(ctx, convID); !errors.Is(err, directory.ErrKeyNotFound) {
		return
	}
	der, err := a.ident.PublicKeyDER()
	if err != nil {
		return
	}
	pub, err := cipher.ImportPublic(der)
	if err != nil {
		return
	}
	wrapped, err := cipher.WrapForRecipient(pub, key)
	if err != nil {
		return
	}
	if err := a.dir.ShareConversationKey(ctx, models.ConversationKeyRecord{
		ConversationID: convID,
		RecipientID:    a.accountID,
		SenderID:       a.accountID,
		WrappedKey:     wrapped,
	}); err != nil && !errors.Is(err, directory.ErrShareConflict) {
		a.log.Warn("own record not restored",
			privacylog.SanitizeArgs("conversation_id", convID, "error", err.Error())...)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
