package convkeys

import (
	"context"
	"errors"

	"cipherlink/go-backend/internal/cipher"
	"cipherlink/go-backend/pkg/models"
)

const historyRetryLimit = 1

// Encrypt resolves the conversation key and seals one plaintext with a
// fresh nonce. Plaintext and key never leave the device.
func (m *Manager) Encrypt(ctx context.Context, conversationID string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	key, err := m.Resolve(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return cipher.Encrypt(key, plaintext)
}

// Decrypt opens one received message, adopting the conversation if it is
// new to this device. Failure yields an explicit placeholder plus the
// error; the receive pipeline keeps going.
func (m *Manager) Decrypt(ctx context.Context, msg models.Message) (models.DecryptedMessage, error) {
	out := models.DecryptedMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SentAt:         msg.SentAt,
	}
	key, err := m.Resolve(ctx, msg.ConversationID)
	if err != nil {
		out.Undecryptable = true
		return out, err
	}
	content, err := cipher.Decrypt(key, msg.Ciphertext, msg.Nonce)
	if err != nil {
		out.Undecryptable = true
		return out, err
	}
	out.Content = content
	return out, nil
}

// DecryptHistory opens a batch with one shared key resolution. If the very
// first message fails, the cached key is assumed stale: it is invalidated,
// refetched, and the whole batch retried once. Failures after that are
// terminal per message and rendered as placeholders, never as a batch
// abort. Only a stale key degrades to placeholders; any other resolution
// failure, an unreachable directory included, propagates to the caller.
func (m *Manager) DecryptHistory(ctx context.Context, conversationID string, msgs []models.Message) ([]models.DecryptedMessage, error) {
	for attempt := 0; ; attempt++ {
		key, err := m.Resolve(ctx, conversationID)
		if err != nil {
			if !errors.Is(err, ErrStaleConversationKey) {
				return nil, err
			}
			if attempt < historyRetryLimit {
				continue
			}
			return placeholderBatch(msgs), nil
		}

		out := make([]models.DecryptedMessage, 0, len(msgs))
		retry := false
		for i, msg := range msgs {
			dec := models.DecryptedMessage{
				ID:             msg.ID,
				ConversationID: msg.ConversationID,
				SenderID:       msg.SenderID,
				SentAt:         msg.SentAt,
			}
			content, err := cipher.Decrypt(key, msg.Ciphertext, msg.Nonce)
			if err != nil {
				if i == 0 && attempt < historyRetryLimit {
					retry = true
					break
				}
				dec.Undecryptable = true
			} else {
				dec.Content = content
			}
			out = append(out, dec)
		}
		if retry {
			if err := m.Invalidate(conversationID); err != nil {
				return nil, err
			}
			continue
		}
		return out, nil
	}
}

func placeholderBatch(msgs []models.Message) []models.DecryptedMessage {
	out := make([]models.DecryptedMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, models.DecryptedMessage{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			SentAt:         msg.SentAt,
			Undecryptable:  true,
		})
	}
	return out
}
