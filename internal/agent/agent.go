// Package agent ties one account on one device together: the local vault,
// the identity and conversation key managers, the directory client, the
// push channel and the local message history.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cipherlink/go-backend/internal/convkeys"
	"cipherlink/go-backend/internal/identity"
	"cipherlink/go-backend/internal/platform/privacylog"
	"cipherlink/go-backend/internal/push"
	"cipherlink/go-backend/internal/storage"
	"cipherlink/go-backend/internal/vault"
	"cipherlink/go-backend/pkg/models"
)

const deliveryBackoffCap = 5 * time.Minute

// Directory is the full directory surface the agent consumes, satisfied by
// both the HTTP client and the in-process loopback.
type Directory interface {
	identity.Directory
	convkeys.Directory
}

type Agent struct {
	accountID string
	vault     *vault.Vault
	ident     *identity.Manager
	keys      *convkeys.Manager
	dir       Directory
	node      *push.Node
	store     *storage.MessageStore
	log       *slog.Logger

	// onMessage receives every decrypted (or placeholder) inbound message.
	onMessage func(models.DecryptedMessage)

	now func() time.Time
}

func New(accountID string, v *vault.Vault, dir Directory, authn identity.Authenticator,
	node *push.Node, store *storage.MessageStore, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = storage.NewMessageStore()
	}
	a := &Agent{
		accountID: accountID,
		vault:     v,
		ident:     identity.NewManager(accountID, v, dir, authn),
		dir:       dir,
		node:      node,
		store:     store,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	a.keys = convkeys.NewManager(accountID, v, dir, a.ident, log)
	a.keys.SetAnnouncer(a.announceKeyShare)
	return a
}

func (a *Agent) AccountID() string { return a.accountID }

// OnMessage installs the inbound delivery callback. Must be set before the
// push subscription is attached.
func (a *Agent) OnMessage(fn func(models.DecryptedMessage)) {
	a.onMessage = fn
}

// Signup creates the account and brings the device online. The returned
// recovery key is shown to the user once and never persisted.
func (a *Agent) Signup(ctx context.Context, password string) (*identity.RecoveryKey, error) {
	recovery, err := a.ident.Signup(ctx, password)
	if err != nil {
		return nil, err
	}
	if err := a.attach(); err != nil {
		return nil, err
	}
	return recovery, nil
}

func (a *Agent) Login(ctx context.Context, password string) error {
	if err := a.ident.Login(ctx, password); err != nil {
		return err
	}
	return a.attach()
}

func (a *Agent) RepairSignup(ctx context.Context, password string) (*identity.RecoveryKey, error) {
	recovery, err := a.ident.RepairSignup(ctx, password)
	if err != nil {
		return nil, err
	}
	if err := a.attach(); err != nil {
		return nil, err
	}
	return recovery, nil
}

func (a *Agent) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	return a.ident.ChangePassword(ctx, oldPassword, newPassword)
}

// RotateIdentity replaces the identity keypair and announces the rotation to
// every peer this device shares a conversation with, so they can re-wrap
// conversation keys without waiting for lazy discovery.
func (a *Agent) RotateIdentity(ctx context.Context) error {
	if err := a.ident.RotateIdentity(ctx); err != nil {
		return err
	}
	for _, peer := range a.knownPeers(ctx) {
		env, err := push.NewEnvelope(uuid.NewString(), push.KindKeyRotation, a.accountID, peer,
			push.KeyRotationPayload{UserID: a.accountID})
		if err != nil {
			return err
		}
		if err := a.node.Publish(ctx, env); err != nil {
			a.log.Warn("rotation announcement not delivered",
				privacylog.SanitizeArgs("recipient_id", peer, "error", err.Error())...)
		}
	}
	return nil
}

func (a *Agent) RestoreFromRecoveryCode(code string) error {
	return a.ident.RestoreFromRecoveryCode(code)
}

func (a *Agent) RestoreFromMnemonic(mnemonic string) error {
	return a.ident.RestoreFromMnemonic(mnemonic)
}

// ShowRecoveryKey derives a fresh recovery key from the unlocked master key.
func (a *Agent) ShowRecoveryKey() (*identity.RecoveryKey, error) {
	master, ok := a.vault.MasterKey()
	if !ok {
		return nil, identity.ErrNotLoggedIn
	}
	return identity.NewRecoveryKey(master)
}

// SendMessage encrypts one plaintext, stores it locally and fans it out to
// every other participant over the push channel. Delivery failures park the
// message in the pending queue; FlushPending retries them.
func (a *Agent) SendMessage(ctx context.Context, conversationID string, plaintext []byte) (models.Message, error) {
	ciphertext, nonce, err := a.keys.Encrypt(ctx, conversationID, plaintext)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       a.accountID,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		SentAt:         a.now(),
	}
	if err := a.store.SaveMessage(msg); err != nil {
		return models.Message{}, err
	}
	if err := a.deliver(ctx, msg); err != nil {
		if perr := a.store.AddOrUpdatePending(msg, 0, a.now().Add(time.Second), err.Error()); perr != nil {
			return models.Message{}, perr
		}
		a.log.Warn("message parked for redelivery",
			privacylog.SanitizeArgs("message_id", msg.ID, "error", err.Error())...)
	}
	return msg, nil
}

// SendDirect addresses a two-party chat by its canonical conversation id,
// so both devices land on the same conversation no matter who writes first.
func (a *Agent) SendDirect(ctx context.Context, peerID string, plaintext []byte) (models.Message, error) {
	return a.SendMessage(ctx, models.DirectConversationID(a.accountID, peerID), plaintext)
}

// FlushPending retries parked outbound messages that are due. Returns how
// many were delivered.
func (a *Agent) FlushPending(ctx context.Context) (int, error) {
	delivered := 0
	for _, p := range a.store.DuePending(a.now()) {
		if err := a.deliver(ctx, p.Message); err != nil {
			retry := p.RetryCount + 1
			backoff := time.Second << uint(retry)
			if backoff > deliveryBackoffCap {
				backoff = deliveryBackoffCap
			}
			if perr := a.store.AddOrUpdatePending(p.Message, retry, a.now().Add(backoff), err.Error()); perr != nil {
				return delivered, perr
			}
			continue
		}
		if err := a.store.RemovePending(p.Message.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// History returns one conversation's local history decrypted, oldest first.
func (a *Agent) History(ctx context.Context, conversationID string, limit, offset int) ([]models.DecryptedMessage, error) {
	msgs := a.store.ListMessages(conversationID, limit, offset)
	return a.keys.DecryptHistory(ctx, conversationID, msgs)
}

// Wipe removes every piece of key material and message history this device
// holds for the account.
func (a *Agent) Wipe() error {
	if err := a.ident.WipeLocal(); err != nil {
		return err
	}
	return a.store.Wipe()
}

func (a *Agent) Logout() {
	a.ident.Logout()
}

// attach binds the push channel to this account and starts the receive
// pipeline. Requires the node to be started.
func (a *Agent) attach() error {
	a.node.SetIdentity(a.accountID)
	return a.node.Subscribe(a.handleEnvelope)
}

func (a *Agent) deliver(ctx context.Context, msg models.Message) error {
	participants, err := a.dir.ListParticipants(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	payload := push.MessagePayload{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Ciphertext:     msg.Ciphertext,
		Nonce:          msg.Nonce,
	}
	for _, recipient := range participants {
		if recipient == a.accountID {
			continue
		}
		env, err := push.NewEnvelope(msg.ID, push.KindMessage, a.accountID, recipient, payload)
		if err != nil {
			return err
		}
		if err := a.node.Publish(ctx, env); err != nil {
			return fmt.Errorf("deliver to %s: %w", recipient, err)
		}
	}
	return nil
}

func (a *Agent) announceKeyShare(ctx context.Context, recipient string, share models.KeyShare) {
	env, err := push.NewEnvelope(uuid.NewString(), push.KindKeyShare, a.accountID, recipient,
		push.KeySharePayload{
			ConversationID:         share.ConversationID,
			From:                   share.From,
			WrappedConversationKey: share.WrappedKey,
		})
	if err == nil {
		err = a.node.Publish(ctx, env)
	}
	if err != nil {
		// The recipient falls back to fetching their wrapped record.
		a.log.Debug("key share announcement not delivered",
			privacylog.SanitizeArgs("recipient_id", recipient, "error", err.Error())...)
	}
}

// knownPeers collects every other participant across the conversations with
// local history.
func (a *Agent) knownPeers(ctx context.Context) []string {
	seen := make(map[string]struct{})
	peers := make([]string, 0)
	for _, convID := range a.store.Conversations() {
		participants, err := a.dir.ListParticipants(ctx, convID)
		if err != nil {
			continue
		}
		for _, p := range participants {
			if p == a.accountID {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			peers = append(peers, p)
		}
	}
	return peers
}
