package directory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"cipherlink/go-backend/internal/membership"
	"cipherlink/go-backend/internal/metrics"
	"cipherlink/go-backend/pkg/models"
)

// Notifier receives rotation events so offline parties can be nudged to
// re-establish their conversation keys. May be nil.
type Notifier interface {
	NotifyKeyRotation(ctx context.Context, userID string) error
}

// Service enforces the directory's access rules on top of a Store. The
// caller identity is established by the transport layer and passed in
// explicitly; the service never trusts identifiers inside request bodies
// without checking them against it.
type Service struct {
	store    Store
	members  membership.Service
	log      *slog.Logger
	metrics  *metrics.Directory
	notifier Notifier
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Directory) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store Store, members membership.Service, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{store: store, members: members, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) observe(op, outcome string) {
	s.metrics.Observe(op, outcome)
}

// PublishAccountKeys stores a user's full key bundle. Replacing an existing
// public key is treated as an identity rotation: every conversation-key
// record involving the user is purged, since copies wrapped for the old
// keypair can never be opened again.
func (s *Service) PublishAccountKeys(ctx context.Context, caller string, keys models.AccountKeys) (rotated bool, err error) {
	if caller != keys.UserID {
		s.observe("publish_account_keys", "unauthorized")
		s.metrics.UnauthorizedInc()
		return false, fmt.Errorf("publish keys for %q: %w", keys.UserID, ErrNotAuthorized)
	}
	prev, had, err := s.store.GetAccountKeys(keys.UserID)
	if err != nil {
		s.observe("publish_account_keys", "error")
		return false, err
	}
	rotation := had && len(prev.PublicKey) > 0 && !bytes.Equal(prev.PublicKey, keys.PublicKey)
	if _, err := s.store.PutAccountKeys(keys); err != nil {
		s.observe("publish_account_keys", "error")
		return false, err
	}
	if rotation {
		if err := s.purgeRotatedUser(ctx, keys.UserID); err != nil {
			s.observe("publish_account_keys", "error")
			return true, err
		}
	}
	s.observe("publish_account_keys", "ok")
	return rotation, nil
}

func (s *Service) purgeRotatedUser(ctx context.Context, userID string) error {
	n, err := s.store.DeleteUserConversationKeys(userID)
	if err != nil {
		return err
	}
	s.metrics.RotationCleanup(n)
	s.log.InfoContext(ctx, "identity rotated, conversation keys purged",
		"user_id", userID, "purged", n)
	if s.notifier != nil {
		if err := s.notifier.NotifyKeyRotation(ctx, userID); err != nil {
			s.log.WarnContext(ctx, "rotation notify failed", "error", err)
		}
	}
	return nil
}

// PublishPublicKey stores just the public half, with the same rotation
// semantics as PublishAccountKeys when it replaces a different key.
func (s *Service) PublishPublicKey(ctx context.Context, caller, userID string, publicKey []byte) error {
	if caller != userID {
		s.observe("publish_public_key", "unauthorized")
		s.metrics.UnauthorizedInc()
		return fmt.Errorf("publish public key for %q: %w", userID, ErrNotAuthorized)
	}
	prev, had, err := s.store.GetAccountKeys(userID)
	if err != nil {
		s.observe("publish_public_key", "error")
		return err
	}
	rotation := had && len(prev.PublicKey) > 0 && !bytes.Equal(prev.PublicKey, publicKey)
	if err := s.store.PutPublicKey(userID, publicKey); err != nil {
		s.observe("publish_public_key", "error")
		return err
	}
	if rotation {
		if err := s.purgeRotatedUser(ctx, userID); err != nil {
			s.observe("publish_public_key", "error")
			return err
		}
	}
	s.observe("publish_public_key", "ok")
	return nil
}

// GetAccountKeys returns the caller's own bundle, wrapped private material
// included. Nobody else's.
func (s *Service) GetAccountKeys(ctx context.Context, caller, userID string) (models.AccountKeys, error) {
	if caller != userID {
		s.observe("get_account_keys", "unauthorized")
		s.metrics.UnauthorizedInc()
		return models.AccountKeys{}, fmt.Errorf("fetch keys of %q: %w", userID, ErrNotAuthorized)
	}
	keys, ok, err := s.store.GetAccountKeys(userID)
	if err != nil {
		s.observe("get_account_keys", "error")
		return models.AccountKeys{}, err
	}
	if !ok {
		s.observe("get_account_keys", "not_found")
		return models.AccountKeys{}, ErrKeyNotFound
	}
	s.observe("get_account_keys", "ok")
	return keys, nil
}

// GetPublicKey is readable by any authenticated user; public keys are not
// secret, only their binding matters.
func (s *Service) GetPublicKey(ctx context.Context, caller, userID string) ([]byte, error) {
	keys, ok, err := s.store.GetAccountKeys(userID)
	if err != nil {
		s.observe("get_public_key", "error")
		return nil, err
	}
	if !ok || len(keys.PublicKey) == 0 {
		s.observe("get_public_key", "not_found")
		return nil, ErrKeyNotFound
	}
	s.observe("get_public_key", "ok")
	return keys.PublicKey, nil
}

// UpdateWrappedMasterKey swaps only the password envelope around the master
// key. Same master key, new wrap; nothing downstream is invalidated.
func (s *Service) UpdateWrappedMasterKey(ctx context.Context, caller, userID string, record models.WrappedMasterKey) error {
	if caller != userID {
		s.observe("update_wrapped_master_key", "unauthorized")
		s.metrics.UnauthorizedInc()
		return fmt.Errorf("update wrapped master key of %q: %w", userID, ErrNotAuthorized)
	}
	ok, err := s.store.PutWrappedMasterKey(userID, record)
	if err != nil {
		s.observe("update_wrapped_master_key", "error")
		return err
	}
	if !ok {
		s.observe("update_wrapped_master_key", "not_found")
		return ErrKeyNotFound
	}
	s.observe("update_wrapped_master_key", "ok")
	return nil
}

// ShareConversationKey records a wrapped conversation-key copy for one
// recipient. The first sender to claim a (conversation, recipient) slot
// wins; a different sender writing to the same slot gets ErrShareConflict
// and should refetch the existing key instead.
func (s *Service) ShareConversationKey(ctx context.Context, caller string, record models.ConversationKeyRecord) error {
	if caller != record.SenderID {
		s.observe("share_conversation_key", "unauthorized")
		s.metrics.UnauthorizedInc()
		return fmt.Errorf("share as %q: %w", record.SenderID, ErrNotAuthorized)
	}
	for _, userID := range []string{record.SenderID, record.RecipientID} {
		in, err := s.members.IsParticipant(ctx, record.ConversationID, userID)
		if err != nil {
			s.observe("share_conversation_key", "error")
			return err
		}
		if !in {
			s.observe("share_conversation_key", "unauthorized")
			s.metrics.UnauthorizedInc()
			return fmt.Errorf("%q is not in conversation %q: %w", userID, record.ConversationID, ErrNotAuthorized)
		}
	}
	existing, ok, err := s.store.GetConversationKey(record.ConversationID, record.RecipientID)
	if err != nil {
		s.observe("share_conversation_key", "error")
		return err
	}
	if ok && existing.SenderID != record.SenderID {
		s.observe("share_conversation_key", "conflict")
		s.metrics.RejectedShareInc()
		return fmt.Errorf("conversation %q recipient %q already keyed by %q: %w",
			record.ConversationID, record.RecipientID, existing.SenderID, ErrShareConflict)
	}
	if err := s.store.UpsertConversationKey(record); err != nil {
		s.observe("share_conversation_key", "error")
		return err
	}
	if !ok {
		s.metrics.ConversationKeyStored()
	}
	s.observe("share_conversation_key", "ok")
	return nil
}

// GetOwnConversationKey returns the caller's wrapped copy for a conversation.
func (s *Service) GetOwnConversationKey(ctx context.Context, caller, conversationID string) (models.ConversationKeyRecord, error) {
	if err := s.requireParticipant(ctx, "get_own_conversation_key", conversationID, caller); err != nil {
		return models.ConversationKeyRecord{}, err
	}
	rec, ok, err := s.store.GetConversationKey(conversationID, caller)
	if err != nil {
		s.observe("get_own_conversation_key", "error")
		return models.ConversationKeyRecord{}, err
	}
	if !ok {
		s.observe("get_own_conversation_key", "not_found")
		return models.ConversationKeyRecord{}, ErrKeyNotFound
	}
	s.observe("get_own_conversation_key", "ok")
	return rec, nil
}

// ListConversationKeys returns every wrapped copy stored for a conversation.
// Participants only; senders use it to see who still needs a share.
func (s *Service) ListConversationKeys(ctx context.Context, caller, conversationID string) ([]models.ConversationKeyRecord, error) {
	if err := s.requireParticipant(ctx, "list_conversation_keys", conversationID, caller); err != nil {
		return nil, err
	}
	recs, err := s.store.ListConversationKeys(conversationID)
	if err != nil {
		s.observe("list_conversation_keys", "error")
		return nil, err
	}
	s.observe("list_conversation_keys", "ok")
	return recs, nil
}

// ListParticipants exposes the membership roster to participants, used by
// senders when distributing a fresh conversation key.
func (s *Service) ListParticipants(ctx context.Context, caller, conversationID string) ([]string, error) {
	if err := s.requireParticipant(ctx, "list_participants", conversationID, caller); err != nil {
		return nil, err
	}
	participants, err := s.members.ListParticipants(ctx, conversationID)
	if err != nil {
		s.observe("list_participants", "error")
		return nil, err
	}
	s.observe("list_participants", "ok")
	return participants, nil
}

func (s *Service) requireParticipant(ctx context.Context, op, conversationID, userID string) error {
	in, err := s.members.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		s.observe(op, "error")
		return err
	}
	if !in {
		s.observe(op, "unauthorized")
		s.metrics.UnauthorizedInc()
		return fmt.Errorf("%q is not in conversation %q: %w", userID, conversationID, ErrNotAuthorized)
	}
	return nil
}
