package directory

import (
	"context"

	"cipherlink/go-backend/pkg/models"
)

// Loopback binds a fixed caller identity to a Service, presenting the same
// surface as the HTTP client. Used by single-process deployments and tests.
type Loopback struct {
	svc    *Service
	caller string
}

func NewLoopback(svc *Service, caller string) *Loopback {
	return &Loopback{svc: svc, caller: caller}
}

func (l *Loopback) PublishAccountKeys(ctx context.Context, keys models.AccountKeys) (bool, error) {
	return l.svc.PublishAccountKeys(ctx, l.caller, keys)
}

func (l *Loopback) GetAccountKeys(ctx context.Context, userID string) (models.AccountKeys, error) {
	return l.svc.GetAccountKeys(ctx, l.caller, userID)
}

func (l *Loopback) UpdateWrappedMasterKey(ctx context.Context, userID string, record models.WrappedMasterKey) error {
	return l.svc.UpdateWrappedMasterKey(ctx, l.caller, userID, record)
}

func (l *Loopback) PublishPublicKey(ctx context.Context, userID string, publicKey []byte) error {
	return l.svc.PublishPublicKey(ctx, l.caller, userID, publicKey)
}

func (l *Loopback) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	return l.svc.GetPublicKey(ctx, l.caller, userID)
}

func (l *Loopback) ShareConversationKey(ctx context.Context, record models.ConversationKeyRecord) error {
	return l.svc.ShareConversationKey(ctx, l.caller, record)
}

func (l *Loopback) GetOwnConversationKey(ctx context.Context, conversationID string) (models.ConversationKeyRecord, error) {
	return l.svc.GetOwnConversationKey(ctx, l.caller, conversationID)
}

func (l *Loopback) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	return l.svc.ListParticipants(ctx, l.caller, conversationID)
}

func (l *Loopback) ListConversationKeys(ctx context.Context, conversationID string) ([]models.ConversationKeyRecord, error) {
	return l.svc.ListConversationKeys(ctx, l.caller, conversationID)
}
