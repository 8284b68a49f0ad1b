// Package auth defines the identity-provider collaborator. Accounts register
// with a derived auth credential, never the literal password; the provider
// can therefore verify logins without ever being able to derive wrapping keys.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	ErrAccountExists      = errors.New("account already registered")
	ErrInvalidCredentials = errors.New("invalid account or credential")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Provider is the external identity provider surface the core consumes.
// ChangeCredential exists because the auth credential is derived from the
// password, so a password change has to rotate it as well.
type Provider interface {
	Register(ctx context.Context, accountID, authCredential string) error
	Login(ctx context.Context, accountID, authCredential string) (token string, err error)
	Verify(ctx context.Context, token string) (userID string, err error)
	ChangeCredential(ctx context.Context, accountID, oldCredential, newCredential string) error
}

// InMemoryProvider backs tests and single-node deployments.
type InMemoryProvider struct {
	mu          sync.RWMutex
	credentials map[string]string
	tokens      map[string]string
}

func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		credentials: make(map[string]string),
		tokens:      make(map[string]string),
	}
}

func (p *InMemoryProvider) Register(_ context.Context, accountID, authCredential string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.credentials[accountID]; ok {
		return ErrAccountExists
	}
	p.credentials[accountID] = authCredential
	return nil
}

func (p *InMemoryProvider) Login(_ context.Context, accountID, authCredential string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.credentials[accountID]
	if !ok || subtle.ConstantTimeCompare([]byte(stored), []byte(authCredential)) != 1 {
		return "", ErrInvalidCredentials
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	p.tokens[token] = accountID
	return token, nil
}

func (p *InMemoryProvider) ChangeCredential(_ context.Context, accountID, oldCredential, newCredential string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.credentials[accountID]
	if !ok || subtle.ConstantTimeCompare([]byte(stored), []byte(oldCredential)) != 1 {
		return ErrInvalidCredentials
	}
	p.credentials[accountID] = newCredential
	return nil
}

func (p *InMemoryProvider) Verify(_ context.Context, token string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	userID, ok := p.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
