package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterLoginVerify(t *testing.T) {
	p := NewInMemoryProvider()
	ctx := context.Background()

	if err := p.Register(ctx, "alice", "cred-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Register(ctx, "alice", "cred-2"); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	token, err := p.Login(ctx, "alice", "cred-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	userID, err := p.Verify(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "alice" {
		t.Fatalf("token resolved to %s", userID)
	}

	if _, err := p.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := p.Login(ctx, "nobody", "cred-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown account must not be distinguishable: %v", err)
	}
	if _, err := p.Verify(ctx, "bogus-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestChangeCredential(t *testing.T) {
	p := NewInMemoryProvider()
	ctx := context.Background()
	if err := p.Register(ctx, "alice", "old"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := p.ChangeCredential(ctx, "alice", "wrong", "new"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := p.ChangeCredential(ctx, "alice", "old", "new"); err != nil {
		t.Fatalf("change credential: %v", err)
	}
	if _, err := p.Login(ctx, "alice", "old"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("old credential must stop working")
	}
	if _, err := p.Login(ctx, "alice", "new"); err != nil {
		t.Fatalf("new credential rejected: %v", err)
	}
}
