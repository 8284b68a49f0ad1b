// Package membership defines the conversation-membership collaborator the
// directory consults for access checks and the client consults when
// distributing conversation keys. Group admin rules live outside the core.
package membership

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrUnknownConversation = errors.New("unknown conversation")

// Service is the membership surface the core consumes.
type Service interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// InMemoryService backs tests and single-node deployments.
type InMemoryService struct {
	mu            sync.RWMutex
	conversations map[string]map[string]struct{}
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{conversations: make(map[string]map[string]struct{})}
}

// SetConversation registers or replaces a conversation's participant set.
func (s *InMemoryService) SetConversation(conversationID string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		set[p] = struct{}{}
	}
	s.conversations[conversationID] = set
}

func (s *InMemoryService) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	_, ok = set[userID]
	return ok, nil
}

func (s *InMemoryService) ListParticipants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
