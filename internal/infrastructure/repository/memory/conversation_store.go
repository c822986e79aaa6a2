// Package memory keeps conversations in process for single-node and dev deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

const DefaultCleanupInterval = 10 * time.Minute

type conversation struct {
	session  domain.Session
	messages []domain.Message
}

// ConversationStore expires whole conversations after the retention window even
// when no cleanup job runs.
type ConversationStore struct {
	mu    sync.Mutex
	items *gocache.Cache
}

func NewConversationStore(retention, cleanupInterval time.Duration) *ConversationStore {
	if retention <= 0 {
		retention = gocache.NoExpiration
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &ConversationStore{items: gocache.New(retention, cleanupInterval)}
}

func (s *ConversationStore) FindActiveSession(_ context.Context, organizationID, userIdentifier string, activeSince time.Time) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Session
	for _, item := range s.items.Items() {
		conv := item.Object.(*conversation)
		sess := conv.session
		if sess.OrganizationID != organizationID || sess.UserIdentifier != userIdentifier {
			continue
		}
		if sess.LastActivityAt.Before(activeSince) {
			continue
		}
		if best == nil || sess.LastActivityAt.After(best.LastActivityAt) {
			found := sess
			best = &found
		}
	}
	if best == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "find active session", fmt.Errorf("no active session for %s", userIdentifier))
	}
	return best, nil
}

func (s *ConversationStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items.Get(sessionID)
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get session", fmt.Errorf("session %s not found", sessionID))
	}
	found := item.(*conversation).session
	return &found, nil
}

func (s *ConversationStore) CreateSession(_ context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "create session", fmt.Errorf("session id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.items.Add(session.ID, &conversation{session: *session}, gocache.DefaultExpiration); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *ConversationStore) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(sessionID)
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "touch session", fmt.Errorf("session %s", sessionID))
	}
	if at.After(conv.session.LastActivityAt) {
		conv.session.LastActivityAt = at
	}
	s.items.SetDefault(sessionID, conv)
	return nil
}

func (s *ConversationStore) AppendMessage(_ context.Context, message domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(message.SessionID)
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "append message", fmt.Errorf("session %s", message.SessionID))
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	conv.messages = append(conv.messages, message)
	return nil
}

func (s *ConversationStore) ListRecentMessages(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(sessionID)
	if !ok {
		return []domain.Message{}, nil
	}

	// Walk newest-first by append order so equal timestamps keep their sequence.
	out := make([]domain.Message, 0, len(conv.messages))
	for i := len(conv.messages) - 1; i >= 0; i-- {
		out = append(out, conv.messages[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ConversationStore) DeleteSessionsInactiveSince(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, item := range s.items.Items() {
		if item.Object.(*conversation).session.LastActivityAt.Before(cutoff) {
			s.items.Delete(id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *ConversationStore) lookup(sessionID string) (*conversation, bool) {
	raw, ok := s.items.Get(sessionID)
	if !ok {
		return nil, false
	}
	return raw.(*conversation), true
}
