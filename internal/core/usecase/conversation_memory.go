package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
)

const (
	DefaultFreshnessWindow  = 24 * time.Hour
	DefaultRetentionWindow  = 30 * 24 * time.Hour
	DefaultPromptMessages   = 10
	DefaultHistoryExchanges = 5
)

type MemoryLimits struct {
	FreshnessWindow time.Duration
	RetentionWindow time.Duration
	PromptMessages  int
}

// ConversationMemory owns session continuity. Storage failures never fail a turn.
type ConversationMemory struct {
	store  ports.ConversationStore
	limits MemoryLimits
	now    func() time.Time
	logger *slog.Logger

	stampMu   sync.Mutex
	lastStamp time.Time
}

func NewConversationMemory(store ports.ConversationStore, limits MemoryLimits, logger *slog.Logger) *ConversationMemory {
	if limits.FreshnessWindow <= 0 {
		limits.FreshnessWindow = DefaultFreshnessWindow
	}
	if limits.RetentionWindow <= 0 {
		limits.RetentionWindow = DefaultRetentionWindow
	}
	if limits.PromptMessages <= 0 {
		limits.PromptMessages = DefaultPromptMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationMemory{
		store:  store,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source; used by tests and the worker.
func (m *ConversationMemory) WithClock(now func() time.Time) *ConversationMemory {
	if now != nil {
		m.now = now
	}
	return m
}

// GetOrCreateSession reuses the (org, user) session active within the freshness window.
// On storage failure it returns a temporary session and a non-nil degradation error.
func (m *ConversationMemory) GetOrCreateSession(ctx context.Context, organizationID, userIdentifier, datasetID string) (*domain.Session, error) {
	now := m.now().UTC()
	organizationID = strings.TrimSpace(organizationID)
	userIdentifier = strings.TrimSpace(userIdentifier)

	session, err := m.store.FindActiveSession(ctx, organizationID, userIdentifier, now.Add(-m.limits.FreshnessWindow))
	switch {
	case err == nil:
		if touchErr := m.store.TouchSession(ctx, session.ID, now); touchErr != nil {
			m.logger.Warn("conversation_session_touch_failed", "session_id", session.ID, "error", touchErr)
		}
		session.LastActivityAt = now
		return session, nil
	case !domain.IsKind(err, domain.ErrNotFound):
		m.logger.Warn("conversation_session_lookup_failed", "organization_id", organizationID, "error", err)
		return m.temporarySession(organizationID, userIdentifier, datasetID, now), fmt.Errorf("find active session: %w", err)
	}

	created := &domain.Session{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		UserIdentifier: userIdentifier,
		DatasetID:      datasetID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.CreateSession(ctx, created); err != nil {
		m.logger.Warn("conversation_session_create_failed", "organization_id", organizationID, "error", err)
		created.ID = "temp-" + created.ID
		created.Temporary = true
		return created, fmt.Errorf("create session: %w", err)
	}
	return created, nil
}

// ResumeSession continues the caller-supplied session when it exists, belongs to the
// same (org, user) and is still fresh. Anything else falls back to GetOrCreateSession.
func (m *ConversationMemory) ResumeSession(ctx context.Context, sessionID, organizationID, userIdentifier, datasetID string) (*domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.HasPrefix(sessionID, "temp-") {
		return m.GetOrCreateSession(ctx, organizationID, userIdentifier, datasetID)
	}

	now := m.now().UTC()
	session, err := m.store.GetSession(ctx, sessionID)
	switch {
	case err != nil:
		if !domain.IsKind(err, domain.ErrNotFound) {
			m.logger.Warn("conversation_session_resume_failed", "session_id", sessionID, "error", err)
		}
	case session.OrganizationID != strings.TrimSpace(organizationID) || session.UserIdentifier != strings.TrimSpace(userIdentifier):
		m.logger.Warn("conversation_session_owner_mismatch", "session_id", sessionID, "organization_id", organizationID)
	case session.LastActivityAt.Before(now.Add(-m.limits.FreshnessWindow)):
		m.logger.Debug("conversation_session_stale", "session_id", sessionID)
	default:
		if touchErr := m.store.TouchSession(ctx, session.ID, now); touchErr != nil {
			m.logger.Warn("conversation_session_touch_failed", "session_id", session.ID, "error", touchErr)
		}
		session.LastActivityAt = now
		return session, nil
	}
	return m.GetOrCreateSession(ctx, organizationID, userIdentifier, datasetID)
}

func (m *ConversationMemory) temporarySession(organizationID, userIdentifier, datasetID string, now time.Time) *domain.Session {
	return &domain.Session{
		ID:             "temp-" + uuid.NewString(),
		OrganizationID: organizationID,
		UserIdentifier: userIdentifier,
		DatasetID:      datasetID,
		CreatedAt:      now,
		LastActivityAt: now,
		Temporary:      true,
	}
}

// GetConversationHistory returns the last lastN exchanges in chronological order.
// It never fails: storage errors yield an empty history.
func (m *ConversationMemory) GetConversationHistory(ctx context.Context, sessionID string, lastN int) []domain.Message {
	if strings.TrimSpace(sessionID) == "" || strings.HasPrefix(sessionID, "temp-") {
		return []domain.Message{}
	}
	if lastN <= 0 {
		lastN = DefaultHistoryExchanges
	}

	newestFirst, err := m.store.ListRecentMessages(ctx, sessionID, lastN*2)
	if err != nil {
		m.logger.Warn("conversation_history_failed", "session_id", sessionID, "error", err)
		return []domain.Message{}
	}

	history := make([]domain.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		history = append(history, newestFirst[i])
	}
	// Stores with coarse timestamps may return equal-time rows in any order.
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	return history
}

// AddMessage appends one message; a failed write is logged and reported, never fatal.
func (m *ConversationMemory) AddMessage(ctx context.Context, sessionID string, role domain.Role, content string, metadata map[string]string) error {
	if strings.HasPrefix(sessionID, "temp-") {
		return nil
	}
	now := m.messageStamp()
	message := domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if err := m.store.AppendMessage(ctx, message); err != nil {
		m.logger.Warn("conversation_append_failed", "session_id", sessionID, "role", role, "error", err)
		return fmt.Errorf("append message: %w", err)
	}
	if err := m.store.TouchSession(ctx, sessionID, now); err != nil {
		m.logger.Warn("conversation_session_touch_failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// messageStamp returns a strictly increasing timestamp so a reply never sorts before its question.
// Microsecond steps match the timestamptz resolution.
func (m *ConversationMemory) messageStamp() time.Time {
	m.stampMu.Lock()
	defer m.stampMu.Unlock()
	now := m.now().UTC().Truncate(time.Microsecond)
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = now
	return now
}

func (m *ConversationMemory) truncate(history []domain.Message) []domain.Message {
	if len(history) <= m.limits.PromptMessages {
		return history
	}
	return history[len(history)-m.limits.PromptMessages:]
}

// BuildConversationContext renders the bounded history as labelled lines.
func (m *ConversationMemory) BuildConversationContext(history []domain.Message) string {
	history = m.truncate(history)
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, 0, len(history))
	for _, msg := range history {
		label := "User"
		if msg.Role == domain.RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, label+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// BuildPromptMessages assembles system, bounded history, and the current user query.
func (m *ConversationMemory) BuildPromptMessages(system string, history []domain.Message, query string) []domain.PromptMessage {
	history = m.truncate(history)
	out := make([]domain.PromptMessage, 0, len(history)+2)
	if strings.TrimSpace(system) != "" {
		out = append(out, domain.PromptMessage{Role: domain.PromptRoleSystem, Content: system})
	}
	for _, msg := range history {
		role := domain.PromptRoleUser
		if msg.Role == domain.RoleAssistant {
			role = domain.PromptRoleAssistant
		}
		out = append(out, domain.PromptMessage{Role: role, Content: msg.Content})
	}
	out = append(out, domain.PromptMessage{Role: domain.PromptRoleUser, Content: query})
	return out
}

func (m *ConversationMemory) Stats(ctx context.Context, sessionID string, limit int) (domain.ConversationStats, error) {
	if limit <= 0 {
		limit = 1000
	}
	messages, err := m.store.ListRecentMessages(ctx, sessionID, limit)
	if err != nil {
		return domain.ConversationStats{}, fmt.Errorf("conversation stats: %w", err)
	}
	stats := domain.ConversationStats{SessionID: sessionID, MessageCount: len(messages)}
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleUser:
			stats.UserMessages++
		case domain.RoleAssistant:
			stats.AssistantMessages++
		}
		if stats.FirstMessageAt.IsZero() || msg.CreatedAt.Before(stats.FirstMessageAt) {
			stats.FirstMessageAt = msg.CreatedAt
		}
		if msg.CreatedAt.After(stats.LastMessageAt) {
			stats.LastMessageAt = msg.CreatedAt
		}
	}
	return stats, nil
}

// Cleanup hard-deletes sessions idle longer than the retention window.
func (m *ConversationMemory) Cleanup(ctx context.Context) (int64, error) {
	cutoff := m.now().UTC().Add(-m.limits.RetentionWindow)
	deleted, err := m.store.DeleteSessionsInactiveSince(ctx, cutoff)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, domain.WrapError(domain.ErrTemporary, "cleanup conversations", err)
	}
	m.logger.Info("conversation_cleanup_completed", "deleted_sessions", deleted, "cutoff", cutoff)
	return deleted, nil
}
