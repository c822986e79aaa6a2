package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(textArrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, func() { _ = db.Close() }
}

// textArrayConverter passes []string through untouched, as pgx's stdlib driver does.
type textArrayConverter struct{}

func (textArrayConverter) ConvertValue(v any) (driver.Value, error) {
	if ids, ok := v.([]string); ok {
		return ids, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func TestFindActiveSessionReturnsDomainNotFound(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewConversationRepository(db)

	mock.ExpectQuery("SELECT id, organization_id, user_identifier").
		WithArgs("org-1", "user-1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindActiveSession(context.Background(), "org-1", "user-1", time.Now())
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSessionScansOwner(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewConversationRepository(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, organization_id, user_identifier(.|\n)+WHERE id = \$1`).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "user_identifier", "dataset_id", "created_at", "last_activity_at"}).
			AddRow("s-1", "org-1", "user-1", "", now, now))
	mock.ExpectQuery(`SELECT id, organization_id, user_identifier(.|\n)+WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.GetSession(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.OrganizationID != "org-1" || got.UserIdentifier != "user-1" {
		t.Fatalf("unexpected session %+v", got)
	}
	if _, err := repo.GetSession(context.Background(), "missing"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTouchSessionReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewConversationRepository(db)

	mock.ExpectExec("UPDATE conversation_sessions").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.TouchSession(context.Background(), "missing", time.Now()); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRecentMessagesDecodesMetadataNewestFirst(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewConversationRepository(db)

	newer := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	older := newer.Add(-time.Minute)
	rows := sqlmock.NewRows([]string{"id", "session_id", "role", "content", "metadata", "created_at"}).
		AddRow("m-2", "s-1", "ASSISTANT", "answer", []byte(`{"intent":"ENDPOINT"}`), newer).
		AddRow("m-1", "s-1", "USER", "question", []byte(`{}`), older)
	mock.ExpectQuery(`SELECT id, session_id, role, content, metadata, created_at(.|\n)+ORDER BY created_at DESC, seq DESC`).
		WithArgs("s-1", 4).
		WillReturnRows(rows)

	msgs, err := repo.ListRecentMessages(context.Background(), "s-1", 4)
	if err != nil {
		t.Fatalf("ListRecentMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m-2" || msgs[0].Role != domain.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[0].Metadata["intent"] != "ENDPOINT" {
		t.Fatalf("expected metadata decoded, got %+v", msgs[0].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendMessageStoresMetadataJSON(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewConversationRepository(db)

	mock.ExpectExec("INSERT INTO conversation_messages").
		WithArgs("m-1", "s-1", "USER", "hello", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AppendMessage(context.Background(), domain.Message{ID: "m-1", SessionID: "s-1", Role: domain.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteSessionsInactiveSinceReportsCount(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewConversationRepository(db)

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM conversation_sessions").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := repo.DeleteSessionsInactiveSince(context.Background(), cutoff)
	if err != nil || deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d err=%v", deleted, err)
	}
}

func TestListPassagesPassesScopeAsArray(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewChunkRepository(db)

	rows := sqlmock.NewRows([]string{"id", "document_id", "document_title", "content", "ordinal", "page", "section_path", "element_type", "has_verbatim"}).
		AddRow("p-1", "d-1", "Refunds", "refund body", 0, 2, "API/Refunds", "table", true)
	mock.ExpectQuery(`SELECT id, document_id, document_title(.|\n)+dataset_id = ANY\(\$2\)`).
		WithArgs("org-1", []string{"ds-1", "ds-2"}).
		WillReturnRows(rows)

	passages, err := repo.ListPassages(context.Background(), domain.Scope{OrganizationID: "org-1", DatasetIDs: []string{"ds-2", "ds-1"}})
	if err != nil {
		t.Fatalf("ListPassages() error = %v", err)
	}
	if len(passages) != 1 || passages[0].Page != 2 || !passages[0].Metadata.HasVerbatim || passages[0].Metadata.ElementType != "table" {
		t.Fatalf("unexpected passages: %+v", passages)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListPassagesKeepsCommaInsideDatasetID(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewChunkRepository(db)

	mock.ExpectQuery("SELECT id, document_id, document_title").
		WithArgs("org-1", []string{"a,b"}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "document_title", "content", "ordinal", "page", "section_path", "element_type", "has_verbatim"}))

	if _, err := repo.ListPassages(context.Background(), domain.Scope{OrganizationID: "org-1", DatasetIDs: []string{"a,b"}}); err != nil {
		t.Fatalf("ListPassages() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetPassagesByIDsBindsIDArray(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewChunkRepository(db)

	mock.ExpectQuery(`SELECT id, document_id, document_title(.|\n)+WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"p-1", "p-2"}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "document_title", "content", "ordinal", "page", "section_path", "element_type", "has_verbatim"}).
			AddRow("p-2", "d-1", "Refunds", "body", 1, 0, "", "", false))

	passages, err := repo.GetPassagesByIDs(context.Background(), []string{"p-1", "p-2"})
	if err != nil || len(passages) != 1 || passages[0].ID != "p-2" {
		t.Fatalf("unexpected passages %+v err=%v", passages, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetPassagesByIDsSkipsQueryForEmptyInput(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewChunkRepository(db)

	passages, err := repo.GetPassagesByIDs(context.Background(), nil)
	if err != nil || passages != nil {
		t.Fatalf("expected nil result, got %v err=%v", passages, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDatasetStatsScansHistogram(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewChunkRepository(db)

	mock.ExpectQuery("SELECT").
		WithArgs("org-1", "ds-1", smallChunkChars, largeChunkChars).
		WillReturnRows(sqlmock.NewRows([]string{"docs", "chunks", "avg", "small", "normal", "large"}).AddRow(4, 40, 812.5, 3, 35, 2))

	stats, err := repo.DatasetStats(context.Background(), "org-1", "ds-1")
	if err != nil {
		t.Fatalf("DatasetStats() error = %v", err)
	}
	if stats.DatasetID != "ds-1" || stats.ChunkCount != 40 || stats.AvgChunkChars != 812.5 || stats.LargeChunks != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
