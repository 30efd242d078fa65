package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/authdash/internal/model"
)

var verificationRowColumns = []string{"id", "identifier", "value", "expires_at", "created_at", "updated_at"}

// PostgresVerificationRepoはVerificationRepositoryインターフェースを満たすことを検証
func TestPostgresVerificationRepo_ImplementsInterface(t *testing.T) {
	var _ VerificationRepository = (*PostgresVerificationRepo)(nil)
}

func TestPostgresVerificationRepo_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresVerificationRepo(db)
	now := time.Now()
	v := &model.Verification{
		ID: "v-1", Identifier: "email-verification:a@example.com", Value: "abc",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO verifications`).
		WithArgs(v.ID, v.Identifier, v.Value, v.ExpiresAt, v.CreatedAt, v.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), v))
}

// Consumeは削除した行を返す
func TestPostgresVerificationRepo_Consume(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresVerificationRepo(db)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`DELETE FROM verifications WHERE identifier = \$1 AND value = \$2 RETURNING`).
		WithArgs("reset-password:a@example.com", "tok").
		WillReturnRows(sqlmock.NewRows(verificationRowColumns).
			AddRow("v-1", "reset-password:a@example.com", "tok", now.Add(time.Hour), now, now))

	v, err := repo.Consume(context.Background(), "reset-password:a@example.com", "tok")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v-1", v.ID)
	assert.Equal(t, now.Add(time.Hour), v.ExpiresAt)
}

// 2回目のConsumeは行が残っていないためnilを返す
func TestPostgresVerificationRepo_Consume_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresVerificationRepo(db)

	mock.ExpectQuery(`DELETE FROM verifications`).
		WithArgs("id", "tok").
		WillReturnRows(sqlmock.NewRows(verificationRowColumns))

	v, err := repo.Consume(context.Background(), "id", "tok")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func newReplaceVerification() *model.Verification {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return &model.Verification{
		ID: "v-2", Identifier: "email-verification:a@example.com", Value: "new",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}
}

// Replaceはロック、削除、作成を1つのトランザクションで行う
func TestPostgresVerificationRepo_Replace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresVerificationRepo(db)
	v := newReplaceVerification()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs(v.Identifier).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM verifications WHERE identifier = \$1`).
		WithArgs(v.Identifier).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO verifications`).
		WithArgs(v.ID, v.Identifier, v.Value, v.ExpiresAt, v.CreatedAt, v.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Replace(context.Background(), v))
}

// 作成に失敗した場合は削除もロールバックされる
func TestPostgresVerificationRepo_Replace_InsertFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresVerificationRepo(db)
	v := newReplaceVerification()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM verifications`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO verifications`).
		WillReturnError(&pq.Error{Code: "22001"})
	mock.ExpectRollback()

	err := repo.Replace(context.Background(), v)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidationFailed)
}
