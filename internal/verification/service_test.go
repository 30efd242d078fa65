package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/repository"
	"github.com/hitoshi/authdash/internal/repository/repotest"
)

func newTestService() (*Service, *repotest.Store, *time.Time) {
	store := repotest.NewStore()
	svc := NewService(store.Verifications())
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, store, &now
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "reset-password:a@example.com", Identifier(PurposeResetPassword, "a@example.com"))
	assert.Equal(t, "email-verification:a@example.com", Identifier(PurposeEmailVerification, "a@example.com"))
}

// 列長を超えるidentifierはメールアドレスをハッシュ化して収める
func TestIdentifier_LongEmail(t *testing.T) {
	email := strings.Repeat("a", 64) + "@" + strings.Repeat("b", 185) + ".com"
	require.Len(t, email, 254)

	id := Identifier(PurposeEmailVerification, email)
	assert.LessOrEqual(t, len(id), 255)
	assert.True(t, strings.HasPrefix(id, "email-verification:sha256:"))
	assert.Equal(t, id, Identifier(PurposeEmailVerification, email), "identifier must be deterministic")
	assert.NotEqual(t, id, Identifier(PurposeResetPassword, email))
	assert.NotEqual(t, id, Identifier(PurposeEmailVerification, "x"+email[1:]))
}

func TestIssueAndConsume(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	id := Identifier(PurposeEmailVerification, "a@example.com")

	token, err := svc.Issue(ctx, id, time.Hour)
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Equal(t, 1, store.CountVerifications())

	require.NoError(t, svc.Consume(ctx, id, token))
	assert.Equal(t, 0, store.CountVerifications())
}

// 同じトークンは2回使えない
func TestConsume_SingleUse(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := Identifier(PurposeResetPassword, "a@example.com")

	token, err := svc.Issue(ctx, id, time.Hour)
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, id, token))

	err = svc.Consume(ctx, id, token)
	assert.ErrorIs(t, err, model.ErrInvalidVerification)
}

// 用途が異なるidentifierでは消費できない
func TestConsume_PurposeMismatch(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	token, err := svc.Issue(ctx, Identifier(PurposeEmailVerification, "a@example.com"), time.Hour)
	require.NoError(t, err)

	err = svc.Consume(ctx, Identifier(PurposeResetPassword, "a@example.com"), token)
	assert.ErrorIs(t, err, model.ErrInvalidVerification)
}

func TestConsume_Expired(t *testing.T) {
	svc, store, now := newTestService()
	ctx := context.Background()
	id := Identifier(PurposeResetPassword, "a@example.com")

	token, err := svc.Issue(ctx, id, time.Hour)
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	err = svc.Consume(ctx, id, token)
	assert.ErrorIs(t, err, model.ErrInvalidVerification)
	assert.Equal(t, 0, store.CountVerifications(), "expired challenge is consumed too")
}

func TestConsume_EmptyToken(t *testing.T) {
	svc, _, _ := newTestService()
	err := svc.Consume(context.Background(), "id", "")
	assert.ErrorIs(t, err, model.ErrInvalidVerification)
}

// 再発行すると古いトークンは無効になる
func TestIssue_InvalidatesPrevious(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	id := Identifier(PurposeEmailVerification, "a@example.com")

	first, err := svc.Issue(ctx, id, time.Hour)
	require.NoError(t, err)
	second, err := svc.Issue(ctx, id, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, store.CountVerifications())

	assert.ErrorIs(t, svc.Consume(ctx, id, first), model.ErrInvalidVerification)
	assert.NoError(t, svc.Consume(ctx, id, second))
}

// 同時に再発行しても有効なチャレンジは1つだけ残る
func TestIssue_Concurrent(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	id := Identifier(PurposeResetPassword, "a@example.com")

	const n = 10
	tokens := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := svc.Issue(ctx, id, time.Hour)
			assert.NoError(t, err)
			tokens <- token
		}()
	}
	wg.Wait()
	close(tokens)

	assert.Equal(t, 1, store.CountVerifications())
	var valid int
	for token := range tokens {
		if svc.Consume(ctx, id, token) == nil {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
}

type failingVerificationRepo struct {
	repository.VerificationRepository
	err error
}

func (f *failingVerificationRepo) Consume(context.Context, string, string) (*model.Verification, error) {
	return nil, f.err
}

func TestConsume_StorageError(t *testing.T) {
	dbErr := errors.New("db down")
	svc := NewService(&failingVerificationRepo{err: dbErr})

	err := svc.Consume(context.Background(), "id", "tok")
	assert.ErrorIs(t, err, dbErr)
	assert.False(t, errors.Is(err, model.ErrInvalidVerification))
}

func TestLogMailer_WritesStructuredLog(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, m.SendPasswordResetEmail(context.Background(), "a@example.com", "https://app.example.com/reset?token=x"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "password reset email", entry["msg"])
	assert.Equal(t, "a@example.com", entry["to"])
	assert.Equal(t, "https://app.example.com/reset?token=x", entry["link"])
}
