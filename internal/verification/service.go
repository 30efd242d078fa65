// Package verification はメール確認・パスワードリセット用の使い捨てチャレンジを提供する。
package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/repository"
)

// チャレンジの用途。identifierの名前空間として使う。
const (
	PurposeEmailVerification = "email-verification"
	PurposeResetPassword     = "reset-password"
)

// tokenBytes はチャレンジトークンの乱数バイト数。
const tokenBytes = 32

// maxIdentifierLength はverifications.identifierの列長。
const maxIdentifierLength = 255

// Identifier は用途と正規化済みメールアドレスからidentifierを組み立てる。
// 列長を超える場合はメールアドレスをSHA-256のハッシュ値に置き換える。
func Identifier(purpose, email string) string {
	id := purpose + ":" + email
	if model.TooLong(id, maxIdentifierLength) {
		sum := sha256.Sum256([]byte(email))
		return purpose + ":sha256:" + hex.EncodeToString(sum[:])
	}
	return id
}

// Service はチャレンジの発行と消費を行う。
type Service struct {
	repo repository.VerificationRepository
	now  func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.VerificationRepository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Issue は新しいチャレンジを発行し、トークンを返す。
// 同じidentifierの未使用チャレンジの削除と新規作成は1つのトランザクションで行うため、
// 同時に発行されても有効なリンクは常に最新の1つだけになる。
func (s *Service) Issue(ctx context.Context, identifier string, ttl time.Duration) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate verification token: %w", err)
	}

	now := s.now()
	v := &model.Verification{
		ID:         uuid.New().String(),
		Identifier: identifier,
		Value:      token,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Replace(ctx, v); err != nil {
		return "", fmt.Errorf("failed to save verification: %w", err)
	}

	return token, nil
}

// Consume はチャレンジを消費する。
// 一致するチャレンジがない場合と期限切れの場合はどちらもInvalidVerificationを返す。
// 期限切れのチャレンジも消費（削除）される。
func (s *Service) Consume(ctx context.Context, identifier, token string) error {
	if token == "" {
		return model.NewInvalidVerificationError()
	}

	v, err := s.repo.Consume(ctx, identifier, token)
	if err != nil {
		return fmt.Errorf("failed to consume verification: %w", err)
	}
	if v == nil || v.IsExpired(s.now()) {
		return model.NewInvalidVerificationError()
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
