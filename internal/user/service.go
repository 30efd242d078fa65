// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/repository"
	"github.com/hitoshi/authdash/internal/security"
)

// LinkedAccount はユーザーに紐付いたアカウントの公開可能な情報。
// トークンやパスワードハッシュは含めない。
type LinkedAccount struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	AccountID  string    `json:"account_id"`
	Scope      string    `json:"scope,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProfileUpdate はプロフィール更新の入力。nilのフィールドは変更しない。
// Imageに空文字列を指定した場合は画像を削除する。
type ProfileUpdate struct {
	Name  *string
	Image *string
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	accountRepo repository.AccountRepository
	sanitizer   security.TextSanitizer
	guard       security.OutboundGuard
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	accountRepo repository.AccountRepository,
	sanitizer security.TextSanitizer,
	guard security.OutboundGuard,
) *Service {
	return &Service{
		userRepo:    userRepo,
		accountRepo: accountRepo,
		sanitizer:   sanitizer,
		guard:       guard,
		now:         time.Now,
	}
}

// GetProfile はユーザーのプロフィールを取得する。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// UpdateProfile は表示名とプロフィール画像を更新する。
// 表示名はマークアップを除去したうえで空でないこと、画像URLは外部から参照して安全なことを検証する。
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*model.User, error) {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		name := s.sanitizer.SanitizeText(*update.Name)
		if name == "" || model.TooLong(name, model.MaxNameLength) {
			return nil, model.NewValidationError("name")
		}
		user.Name = name
	}

	if update.Image != nil {
		image := strings.TrimSpace(*update.Image)
		if image == "" {
			user.Image = nil
		} else if model.TooLong(image, model.MaxImageLength) {
			return nil, model.NewValidationError("image")
		} else {
			if err := s.guard.ValidateURL(image); err != nil {
				slog.Warn("プロフィール画像URLを拒否しました",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return nil, model.NewValidationError("image")
			}
			user.Image = &image
		}
	}

	user.UpdatedAt = s.now()
	if err := s.userRepo.UpdateProfile(ctx, user); err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	return user, nil
}

// ListAccounts はユーザーに紐付いたアカウントを作成順に返す。
func (s *Service) ListAccounts(ctx context.Context, userID string) ([]LinkedAccount, error) {
	accounts, err := s.accountRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}

	result := make([]LinkedAccount, 0, len(accounts))
	for _, a := range accounts {
		la := LinkedAccount{
			ID:         a.ID,
			ProviderID: a.ProviderID,
			AccountID:  a.AccountID,
			CreatedAt:  a.CreatedAt,
		}
		if a.Scope != nil {
			la.Scope = *a.Scope
		}
		result = append(result, la)
	}
	return result, nil
}

// Delete はユーザーを削除する。
// sessions, accountsは外部キーのON DELETE CASCADEで同時に削除される。
func (s *Service) Delete(ctx context.Context, userID string) error {
	// ユーザー存在確認
	if _, err := s.GetProfile(ctx, userID); err != nil {
		return err
	}

	slog.Info("ユーザー削除を開始します", slog.String("user_id", userID))

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("ユーザー削除が完了しました", slog.String("user_id", userID))
	return nil
}
