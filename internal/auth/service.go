// Package auth はOAuthプロバイダーによるサインインと、プロバイダーIDとユーザーの紐付けを提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/authdash/internal/metrics"
	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/repository"
	"github.com/hitoshi/authdash/internal/security"
)

// RequestMeta はセッション発行時に記録するリクエスト情報。
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// SessionIssuer はユーザーのセッションを発行する。
type SessionIssuer interface {
	Issue(ctx context.Context, userID, ipAddress, userAgent string) (*model.Session, error)
}

// Service はOAuthサインインに関するビジネスロジックを提供する。
type Service struct {
	providers map[string]OAuthProvider
	users     repository.UserRepository
	accounts  repository.AccountRepository
	sessions  SessionIssuer
	sanitizer security.TextSanitizer
	guard     security.OutboundGuard
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewService はServiceを生成する。
// providersには設定済みのプロバイダーのみを渡す。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	providers []OAuthProvider,
	users repository.UserRepository,
	accounts repository.AccountRepository,
	sessions SessionIssuer,
	sanitizer security.TextSanitizer,
	guard security.OutboundGuard,
	collector metrics.MetricsCollector,
) *Service {
	registry := make(map[string]OAuthProvider, len(providers))
	for _, p := range providers {
		registry[p.Name()] = p
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		providers: registry,
		users:     users,
		accounts:  accounts,
		sessions:  sessions,
		sanitizer: sanitizer,
		guard:     guard,
		metrics:   collector,
		now:       time.Now,
	}
}

// Providers は登録済みのプロバイダー名を名前順で返す。
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetLoginURL はプロバイダーの認可URLを生成する。
func (s *Service) GetLoginURL(provider, state string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", model.NewUnsupportedProviderError(provider)
	}
	return p.AuthCodeURL(state), nil
}

// CompleteHandshake はOAuthコールバックを処理し、セッションを発行する。
// ユーザーの特定は次の順序で行う。
//  1. (provider, providerAccountID) のアカウントが存在すれば、その所有ユーザー
//  2. 正規化したメールアドレスのユーザーが存在すれば、そのユーザーに新しいアカウントを紐付ける
//  3. どちらもなければ、ユーザーとアカウントを同一トランザクションで作成する
func (s *Service) CompleteHandshake(ctx context.Context, provider, code string, meta RequestMeta) (*model.Session, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewUnsupportedProviderError(provider)
	}

	// 1. 認可コードをトークンに交換し、プロフィールを取得
	token, profile, err := s.exchange(ctx, p, code)
	if err != nil {
		s.metrics.RecordOAuthFailure(provider)
		s.metrics.RecordSignIn(metrics.MethodOAuth, metrics.ResultFailure)
		slog.Warn("oauth exchange failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.NewOAuthExchangeFailedError(provider), err)
	}

	// 2. ユーザーを特定または作成
	userID, err := s.resolveUser(ctx, provider, token, profile)
	if err != nil {
		s.metrics.RecordSignIn(metrics.MethodOAuth, metrics.ResultFailure)
		return nil, err
	}

	// 3. セッションを発行
	session, err := s.sessions.Issue(ctx, userID, meta.IPAddress, meta.UserAgent)
	if err != nil {
		s.metrics.RecordSignIn(metrics.MethodOAuth, metrics.ResultFailure)
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	s.metrics.RecordSignIn(metrics.MethodOAuth, metrics.ResultSuccess)
	return session, nil
}

func (s *Service) exchange(ctx context.Context, p OAuthProvider, code string) (*oauth2.Token, *Profile, error) {
	if code == "" {
		return nil, nil, fmt.Errorf("empty authorization code")
	}
	token, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	profile, err := p.FetchProfile(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if profile.ProviderAccountID == "" || strings.TrimSpace(profile.Email) == "" {
		return nil, nil, fmt.Errorf("incomplete profile from %s", p.Name())
	}
	return token, profile, nil
}

// resolveUser は3段階の優先順位でユーザーを特定し、ユーザーIDを返す。
func (s *Service) resolveUser(ctx context.Context, provider string, token *oauth2.Token, profile *Profile) (string, error) {
	now := s.now()

	// 1. 紐付け済みのプロバイダーID
	account, err := s.accounts.FindByProviderAndAccountID(ctx, provider, profile.ProviderAccountID)
	if err != nil {
		return "", fmt.Errorf("failed to find account: %w", err)
	}
	if account != nil {
		applyToken(account, token, now)
		if err := s.accounts.UpdateTokens(ctx, account); err != nil {
			return "", fmt.Errorf("failed to update account tokens: %w", err)
		}
		slog.Info("existing user logged in",
			slog.String("user_id", account.UserID),
			slog.String("provider", provider),
		)
		return account.UserID, nil
	}

	email := model.NormalizeEmail(profile.Email)
	newAccount := &model.Account{
		ID:         uuid.New().String(),
		AccountID:  profile.ProviderAccountID,
		ProviderID: provider,
		CreatedAt:  now,
	}
	applyToken(newAccount, token, now)

	// 2. 同じメールアドレスの既存ユーザーに紐付け
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user != nil {
		newAccount.UserID = user.ID
		if err := s.accounts.Create(ctx, newAccount); err != nil {
			return "", fmt.Errorf("failed to link account: %w", err)
		}
		slog.Info("provider linked to existing user",
			slog.String("user_id", user.ID),
			slog.String("provider", provider),
		)
		return user.ID, nil
	}

	// 3. ユーザーとアカウントを新規作成
	newUser := &model.User{
		ID:            uuid.New().String(),
		Name:          s.displayName(profile.Name, email),
		Email:         email,
		EmailVerified: profile.EmailVerified,
		Image:         s.avatar(profile.AvatarURL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	newAccount.UserID = newUser.ID
	if err := s.users.CreateWithAccount(ctx, newUser, newAccount); err != nil {
		return "", fmt.Errorf("failed to create user and account: %w", err)
	}

	s.metrics.RecordSignUp(metrics.ResultSuccess)
	slog.Info("new user created",
		slog.String("user_id", newUser.ID),
		slog.String("provider", provider),
	)
	return newUser.ID, nil
}

// displayName はプロバイダーの表示名からマークアップを除去する。
// 空になる場合はメールアドレスのローカル部を使う。
// users.nameの列長を超える部分は切り詰める。
func (s *Service) displayName(raw, email string) string {
	name := strings.TrimSpace(raw)
	if s.sanitizer != nil {
		name = s.sanitizer.SanitizeText(raw)
	}
	if name == "" {
		name = email
		if at := strings.Index(email, "@"); at > 0 {
			name = email[:at]
		}
	}
	return model.TruncateRunes(name, model.MaxNameLength)
}

// avatar は安全なURLの場合のみプロフィール画像として返す。
func (s *Service) avatar(raw string) *string {
	if raw == "" {
		return nil
	}
	if model.TooLong(raw, model.MaxImageLength) {
		slog.Warn("avatar url too long", slog.Int("length", len(raw)))
		return nil
	}
	if s.guard != nil {
		if err := s.guard.ValidateURL(raw); err != nil {
			slog.Warn("avatar url rejected", slog.String("error", err.Error()))
			return nil
		}
	}
	return &raw
}

// applyToken はOAuthトークンの内容をアカウントに反映する。
func applyToken(account *model.Account, token *oauth2.Token, now time.Time) {
	access := token.AccessToken
	account.AccessToken = &access
	if token.RefreshToken != "" {
		refresh := token.RefreshToken
		account.RefreshToken = &refresh
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		account.AccessTokenExpiresAt = &expiry
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		account.Scope = &scope
	}
	account.UpdatedAt = now
}
