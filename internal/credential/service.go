// Package credential はメールアドレスとパスワードによる認証情報の登録・照合・変更を提供する。
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/repository"
	"github.com/hitoshi/authdash/internal/security"
	"github.com/hitoshi/authdash/internal/verification"
)

// デフォルトのパスワードポリシーとチャレンジ有効期間
const (
	DefaultPasswordMinLength = 8
	// bcryptは72バイトを超える入力を扱えない
	DefaultPasswordMaxLength    = 72
	DefaultResetTokenTTL        = time.Hour
	DefaultVerificationTokenTTL = 24 * time.Hour
)

// ユーザーが存在しない場合の照合に使うダミーパスワード。
// 存在する場合と同じコストのハッシュ比較を1回行うためだけに使う。
const dummyPassword = "authdash-dummy-password"

// Config は認証情報サービスの設定。
type Config struct {
	PasswordMinLength    int // 文字数
	PasswordMaxLength    int // バイト数
	ResetTokenTTL        time.Duration
	VerificationTokenTTL time.Duration
}

// Challenges は使い捨てチャレンジの発行と消費を行う。
type Challenges interface {
	Issue(ctx context.Context, identifier string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, identifier, token string) error
}

// SessionRevoker はユーザーの全セッションを破棄する。
type SessionRevoker interface {
	RevokeAll(ctx context.Context, userID string) error
}

// Service は認証情報に関するビジネスロジックを提供する。
type Service struct {
	users      repository.UserRepository
	accounts   repository.AccountRepository
	hasher     security.PasswordHasher
	challenges Challenges
	mailer     verification.Mailer
	sessions   SessionRevoker
	config     Config
	now        func() time.Time

	dummyMu   sync.Mutex
	dummyHash string
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	accounts repository.AccountRepository,
	hasher security.PasswordHasher,
	challenges Challenges,
	mailer verification.Mailer,
	sessions SessionRevoker,
	config Config,
) *Service {
	if config.PasswordMinLength <= 0 {
		config.PasswordMinLength = DefaultPasswordMinLength
	}
	if config.PasswordMaxLength <= 0 || config.PasswordMaxLength > DefaultPasswordMaxLength {
		config.PasswordMaxLength = DefaultPasswordMaxLength
	}
	if config.PasswordMinLength > config.PasswordMaxLength {
		config.PasswordMinLength = config.PasswordMaxLength
	}
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = DefaultResetTokenTTL
	}
	if config.VerificationTokenTTL <= 0 {
		config.VerificationTokenTTL = DefaultVerificationTokenTTL
	}
	s := &Service{
		users:      users,
		accounts:   accounts,
		hasher:     hasher,
		challenges: challenges,
		mailer:     mailer,
		sessions:   sessions,
		config:     config,
		now:        time.Now,
	}
	// 初回の未登録メールアドレス照合だけハッシュ生成分遅くならないよう、先に用意しておく
	s.prepareDummy()
	return s
}

// Register はユーザーとcredentialアカウントを作成する。
// メールアドレスの一意性はストレージ層の制約で判定し、重複時はDuplicateEmailを返す。
// その場合ユーザー・アカウントのいずれも作成されない。
func (s *Service) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	name = strings.TrimSpace(name)
	email = model.NormalizeEmail(email)
	if name == "" || model.TooLong(name, model.MaxNameLength) {
		return nil, model.NewValidationError("name")
	}
	// Punycode変換で長くなる場合があるため正規化後に確認する
	if email == "" || model.TooLong(email, model.MaxEmailLength) {
		return nil, model.NewValidationError("email")
	}
	if err := s.checkPasswordPolicy(password); err != nil {
		return nil, err
	}

	// 1. パスワードをハッシュ化
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// 2. ユーザーとcredentialアカウントを同一トランザクションで作成
	now := s.now()
	userID := uuid.New().String()
	user := &model.User{
		ID:        userID,
		Name:      name,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	account := &model.Account{
		ID:         uuid.New().String(),
		UserID:     userID,
		AccountID:  userID,
		ProviderID: model.ProviderCredential,
		Password:   &hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.users.CreateWithAccount(ctx, user, account); err != nil {
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", userID),
		slog.String("provider", model.ProviderCredential),
	)
	return user, nil
}

// Verify はメールアドレスとパスワードを照合し、一致したユーザーを返す。
// 未登録のメールアドレスとパスワード誤りはどちらも同じInvalidCredentialsを返し、
// どちらの経路でもハッシュ比較を1回行う。
func (s *Service) Verify(ctx context.Context, email, password string) (*model.User, error) {
	email = model.NormalizeEmail(email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.checkDummy(password)
		return nil, model.NewInvalidCredentialsError()
	}

	account, err := s.accounts.FindByUserAndProvider(ctx, user.ID, model.ProviderCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential account: %w", err)
	}
	if account == nil || account.Password == nil {
		s.checkDummy(password)
		return nil, model.NewInvalidCredentialsError()
	}

	if !s.hasher.Check(password, *account.Password) {
		return nil, model.NewInvalidCredentialsError()
	}
	return user, nil
}

// ChangePassword は現在のパスワードを確認したうえで新しいパスワードに変更する。
// revokeSessionsがtrueの場合はユーザーの全セッションを破棄する。
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string, revokeSessions bool) error {
	account, err := s.accounts.FindByUserAndProvider(ctx, userID, model.ProviderCredential)
	if err != nil {
		return fmt.Errorf("failed to find credential account: %w", err)
	}
	if account == nil || account.Password == nil || !s.hasher.Check(current, *account.Password) {
		return model.NewInvalidCredentialsError()
	}
	if err := s.checkPasswordPolicy(next); err != nil {
		return err
	}

	if err := s.storePassword(ctx, userID, next); err != nil {
		return err
	}

	if revokeSessions {
		if err := s.sessions.RevokeAll(ctx, userID); err != nil {
			return fmt.Errorf("failed to revoke sessions: %w", err)
		}
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// RequestPasswordReset はパスワードリセット用のチャレンジを発行し、リンクをメールで送る。
// 未登録のメールアドレスやパスワード未設定のユーザーでもnilを返し、登録有無を区別させない。
func (s *Service) RequestPasswordReset(ctx context.Context, email, baseURL string) error {
	email = model.NormalizeEmail(email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		slog.Debug("password reset requested for unknown email")
		return nil
	}
	account, err := s.accounts.FindByUserAndProvider(ctx, user.ID, model.ProviderCredential)
	if err != nil {
		return fmt.Errorf("failed to find credential account: %w", err)
	}
	if account == nil {
		slog.Debug("password reset requested for user without credential account", slog.String("user_id", user.ID))
		return nil
	}

	token, err := s.challenges.Issue(ctx, verification.Identifier(verification.PurposeResetPassword, email), s.config.ResetTokenTTL)
	if err != nil {
		return fmt.Errorf("failed to issue reset token: %w", err)
	}

	link := buildLink(baseURL, "/reset-password", email, token)
	if err := s.mailer.SendPasswordResetEmail(ctx, email, link); err != nil {
		return fmt.Errorf("failed to send password reset email: %w", err)
	}
	return nil
}

// ResetPassword はリセット用チャレンジを消費し、新しいパスワードを設定する。
// 成功時はユーザーの全セッションを破棄する。
func (s *Service) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	email = model.NormalizeEmail(email)

	// チャレンジを消費する前にポリシーを確認し、弱いパスワードでリンクが無駄にならないようにする
	if err := s.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	if err := s.challenges.Consume(ctx, verification.Identifier(verification.PurposeResetPassword, email), token); err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewInvalidVerificationError()
	}

	if err := s.storePassword(ctx, user.ID, newPassword); err != nil {
		return err
	}
	if err := s.sessions.RevokeAll(ctx, user.ID); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	slog.Info("password reset", slog.String("user_id", user.ID))
	return nil
}

// SendVerificationEmail はメールアドレス確認用のチャレンジを発行し、リンクをメールで送る。
// 確認済みのユーザーには何もしない。
func (s *Service) SendVerificationEmail(ctx context.Context, userID, baseURL string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.EmailVerified {
		return nil
	}

	token, err := s.challenges.Issue(ctx, verification.Identifier(verification.PurposeEmailVerification, user.Email), s.config.VerificationTokenTTL)
	if err != nil {
		return fmt.Errorf("failed to issue verification token: %w", err)
	}

	link := buildLink(baseURL, "/verify-email", user.Email, token)
	if err := s.mailer.SendVerificationEmail(ctx, user.Email, link); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}

// VerifyEmail は確認用チャレンジを消費し、ユーザーのemail_verifiedをtrueにする。
func (s *Service) VerifyEmail(ctx context.Context, email, token string) (*model.User, error) {
	email = model.NormalizeEmail(email)

	if err := s.challenges.Consume(ctx, verification.Identifier(verification.PurposeEmailVerification, email), token); err != nil {
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidVerificationError()
	}

	now := s.now()
	if err := s.users.MarkEmailVerified(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}
	user.EmailVerified = true
	user.UpdatedAt = now

	slog.Info("email verified", slog.String("user_id", user.ID))
	return user, nil
}

// checkPasswordPolicy はパスワードの長さを検証する。
// 下限は文字数、上限はbcryptの制約に合わせてバイト数で判定する。
func (s *Service) checkPasswordPolicy(password string) error {
	if utf8.RuneCountInString(password) < s.config.PasswordMinLength {
		return model.NewWeakPasswordError(fmt.Sprintf("%d文字以上必要です", s.config.PasswordMinLength))
	}
	if len(password) > s.config.PasswordMaxLength {
		return model.NewWeakPasswordError(fmt.Sprintf("%dバイト以下にしてください", s.config.PasswordMaxLength))
	}
	return nil
}

func (s *Service) storePassword(ctx context.Context, userID, password string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.accounts.UpdatePassword(ctx, userID, hash, s.now()); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// prepareDummy はダミーハッシュを生成して返す。
// 生成に失敗した場合は空文字を返し、次回の呼び出しで再試行する。
func (s *Service) prepareDummy() string {
	s.dummyMu.Lock()
	defer s.dummyMu.Unlock()
	if s.dummyHash != "" || s.hasher == nil {
		return s.dummyHash
	}
	hash, err := s.hasher.Hash(dummyPassword)
	if err != nil {
		slog.Error("failed to prepare dummy password hash", slog.String("error", err.Error()))
		return ""
	}
	s.dummyHash = hash
	return hash
}

// checkDummy はダミーハッシュとの比較を1回行い、結果は捨てる。
// ダミーハッシュを用意できない場合は入力のハッシュ化で同等のコストを消費する。
func (s *Service) checkDummy(password string) {
	hash := s.prepareDummy()
	if hash == "" {
		_, _ = s.hasher.Hash(password)
		return
	}
	_ = s.hasher.Check(password, hash)
}

// buildLink はbaseURLにパスとメールアドレス・トークンのクエリを付けたリンクを組み立てる。
func buildLink(baseURL, path, email, token string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", token)
	return strings.TrimRight(baseURL, "/") + path + "?" + q.Encode()
}
