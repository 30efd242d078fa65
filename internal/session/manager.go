// Package session はログインセッションの発行・検証・破棄を提供する。
// トークンはDBに保存した不透明な文字列で、検証のたびにストレージを参照する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authdash/internal/metrics"
	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/repository"
)

// デフォルトのセッション設定
const (
	DefaultTTL       = 7 * 24 * time.Hour
	DefaultUpdateAge = 24 * time.Hour
)

// tokenBytes はセッショントークンの乱数バイト数（256ビット）。
const tokenBytes = 32

// Config はセッションマネージャーの設定。
type Config struct {
	// TTL はセッションの有効期間。
	TTL time.Duration
	// UpdateAge は有効期限を延長する間隔。
	// 発行または前回延長からUpdateAge以上経過したセッションを検証すると、有効期限をnow+TTLに延長する。
	// 0の場合は延長しない。
	UpdateAge time.Duration
}

// Manager はセッションのライフサイクルを管理する。
type Manager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	config   Config
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewManager はManagerを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewManager(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	config Config,
	collector metrics.MetricsCollector,
) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Manager{
		sessions: sessions,
		users:    users,
		config:   config,
		metrics:  collector,
		now:      time.Now,
	}
}

// TTL はセッションの有効期間を返す。Cookieの有効期限に使う。
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Issue はユーザーに新しいセッションを発行する。
// IPアドレスとUser-Agentは発行時の値を記録する。
func (m *Manager) Issue(ctx context.Context, userID, ipAddress, userAgent string) (*model.Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := m.now()
	session := &model.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: now.Add(m.config.TTL),
		IPAddress: ipAddress,
		UserAgent: userAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.metrics.RecordSessionIssued()
	slog.Info("session issued",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
	)
	return session, nil
}

// Validate はトークンを検証し、セッションと所有ユーザーを返す。
// 存在しないトークンはNoSuchSessionを返す。
// 期限切れのセッションは削除したうえで、SessionExpiredとNoSuchSessionの両方に一致するエラーを返す。
func (m *Manager) Validate(ctx context.Context, token string) (*model.SessionWithUser, error) {
	if token == "" {
		return nil, model.NewNoSuchSessionError()
	}

	// 1. トークンでセッションを検索
	session, err := m.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewNoSuchSessionError()
	}

	// 2. 有効期限を確認し、期限切れなら削除
	now := m.now()
	if session.IsExpired(now) {
		if err := m.sessions.DeleteByToken(ctx, token); err != nil {
			slog.Warn("failed to delete expired session",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("%w: %w", model.NewSessionExpiredError(), model.NewNoSuchSessionError())
	}

	// 3. 所有ユーザーを取得
	user, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session user: %w", err)
	}
	if user == nil {
		return nil, model.NewNoSuchSessionError()
	}

	// 4. 必要なら有効期限を延長
	refreshed := false
	if m.shouldRefresh(session, now) {
		expiresAt := now.Add(m.config.TTL)
		if err := m.sessions.UpdateExpiresAt(ctx, session.ID, expiresAt, now); err != nil {
			// 延長に失敗しても現在のセッションはまだ有効なので、リクエストは継続する
			slog.Warn("failed to extend session",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		} else {
			session.ExpiresAt = expiresAt
			session.UpdatedAt = now
			refreshed = true
		}
	}

	return &model.SessionWithUser{Session: session, User: user, Refreshed: refreshed}, nil
}

// shouldRefresh は残り有効期間がTTL-UpdateAgeを下回っているかを返す。
func (m *Manager) shouldRefresh(session *model.Session, now time.Time) bool {
	if m.config.UpdateAge <= 0 || m.config.UpdateAge >= m.config.TTL {
		return false
	}
	return session.ExpiresAt.Sub(now) < m.config.TTL-m.config.UpdateAge
}

// Revoke はトークンのセッションを破棄する。存在しないトークンでもエラーにしない。
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.sessions.DeleteByToken(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	m.metrics.RecordSessionRevoked(1)
	return nil
}

// RevokeAll はユーザーの全セッションを破棄する。パスワード変更時などに使う。
func (m *Manager) RevokeAll(ctx context.Context, userID string) error {
	if err := m.sessions.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	slog.Info("all sessions revoked", slog.String("user_id", userID))
	return nil
}

// List はユーザーの有効なセッションを新しい順に返す。
func (m *Manager) List(ctx context.Context, userID string) ([]*model.Session, error) {
	sessions, err := m.sessions.ListActiveByUserID(ctx, userID, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// RevokeByID はユーザー自身のセッションをIDで破棄する。
// 他ユーザーのセッションIDや存在しないIDにはNoSuchSessionを返す。
func (m *Manager) RevokeByID(ctx context.Context, userID, sessionID string) error {
	n, err := m.sessions.DeleteByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if n == 0 {
		return model.NewNoSuchSessionError()
	}
	m.metrics.RecordSessionRevoked(int(n))
	return nil
}

// generateToken は暗号的に安全なセッショントークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
