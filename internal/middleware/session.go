// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authdash/internal/model"
)

// DefaultSessionCookieName はセッショントークンを保持するCookieのデフォルト名。
const DefaultSessionCookieName = "session_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionContextKey は検証済みのセッションとユーザーを格納するためのキー。
	sessionContextKey = contextKey("session")
)

// SessionValidator はセッショントークンの検証に必要なインターフェース。
// session.Managerが実装する。
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*model.SessionWithUser, error)
}

// SessionCookieConfig はセッションCookieの設定。
type SessionCookieConfig struct {
	Name   string
	Secure bool
	Domain string
}

func (c SessionCookieConfig) name() string {
	if c.Name == "" {
		return DefaultSessionCookieName
	}
	return c.Name
}

// NewSessionMiddleware はHTTP Only Cookieからセッショントークンを読み取り、
// 有効性を検証するミドルウェアを返す。
// 検証済みのセッションとユーザーIDをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(validator SessionValidator, config SessionCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw, ok := resolveSession(w, r, validator, config)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sw)))
		})
	}
}

// NewOptionalSessionMiddleware はセッションが有効な場合のみコンテキストに注入し、
// 無効な場合もそのまま後続に処理を渡すミドルウェアを返す。
func NewOptionalSessionMiddleware(validator SessionValidator, config SessionCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sw, ok := resolveSession(w, r, validator, config); ok {
				r = r.WithContext(ContextWithSession(r.Context(), sw))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resolveSession はCookieのトークンを検証する。
// セッションが存在しないか期限切れの場合はCookieを削除する。
// 有効期限が延長された場合はCookieを新しい有効期限で再発行する。
func resolveSession(w http.ResponseWriter, r *http.Request, validator SessionValidator, config SessionCookieConfig) (*model.SessionWithUser, bool) {
	// 1. Cookieからセッショントークンを取得
	cookie, err := r.Cookie(config.name())
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	// 2. セッションの有効性を検証
	sw, err := validator.Validate(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, model.ErrNoSuchSession) {
			ClearSessionCookie(w, config)
		} else {
			slog.Error("failed to validate session",
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	// 3. サーバー側で延長した有効期限をCookieにも反映
	if sw.Refreshed {
		if maxAge := int(time.Until(sw.Session.ExpiresAt) / time.Second); maxAge > 0 {
			SetSessionCookie(w, config, cookie.Value, maxAge)
		}
	}
	return sw, true
}

// SetSessionCookie はセッショントークンをHttpOnly Cookieに設定する。
func SetSessionCookie(w http.ResponseWriter, config SessionCookieConfig, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.name(),
		Value:    token,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config SessionCookieConfig) {
	SetSessionCookie(w, config, "", -1)
}

// SessionTokenFromRequest はリクエストのCookieからセッショントークンを取得する。
func SessionTokenFromRequest(r *http.Request, config SessionCookieConfig) string {
	cookie, err := r.Cookie(config.name())
	if err != nil {
		return ""
	}
	return cookie.Value
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// SessionFromContext はリクエストコンテキストから検証済みのセッションとユーザーを取得する。
func SessionFromContext(ctx context.Context) (*model.SessionWithUser, bool) {
	sw, ok := ctx.Value(sessionContextKey).(*model.SessionWithUser)
	return sw, ok && sw != nil
}

// ContextWithSession はコンテキストに検証済みのセッションとそのユーザーIDを注入する。
func ContextWithSession(ctx context.Context, sw *model.SessionWithUser) context.Context {
	ctx = context.WithValue(ctx, sessionContextKey, sw)
	setLogUserID(ctx, sw.Session.UserID)
	return ContextWithUserID(ctx, sw.Session.UserID)
}
