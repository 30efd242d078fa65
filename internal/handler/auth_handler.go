// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authdash/internal/auth"
	"github.com/hitoshi/authdash/internal/metrics"
	"github.com/hitoshi/authdash/internal/middleware"
	"github.com/hitoshi/authdash/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分
)

// CredentialService はメールアドレス+パスワード認証に必要なサービスインターフェース。
type CredentialService interface {
	Register(ctx context.Context, name, email, password string) (*model.User, error)
	Verify(ctx context.Context, email, password string) (*model.User, error)
	ChangePassword(ctx context.Context, userID, current, next string, revokeSessions bool) error
	RequestPasswordReset(ctx context.Context, email, baseURL string) error
	ResetPassword(ctx context.Context, email, token, newPassword string) error
	SendVerificationEmail(ctx context.Context, userID, baseURL string) error
	VerifyEmail(ctx context.Context, email, token string) (*model.User, error)
}

// SessionService はセッション操作に必要なサービスインターフェース。
type SessionService interface {
	Issue(ctx context.Context, userID, ipAddress, userAgent string) (*model.Session, error)
	Revoke(ctx context.Context, token string) error
	RevokeByID(ctx context.Context, userID, sessionID string) error
	List(ctx context.Context, userID string) ([]*model.Session, error)
	TTL() time.Duration
}

// OAuthService はOAuthフローに必要なサービスインターフェース。
type OAuthService interface {
	GetLoginURL(provider, state string) (string, error)
	CompleteHandshake(ctx context.Context, provider, code string, meta auth.RequestMeta) (*model.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL string
	Cookie  middleware.SessionCookieConfig
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	credentials CredentialService
	sessions    SessionService
	oauth       OAuthService
	metrics     metrics.MetricsCollector
	config      AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewAuthHandler(
	credentials CredentialService,
	sessions SessionService,
	oauth OAuthService,
	collector metrics.MetricsCollector,
	config AuthHandlerConfig,
) *AuthHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &AuthHandler{
		credentials: credentials,
		sessions:    sessions,
		oauth:       oauth,
		metrics:     collector,
		config:      config,
	}
}

// SignUpEmail はメールアドレスでユーザーを登録し、セッションを発行する。
// POST /api/auth/sign-up/email
func (h *AuthHandler) SignUpEmail(w http.ResponseWriter, r *http.Request) {
	var form SignUpForm
	if !bindForm(w, r, &form) {
		return
	}

	user, err := h.credentials.Register(r.Context(), form.Name, form.Email, form.Password)
	if err != nil {
		h.metrics.RecordSignUp(metrics.ResultFailure)
		middleware.WriteError(w, r, err)
		return
	}
	h.metrics.RecordSignUp(metrics.ResultSuccess)

	if !h.startSession(w, r, user.ID) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]userResponse{"user": toUserResponse(user)})
}

// SignInEmail はメールアドレスとパスワードで認証し、セッションを発行する。
// POST /api/auth/sign-in/email
func (h *AuthHandler) SignInEmail(w http.ResponseWriter, r *http.Request) {
	var form SignInForm
	if !bindForm(w, r, &form) {
		return
	}

	user, err := h.credentials.Verify(r.Context(), form.Email, form.Password)
	if err != nil {
		h.metrics.RecordSignIn(metrics.MethodCredential, metrics.ResultFailure)
		middleware.WriteError(w, r, err)
		return
	}
	h.metrics.RecordSignIn(metrics.MethodCredential, metrics.ResultSuccess)

	if !h.startSession(w, r, user.ID) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]userResponse{"user": toUserResponse(user)})
}

// SignInSocial は外部プロバイダーのOAuthフローを開始する。
// GET /api/auth/sign-in/{provider}
func (h *AuthHandler) SignInSocial(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.oauth.GetLoginURL(provider, state)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	h.setStateCookie(w, state, oauthStateMaxAge)
	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /api/auth/callback/{provider}?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch", slog.String("provider", provider))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("state"))
		return
	}

	// stateクッキーを削除
	h.setStateCookie(w, "", -1)

	// 2. 認可コードの交換とユーザーの解決
	// プロバイダーがerrorを返した場合はcodeが空になり、交換失敗として扱われる
	if reason := r.URL.Query().Get("error"); reason != "" {
		slog.Warn("oauth provider returned error",
			slog.String("provider", provider),
			slog.String("reason", reason),
		)
	}
	session, err := h.oauth.CompleteHandshake(r.Context(), provider, r.URL.Query().Get("code"), requestMeta(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	// 3. セッションCookieを設定（HTTP Only）
	middleware.SetSessionCookie(w, h.config.Cookie, session.Token, h.cookieMaxAge())

	// 4. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// SignOut は現在のセッションを破棄し、Cookieを削除する。
// POST /api/auth/sign-out
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionTokenFromRequest(r, h.config.Cookie); token != "" {
		if err := h.sessions.Revoke(r.Context(), token); err != nil {
			// 破棄に失敗してもCookieはクリアする
			slog.Error("failed to revoke session", slog.String("error", err.Error()))
		}
	}

	middleware.ClearSessionCookie(w, h.config.Cookie)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// GetSession は現在のセッションとユーザーを返す。未ログインの場合はnullを返す。
// GET /api/auth/session
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sw, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionWithUserResponse{
		Session: toSessionResponse(sw.Session),
		User:    toUserResponse(sw.User),
	})
}

// ListSessions はログイン中ユーザーの有効なセッション一覧を返す。
// GET /api/auth/sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sw, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	sessions, err := h.sessions.List(r.Context(), sw.Session.UserID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		sr := toSessionResponse(s)
		sr.Current = s.ID == sw.Session.ID
		resp = append(resp, sr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RevokeSession はログイン中ユーザー自身のセッションをIDで破棄する。
// POST /api/auth/sessions/revoke
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sw, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var form RevokeSessionForm
	if !bindForm(w, r, &form) {
		return
	}

	if err := h.sessions.RevokeByID(r.Context(), sw.Session.UserID, form.ID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if form.ID == sw.Session.ID {
		middleware.ClearSessionCookie(w, h.config.Cookie)
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// ChangePassword はログイン中ユーザーのパスワードを変更する。
// revokeOtherSessionsを指定した場合は全セッションを破棄したうえで、
// 呼び出し元には新しいセッションを発行する。
// POST /api/auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var form ChangePasswordForm
	if !bindForm(w, r, &form) {
		return
	}

	if err := h.credentials.ChangePassword(r.Context(), userID, form.CurrentPassword, form.NewPassword, form.RevokeOtherSessions); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if form.RevokeOtherSessions && !h.startSession(w, r, userID) {
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// SendVerificationEmail はログイン中ユーザーに確認メールを送る。
// POST /api/auth/send-verification-email
func (h *AuthHandler) SendVerificationEmail(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.credentials.SendVerificationEmail(r.Context(), userID, h.config.BaseURL); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// VerifyEmail は確認トークンを消費してメールアドレスを確認済みにする。
// POST /api/auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var form VerifyEmailForm
	if !bindForm(w, r, &form) {
		return
	}

	user, err := h.credentials.VerifyEmail(r.Context(), form.Email, form.Token)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]userResponse{"user": toUserResponse(user)})
}

// ForgetPassword はパスワードリセットのリンクを送る。
// 登録の有無にかかわらず同じレスポンスを返す。
// POST /api/auth/forget-password
func (h *AuthHandler) ForgetPassword(w http.ResponseWriter, r *http.Request) {
	var form ForgotPasswordForm
	if !bindForm(w, r, &form) {
		return
	}

	if err := h.credentials.RequestPasswordReset(r.Context(), form.Email, h.config.BaseURL); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// ResetPassword はリセットトークンを消費して新しいパスワードを設定する。
// POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var form ResetPasswordForm
	if !bindForm(w, r, &form) {
		return
	}

	if err := h.credentials.ResetPassword(r.Context(), form.Email, form.Token, form.NewPassword); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	// 全セッションが破棄されているため、手元のCookieも削除する
	middleware.ClearSessionCookie(w, h.config.Cookie)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// startSession はセッションを発行してCookieに設定する。
// 失敗した場合はエラーレスポンスを書き込んでfalseを返す。
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, userID string) bool {
	meta := requestMeta(r)
	session, err := h.sessions.Issue(r.Context(), userID, meta.IPAddress, meta.UserAgent)
	if err != nil {
		middleware.WriteError(w, r, err)
		return false
	}
	middleware.SetSessionCookie(w, h.config.Cookie, session.Token, h.cookieMaxAge())
	return true
}

func (h *AuthHandler) cookieMaxAge() int {
	return int(h.sessions.TTL() / time.Second)
}

func (h *AuthHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// requestMeta はセッションに記録するリクエスト元の情報を取り出す。
func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
