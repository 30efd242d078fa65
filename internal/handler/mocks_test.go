package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authdash/internal/auth"
	"github.com/hitoshi/authdash/internal/metrics"
	"github.com/hitoshi/authdash/internal/middleware"
	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/user"
)

// --- モック定義 ---

type mockCredentialService struct {
	registerFn              func(ctx context.Context, name, email, password string) (*model.User, error)
	verifyFn                func(ctx context.Context, email, password string) (*model.User, error)
	changePasswordFn        func(ctx context.Context, userID, current, next string, revoke bool) error
	requestPasswordResetFn  func(ctx context.Context, email, baseURL string) error
	resetPasswordFn         func(ctx context.Context, email, token, newPassword string) error
	sendVerificationEmailFn func(ctx context.Context, userID, baseURL string) error
	verifyEmailFn           func(ctx context.Context, email, token string) (*model.User, error)
}

func (m *mockCredentialService) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, name, email, password)
	}
	return &model.User{ID: "user-1", Name: name, Email: email}, nil
}

func (m *mockCredentialService) Verify(ctx context.Context, email, password string) (*model.User, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, email, password)
	}
	return &model.User{ID: "user-1", Email: email}, nil
}

func (m *mockCredentialService) ChangePassword(ctx context.Context, userID, current, next string, revoke bool) error {
	if m.changePasswordFn != nil {
		return m.changePasswordFn(ctx, userID, current, next, revoke)
	}
	return nil
}

func (m *mockCredentialService) RequestPasswordReset(ctx context.Context, email, baseURL string) error {
	if m.requestPasswordResetFn != nil {
		return m.requestPasswordResetFn(ctx, email, baseURL)
	}
	return nil
}

func (m *mockCredentialService) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, email, token, newPassword)
	}
	return nil
}

func (m *mockCredentialService) SendVerificationEmail(ctx context.Context, userID, baseURL string) error {
	if m.sendVerificationEmailFn != nil {
		return m.sendVerificationEmailFn(ctx, userID, baseURL)
	}
	return nil
}

func (m *mockCredentialService) VerifyEmail(ctx context.Context, email, token string) (*model.User, error) {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, email, token)
	}
	return &model.User{ID: "user-1", Email: email, EmailVerified: true}, nil
}

type mockSessionService struct {
	issueFn      func(ctx context.Context, userID, ip, ua string) (*model.Session, error)
	revokeFn     func(ctx context.Context, token string) error
	revokeByIDFn func(ctx context.Context, userID, sessionID string) error
	listFn       func(ctx context.Context, userID string) ([]*model.Session, error)
}

func (m *mockSessionService) Issue(ctx context.Context, userID, ip, ua string) (*model.Session, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, userID, ip, ua)
	}
	return &model.Session{ID: "s-new", UserID: userID, Token: "token-new", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockSessionService) Revoke(ctx context.Context, token string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, token)
	}
	return nil
}

func (m *mockSessionService) RevokeByID(ctx context.Context, userID, sessionID string) error {
	if m.revokeByIDFn != nil {
		return m.revokeByIDFn(ctx, userID, sessionID)
	}
	return nil
}

func (m *mockSessionService) List(ctx context.Context, userID string) ([]*model.Session, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockSessionService) TTL() time.Duration { return time.Hour }

type mockOAuthService struct {
	getLoginURLFn       func(provider, state string) (string, error)
	completeHandshakeFn func(ctx context.Context, provider, code string, meta auth.RequestMeta) (*model.Session, error)
}

func (m *mockOAuthService) GetLoginURL(provider, state string) (string, error) {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(provider, state)
	}
	return "https://provider.example.com/authorize?state=" + state, nil
}

func (m *mockOAuthService) CompleteHandshake(ctx context.Context, provider, code string, meta auth.RequestMeta) (*model.Session, error) {
	if m.completeHandshakeFn != nil {
		return m.completeHandshakeFn(ctx, provider, code, meta)
	}
	return &model.Session{ID: "s-oauth", UserID: "user-1", Token: "token-oauth"}, nil
}

type mockUserService struct {
	getProfileFn    func(ctx context.Context, userID string) (*model.User, error)
	updateProfileFn func(ctx context.Context, userID string, update user.ProfileUpdate) (*model.User, error)
	listAccountsFn  func(ctx context.Context, userID string) ([]user.LinkedAccount, error)
	deleteFn        func(ctx context.Context, userID string) error
}

func (m *mockUserService) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	if m.getProfileFn != nil {
		return m.getProfileFn(ctx, userID)
	}
	return &model.User{ID: userID, Name: "Test", Email: "test@example.com"}, nil
}

func (m *mockUserService) UpdateProfile(ctx context.Context, userID string, update user.ProfileUpdate) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, userID, update)
	}
	return &model.User{ID: userID}, nil
}

func (m *mockUserService) ListAccounts(ctx context.Context, userID string) ([]user.LinkedAccount, error) {
	if m.listAccountsFn != nil {
		return m.listAccountsFn(ctx, userID)
	}
	return []user.LinkedAccount{}, nil
}

func (m *mockUserService) Delete(ctx context.Context, userID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID)
	}
	return nil
}

var (
	_ CredentialService    = (*mockCredentialService)(nil)
	_ SessionService       = (*mockSessionService)(nil)
	_ OAuthService         = (*mockOAuthService)(nil)
	_ UserServiceInterface = (*mockUserService)(nil)
)

// recordingMetrics はサインイン・登録の記録を保持するメトリクスコレクター。
type recordingMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	signUps map[string]int
	signIns map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{signUps: map[string]int{}, signIns: map[string]int{}}
}

func (m *recordingMetrics) RecordSignUp(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signUps[result]++
}

func (m *recordingMetrics) RecordSignIn(method, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signIns[method+"/"+result]++
}

// --- ヘルパー ---

var testCookie = middleware.SessionCookieConfig{Name: "session_token"}

func newTestAuthHandler(creds *mockCredentialService, sessions *mockSessionService, oauth *mockOAuthService, collector metrics.MetricsCollector) *AuthHandler {
	return NewAuthHandler(creds, sessions, oauth, collector, AuthHandlerConfig{
		BaseURL: "http://localhost:3000",
		Cookie:  testCookie,
	})
}

// jsonRequest はJSONボディ付きのリクエストを生成する。
func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withSession はセッションミドルウェアを通過した状態のリクエストを返す。
func withSession(req *http.Request, sessionID, userID string) *http.Request {
	sw := &model.SessionWithUser{
		Session: &model.Session{ID: sessionID, UserID: userID, Token: "token-" + sessionID},
		User:    &model.User{ID: userID, Name: "Test User", Email: "test@example.com"},
	}
	return req.WithContext(middleware.ContextWithSession(req.Context(), sw))
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v\nbody: %s", err, w.Body.String())
	}
	return v
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
