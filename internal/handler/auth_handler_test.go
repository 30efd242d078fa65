package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/authdash/internal/auth"
	"github.com/hitoshi/authdash/internal/metrics"
	"github.com/hitoshi/authdash/internal/model"
)

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// --- POST /api/auth/sign-up/email ---

func TestAuthHandler_SignUpEmail_Success(t *testing.T) {
	collector := newRecordingMetrics()
	var issuedFor string
	sessions := &mockSessionService{
		issueFn: func(ctx context.Context, userID, ip, ua string) (*model.Session, error) {
			issuedFor = userID
			assert.Equal(t, "192.0.2.1", ip)
			assert.Equal(t, "test-agent", ua)
			return &model.Session{ID: "s-1", UserID: userID, Token: "tok-1"}, nil
		},
	}
	creds := &mockCredentialService{
		registerFn: func(ctx context.Context, name, email, password string) (*model.User, error) {
			assert.Equal(t, "Alice", name)
			assert.Equal(t, "alice@example.com", email)
			assert.Equal(t, "password1", password)
			return &model.User{ID: "user-a", Name: name, Email: email}, nil
		},
	}
	h := newTestAuthHandler(creds, sessions, &mockOAuthService{}, collector)

	req := jsonRequest(http.MethodPost, "/api/auth/sign-up/email",
		`{"name":"Alice","email":"alice@example.com","password":"password1","confirmPassword":"password1"}`)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("User-Agent", "test-agent")
	w := httptest.NewRecorder()

	h.SignUpEmail(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "user-a", issuedFor)

	cookie := findCookie(w, "session_token")
	require.NotNil(t, cookie)
	assert.Equal(t, "tok-1", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 3600, cookie.MaxAge)

	body := decodeBody[map[string]map[string]any](t, w)
	assert.Equal(t, "user-a", body["user"]["id"])
	assert.NotContains(t, w.Body.String(), "tok-1", "トークンはボディに含めない")
	assert.Equal(t, 1, collector.signUps[metrics.ResultSuccess])
}

func TestAuthHandler_SignUpEmail_DuplicateEmail(t *testing.T) {
	collector := newRecordingMetrics()
	issued := false
	sessions := &mockSessionService{
		issueFn: func(ctx context.Context, userID, ip, ua string) (*model.Session, error) {
			issued = true
			return nil, nil
		},
	}
	creds := &mockCredentialService{
		registerFn: func(ctx context.Context, name, email, password string) (*model.User, error) {
			return nil, model.NewDuplicateEmailError()
		},
	}
	h := newTestAuthHandler(creds, sessions, &mockOAuthService{}, collector)

	w := httptest.NewRecorder()
	h.SignUpEmail(w, jsonRequest(http.MethodPost, "/api/auth/sign-up/email",
		`{"name":"Alice","email":"alice@example.com","password":"password1","confirmPassword":"password1"}`))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, issued, "重複時はセッションを発行しない")
	assert.Nil(t, findCookie(w, "session_token"))
	assert.Equal(t, 1, collector.signUps[metrics.ResultFailure])
}

func TestAuthHandler_SignUpEmail_ValidationError(t *testing.T) {
	called := false
	creds := &mockCredentialService{
		registerFn: func(ctx context.Context, name, email, password string) (*model.User, error) {
			called = true
			return nil, nil
		},
	}
	h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, nil)

	w := httptest.NewRecorder()
	h.SignUpEmail(w, jsonRequest(http.MethodPost, "/api/auth/sign-up/email",
		`{"name":"A","email":"alice@example.com","password":"password1","confirmPassword":"password2"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
	body := decodeBody[map[string]any](t, w)
	fields := body["fields"].(map[string]any)
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "confirmPassword")
}

// --- POST /api/auth/sign-in/email ---

func TestAuthHandler_SignInEmail(t *testing.T) {
	tests := []struct {
		name       string
		verifyErr  error
		wantStatus int
		wantMetric string
		wantCookie bool
	}{
		{name: "成功", wantStatus: http.StatusOK, wantMetric: "credential/success", wantCookie: true},
		{name: "認証情報不一致", verifyErr: model.NewInvalidCredentialsError(), wantStatus: http.StatusUnauthorized, wantMetric: "credential/failure"},
		{name: "ストレージエラー", verifyErr: errors.New("db down"), wantStatus: http.StatusInternalServerError, wantMetric: "credential/failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := newRecordingMetrics()
			creds := &mockCredentialService{
				verifyFn: func(ctx context.Context, email, password string) (*model.User, error) {
					if tt.verifyErr != nil {
						return nil, tt.verifyErr
					}
					return &model.User{ID: "user-1", Email: email}, nil
				},
			}
			h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, collector)

			w := httptest.NewRecorder()
			h.SignInEmail(w, jsonRequest(http.MethodPost, "/api/auth/sign-in/email", `{"email":"a@example.com","password":"whatever"}`))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, 1, collector.signIns[tt.wantMetric])
			assert.Equal(t, tt.wantCookie, findCookie(w, "session_token") != nil)
		})
	}
}

func TestAuthHandler_SignInEmail_FormEncoded(t *testing.T) {
	var gotEmail string
	creds := &mockCredentialService{
		verifyFn: func(ctx context.Context, email, password string) (*model.User, error) {
			gotEmail = email
			return &model.User{ID: "user-1", Email: email}, nil
		},
	}
	h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, nil)

	form := url.Values{"email": {"form@example.com"}, "password": {"secret"}}
	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.SignInEmail(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "form@example.com", gotEmail)
}

// --- OAuth ---

func TestAuthHandler_SignInSocial_RedirectsWithState(t *testing.T) {
	var gotProvider, gotState string
	oauth := &mockOAuthService{
		getLoginURLFn: func(provider, state string) (string, error) {
			gotProvider, gotState = provider, state
			return "https://github.com/login/oauth/authorize?state=" + state, nil
		},
	}
	h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, oauth, nil)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/auth/sign-in/github", nil), "provider", "github")
	w := httptest.NewRecorder()
	h.SignInSocial(w, req)

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "github", gotProvider)
	assert.Len(t, gotState, 32)

	stateCookie := findCookie(w, oauthStateCookie)
	require.NotNil(t, stateCookie)
	assert.Equal(t, gotState, stateCookie.Value)
	assert.True(t, stateCookie.HttpOnly)
	assert.Contains(t, w.Header().Get("Location"), "state="+gotState)
}

func TestAuthHandler_SignInSocial_UnsupportedProvider(t *testing.T) {
	oauth := &mockOAuthService{
		getLoginURLFn: func(provider, state string) (string, error) {
			return "", model.NewUnsupportedProviderError(provider)
		},
	}
	h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, oauth, nil)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/auth/sign-in/myspace", nil), "provider", "myspace")
	w := httptest.NewRecorder()
	h.SignInSocial(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, findCookie(w, oauthStateCookie))
}

func callbackRequest(provider, query, cookieState string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback/"+provider+"?"+query, nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: cookieState})
	}
	return withURLParam(req, "provider", provider)
}

func TestAuthHandler_Callback_Success(t *testing.T) {
	oauth := &mockOAuthService{
		completeHandshakeFn: func(ctx context.Context, provider, code string, meta auth.RequestMeta) (*model.Session, error) {
			assert.Equal(t, "google", provider)
			assert.Equal(t, "auth-code", code)
			return &model.Session{ID: "s-9", UserID: "user-9", Token: "tok-9"}, nil
		},
	}
	h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, oauth, nil)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("google", "code=auth-code&state=abc", "abc"))

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Location"))

	session := findCookie(w, "session_token")
	require.NotNil(t, session)
	assert.Equal(t, "tok-9", session.Value)

	state := findCookie(w, oauthStateCookie)
	require.NotNil(t, state)
	assert.Less(t, state.MaxAge, 0, "stateクッキーは削除する")
}

func TestAuthHandler_Callback_StateMismatch(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		cookieState string
	}{
		{"Cookieなし", "code=x&state=abc", ""},
		{"不一致", "code=x&state=abc", "xyz"},
		{"stateパラメータなし", "code=x", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			oauth := &mockOAuthService{
				completeHandshakeFn: func(ctx context.Context, provider, code string, meta auth.RequestMeta) (*model.Session, error) {
					called = true
					return nil, nil
				},
			}
			h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, oauth, nil)

			w := httptest.NewRecorder()
			h.Callback(w, callbackRequest("github", tt.query, tt.cookieState))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, called)
		})
	}
}

func TestAuthHandler_Callback_ExchangeFailed(t *testing.T) {
	oauth := &mockOAuthService{
		completeHandshakeFn: func(ctx context.Context, provider, code string, meta auth.RequestMeta) (*model.Session, error) {
			return nil, model.NewOAuthExchangeFailedError(provider)
		},
	}
	h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, oauth, nil)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("github", "error=access_denied&state=abc", "abc"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Nil(t, findCookie(w, "session_token"))
}

// --- セッション ---

func TestAuthHandler_SignOut(t *testing.T) {
	var revoked string
	sessions := &mockSessionService{
		revokeFn: func(ctx context.Context, token string) error {
			revoked = token
			return nil
		},
	}
	h := newTestAuthHandler(&mockCredentialService{}, sessions, &mockOAuthService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-out", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "tok-1"})
	w := httptest.NewRecorder()
	h.SignOut(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok-1", revoked)
	cookie := findCookie(w, "session_token")
	require.NotNil(t, cookie)
	assert.Less(t, cookie.MaxAge, 0)
}

func TestAuthHandler_SignOut_RevokeErrorStillClearsCookie(t *testing.T) {
	sessions := &mockSessionService{
		revokeFn: func(ctx context.Context, token string) error { return errors.New("db down") },
	}
	h := newTestAuthHandler(&mockCredentialService{}, sessions, &mockOAuthService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-out", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "tok-1"})
	w := httptest.NewRecorder()
	h.SignOut(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, findCookie(w, "session_token"))
}

func TestAuthHandler_GetSession(t *testing.T) {
	h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, &mockOAuthService{}, nil)

	// 未ログイン
	w := httptest.NewRecorder()
	h.GetSession(w, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))

	// ログイン中
	w = httptest.NewRecorder()
	h.GetSession(w, withSession(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil), "s-1", "user-1"))
	body := decodeBody[sessionWithUserResponse](t, w)
	assert.Equal(t, "s-1", body.Session.ID)
	assert.Equal(t, "user-1", body.User.ID)
	assert.NotContains(t, w.Body.String(), "token-s-1")
}

func TestAuthHandler_ListSessions_MarksCurrent(t *testing.T) {
	sessions := &mockSessionService{
		listFn: func(ctx context.Context, userID string) ([]*model.Session, error) {
			assert.Equal(t, "user-1", userID)
			return []*model.Session{
				{ID: "s-1", UserID: userID, Token: "secret-1"},
				{ID: "s-2", UserID: userID, Token: "secret-2"},
			}, nil
		},
	}
	h := newTestAuthHandler(&mockCredentialService{}, sessions, &mockOAuthService{}, nil)

	w := httptest.NewRecorder()
	h.ListSessions(w, withSession(httptest.NewRequest(http.MethodGet, "/api/auth/sessions", nil), "s-2", "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-")
	body := decodeBody[[]sessionResponse](t, w)
	require.Len(t, body, 2)
	assert.False(t, body[0].Current)
	assert.True(t, body[1].Current)
}

func TestAuthHandler_RevokeSession(t *testing.T) {
	tests := []struct {
		name        string
		targetID    string
		revokeErr   error
		wantStatus  int
		wantCleared bool
	}{
		{name: "他のセッション", targetID: "s-other", wantStatus: http.StatusOK},
		{name: "現在のセッション", targetID: "s-current", wantStatus: http.StatusOK, wantCleared: true},
		{name: "他ユーザーのセッション", targetID: "s-foreign", revokeErr: model.NewNoSuchSessionError(), wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessionService{
				revokeByIDFn: func(ctx context.Context, userID, sessionID string) error {
					assert.Equal(t, "user-1", userID)
					assert.Equal(t, tt.targetID, sessionID)
					return tt.revokeErr
				},
			}
			h := newTestAuthHandler(&mockCredentialService{}, sessions, &mockOAuthService{}, nil)

			req := withSession(jsonRequest(http.MethodPost, "/api/auth/sessions/revoke", `{"id":"`+tt.targetID+`"}`), "s-current", "user-1")
			w := httptest.NewRecorder()
			h.RevokeSession(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCleared, findCookie(w, "session_token") != nil)
		})
	}
}

// --- パスワード・メール確認 ---

func TestAuthHandler_ChangePassword(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		serviceErr   error
		wantStatus   int
		wantRevoke   bool
		wantNewToken bool
	}{
		{name: "成功", body: `{"currentPassword":"old-password","newPassword":"new-password"}`, wantStatus: http.StatusOK},
		{
			name:         "他セッションを破棄して再発行",
			body:         `{"currentPassword":"old-password","newPassword":"new-password","revokeOtherSessions":true}`,
			wantStatus:   http.StatusOK,
			wantRevoke:   true,
			wantNewToken: true,
		},
		{
			name:       "現在のパスワード誤り",
			body:       `{"currentPassword":"wrong","newPassword":"new-password"}`,
			serviceErr: model.NewInvalidCredentialsError(),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "新パスワードがポリシー違反",
			body:       `{"currentPassword":"old-password","newPassword":"short"}`,
			serviceErr: model.NewWeakPasswordError(""),
			wantStatus: http.StatusBadRequest,
		},
		{name: "新パスワード未入力", body: `{"currentPassword":"old-password","newPassword":""}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRevoke bool
			creds := &mockCredentialService{
				changePasswordFn: func(ctx context.Context, userID, current, next string, revoke bool) error {
					assert.Equal(t, "user-1", userID)
					gotRevoke = revoke
					return tt.serviceErr
				},
			}
			h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, nil)

			w := httptest.NewRecorder()
			h.ChangePassword(w, withSession(jsonRequest(http.MethodPost, "/api/auth/change-password", tt.body), "s-1", "user-1"))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantRevoke, gotRevoke)
			cookie := findCookie(w, "session_token")
			if tt.wantNewToken {
				require.NotNil(t, cookie)
				assert.Equal(t, "token-new", cookie.Value)
			} else {
				assert.Nil(t, cookie)
			}
		})
	}
}

func TestAuthHandler_ChangePassword_Unauthenticated(t *testing.T) {
	h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, &mockOAuthService{}, nil)

	w := httptest.NewRecorder()
	h.ChangePassword(w, jsonRequest(http.MethodPost, "/api/auth/change-password", `{}`))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_ForgetPassword_AlwaysSucceeds(t *testing.T) {
	var gotBaseURL string
	creds := &mockCredentialService{
		requestPasswordResetFn: func(ctx context.Context, email, baseURL string) error {
			gotBaseURL = baseURL
			return nil
		},
	}
	h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, nil)

	w := httptest.NewRecorder()
	h.ForgetPassword(w, jsonRequest(http.MethodPost, "/api/auth/forget-password", `{"email":"nobody@example.com"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", gotBaseURL)
}

func TestAuthHandler_ResetPassword(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		wantStatus int
	}{
		{name: "成功", wantStatus: http.StatusOK},
		{name: "無効なトークン", serviceErr: model.NewInvalidVerificationError(), wantStatus: http.StatusBadRequest},
		{name: "弱いパスワード", serviceErr: model.NewWeakPasswordError(""), wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &mockCredentialService{
				resetPasswordFn: func(ctx context.Context, email, token, newPassword string) error {
					assert.Equal(t, "reset-token", token)
					return tt.serviceErr
				},
			}
			h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, nil)

			w := httptest.NewRecorder()
			h.ResetPassword(w, jsonRequest(http.MethodPost, "/api/auth/reset-password",
				`{"email":"a@example.com","token":"reset-token","newPassword":"brand-new-pw"}`))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				cookie := findCookie(w, "session_token")
				require.NotNil(t, cookie)
				assert.Less(t, cookie.MaxAge, 0)
			}
		})
	}
}

func TestAuthHandler_SendVerificationEmail(t *testing.T) {
	var gotUserID string
	creds := &mockCredentialService{
		sendVerificationEmailFn: func(ctx context.Context, userID, baseURL string) error {
			gotUserID = userID
			return nil
		},
	}
	h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, nil)

	w := httptest.NewRecorder()
	h.SendVerificationEmail(w, withSession(httptest.NewRequest(http.MethodPost, "/api/auth/send-verification-email", nil), "s-1", "user-7"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", gotUserID)
}

func TestAuthHandler_VerifyEmail(t *testing.T) {
	h := newTestAuthHandler(&mockCredentialService{}, &mockSessionService{}, &mockOAuthService{}, nil)

	w := httptest.NewRecorder()
	h.VerifyEmail(w, jsonRequest(http.MethodPost, "/api/auth/verify-email", `{"email":"a@example.com","token":"t"}`))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]userResponse](t, w)
	assert.True(t, body["user"].EmailVerified)
}

func TestAuthHandler_VerifyEmail_InvalidToken(t *testing.T) {
	creds := &mockCredentialService{
		verifyEmailFn: func(ctx context.Context, email, token string) (*model.User, error) {
			return nil, model.NewInvalidVerificationError()
		},
	}
	h := newTestAuthHandler(creds, &mockSessionService{}, &mockOAuthService{}, nil)

	w := httptest.NewRecorder()
	h.VerifyEmail(w, jsonRequest(http.MethodPost, "/api/auth/verify-email", `{"email":"a@example.com","token":"bad"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), model.ErrCodeInvalidVerification)
}
