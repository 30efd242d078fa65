package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/authdash/internal/middleware"
	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, update user.ProfileUpdate) (*model.User, error)
	ListAccounts(ctx context.Context, userID string) ([]user.LinkedAccount, error)
	// Delete はユーザーを削除する。
	// sessions、accountsはストレージの外部キー制約で連鎖削除される。
	Delete(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	cookie  middleware.SessionCookieConfig
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, cookie middleware.SessionCookieConfig) *UserHandler {
	return &UserHandler{
		service: service,
		cookie:  cookie,
	}
}

// GetMe はログイン中ユーザーのプロフィールを返す。
// GET /api/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// UpdateMe はログイン中ユーザーの表示名・プロフィール画像を更新する。
// PATCH /api/users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var form UpdateProfileForm
	if !bindForm(w, r, &form) {
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), userID, user.ProfileUpdate{
		Name:  form.Name,
		Image: form.Image,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// ListAccounts はログイン中ユーザーに紐付くプロバイダー一覧を返す。
// GET /api/users/me/accounts
func (h *UserHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// Withdraw はユーザーの退会処理を実行し、セッションCookieを削除する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

// requireUserID はコンテキストからユーザーIDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
