package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authdash/internal/middleware"
	"github.com/hitoshi/authdash/internal/model"
)

// dashboardResponse は保護されたダッシュボードのレスポンス。
type dashboardResponse struct {
	Greeting string          `json:"greeting"`
	User     userResponse    `json:"user"`
	Session  sessionResponse `json:"session"`
}

// Dashboard はログイン中ユーザー向けのダッシュボードを返す。
// セッションミドルウェアの内側でのみ使う。
// GET /dashboard
func Dashboard(w http.ResponseWriter, r *http.Request) {
	sw, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, dashboardResponse{
		Greeting: greeting(sw.User),
		User:     toUserResponse(sw.User),
		Session:  toSessionResponse(sw.Session),
	})
}

// greeting は表示名、未設定の場合はメールアドレスで挨拶文を組み立てる。
func greeting(u *model.User) string {
	name := u.Name
	if name == "" {
		name = u.Email
	}
	return fmt.Sprintf("ようこそ、%sさん", name)
}

// HealthChecker はDB接続の疎通確認に使うインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// checkerがnilの場合はプロセスの生存のみを返す。
// GET /health
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
