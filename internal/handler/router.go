package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authdash/internal/metrics"
	"github.com/hitoshi/authdash/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	HealthChecker     HealthChecker
	SessionValidator  middleware.SessionValidator
	CookieConfig      middleware.SessionCookieConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustProxy        bool

	// 認証
	BaseURL     string
	Credentials CredentialService
	Sessions    SessionService
	OAuth       OAuthService

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS → RateLimit(General) → CSRF → Session
//
// サインイン・登録・リセット系のエンドポイントには認証系のレート制限を追加で適用する。
// /health と /metrics はレート制限とCSRFの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()

	if deps.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Credentials, deps.Sessions, deps.OAuth, collector, AuthHandlerConfig{
		BaseURL: deps.BaseURL,
		Cookie:  deps.CookieConfig,
	})
	userHandler := NewUserHandler(deps.UserService, deps.CookieConfig)

	requireSession := middleware.NewSessionMiddleware(deps.SessionValidator, deps.CookieConfig)
	optionalSession := middleware.NewOptionalSessionMiddleware(deps.SessionValidator, deps.CookieConfig)
	authLimit := deps.RateLimiter.AuthMiddleware()

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// --- 認証不要のルート ---
		r.Route("/api/auth", func(r chi.Router) {
			r.With(authLimit).Post("/sign-up/email", authHandler.SignUpEmail)
			r.With(authLimit).Post("/sign-in/email", authHandler.SignInEmail)
			r.With(authLimit).Post("/forget-password", authHandler.ForgetPassword)
			r.With(authLimit).Post("/reset-password", authHandler.ResetPassword)
			r.With(authLimit).Post("/verify-email", authHandler.VerifyEmail)

			// OAuthフロー
			r.Get("/sign-in/{provider}", authHandler.SignInSocial)
			r.Get("/callback/{provider}", authHandler.Callback)

			r.Post("/sign-out", authHandler.SignOut)
			r.With(optionalSession).Get("/session", authHandler.GetSession)

			// --- 認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(requireSession)
				r.Get("/sessions", authHandler.ListSessions)
				r.Post("/sessions/revoke", authHandler.RevokeSession)
				r.With(authLimit).Post("/change-password", authHandler.ChangePassword)
				r.With(authLimit).Post("/send-verification-email", authHandler.SendVerificationEmail)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSession)

			r.Get("/dashboard", Dashboard)

			// ユーザー管理
			r.Route("/api/users/me", func(r chi.Router) {
				r.Get("/", userHandler.GetMe)
				r.Patch("/", userHandler.UpdateMe)
				r.Delete("/", userHandler.Withdraw)
				r.Get("/accounts", userHandler.ListAccounts)
			})
		})
	})

	return r
}
