package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/authdash/internal/auth"
	"github.com/hitoshi/authdash/internal/config"
	"github.com/hitoshi/authdash/internal/credential"
	"github.com/hitoshi/authdash/internal/database"
	"github.com/hitoshi/authdash/internal/handler"
	"github.com/hitoshi/authdash/internal/logger"
	"github.com/hitoshi/authdash/internal/metrics"
	"github.com/hitoshi/authdash/internal/middleware"
	"github.com/hitoshi/authdash/internal/repository"
	"github.com/hitoshi/authdash/internal/security"
	"github.com/hitoshi/authdash/internal/session"
	"github.com/hitoshi/authdash/internal/user"
	"github.com/hitoshi/authdash/internal/verification"
	"github.com/hitoshi/authdash/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映してロガーを再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
// SIGINTまたはSIGTERMを受信するとserve/workerは停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はctxのキャンセルで停止するRun。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action %q (want up, down or version)", args[1])
		}
		return runMigrate(cfg, action)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// buildProviders はclient idが設定されたOAuthプロバイダーを構築する。
// トークン交換とプロフィール取得にはSSRF防止付きのクライアントを使う。
func buildProviders(cfg *config.Config, guard security.OutboundGuard) []auth.OAuthProvider {
	var providers []auth.OAuthProvider
	if cfg.GitHubClientID != "" {
		providers = append(providers, auth.NewGitHubProvider(auth.ProviderConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL(auth.ProviderGitHub),
			HTTPClient:   guard.NewSafeClient(cfg.OAuthTimeout),
		}))
	}
	if cfg.GoogleClientID != "" {
		providers = append(providers, auth.NewGoogleProvider(auth.ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL(auth.ProviderGoogle),
			HTTPClient:   guard.NewSafeClient(cfg.OAuthTimeout),
		}))
	}
	if len(providers) == 0 {
		slog.Warn("no oauth provider configured")
	}
	return providers
}

// newRouter は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
// 返却するRateLimiterはシャットダウン時にStopすること。
func newRouter(cfg *config.Config, db *sql.DB, registry *prometheus.Registry) (http.Handler, *middleware.RateLimiter) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	verificationRepo := repository.NewPostgresVerificationRepo(db)

	// 2. メトリクスとセキュリティサービスの初期化
	collector := metrics.NewCollector(registry)
	guard := security.NewOutboundGuard()
	sanitizer := security.NewTextSanitizer()

	// 3. ドメインサービスの初期化
	sessions := session.NewManager(sessionRepo, userRepo, session.Config{
		TTL:       cfg.SessionTTL,
		UpdateAge: cfg.SessionUpdateAge,
	}, collector)

	credentials := credential.NewService(
		userRepo, accountRepo,
		security.NewBcryptHasher(cfg.BcryptCost),
		verification.NewService(verificationRepo),
		verification.NewLogMailer(slog.Default()),
		sessions,
		credential.Config{
			PasswordMinLength:    cfg.PasswordMinLength,
			ResetTokenTTL:        cfg.ResetTokenTTL,
			VerificationTokenTTL: cfg.VerificationTokenTTL,
		},
	)

	oauthService := auth.NewService(
		buildProviders(cfg, guard),
		userRepo, accountRepo, sessions,
		sanitizer, guard, collector,
	)

	slog.Info("oauth providers enabled", slog.Any("providers", oauthService.Providers()))

	userService := user.NewService(userRepo, accountRepo, sanitizer, guard)

	// 4. ルーターの構築（RATE_LIMIT_*はIPごとの1分あたりのリクエスト数）
	limiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 && cfg.RateLimitAuth > 0 {
		limiterCfg = middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth)
	}
	rateLimiter := middleware.NewRateLimiter(limiterCfg)

	deps := &handler.RouterDeps{
		Logger:           slog.Default(),
		Metrics:          collector,
		MetricsHandler:   metrics.Handler(registry),
		HealthChecker:    db,
		SessionValidator: sessions,
		CookieConfig: middleware.SessionCookieConfig{
			Name:   cfg.SessionCookieName,
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustProxy:        cfg.TrustProxy,

		BaseURL:     cfg.BaseURL,
		Credentials: credentials,
		Sessions:    sessions,
		OAuth:       oauthService,

		UserService: userService,
	}

	return handler.NewRouter(deps), rateLimiter
}

// newHTTPServer はタイムアウトを設定したhttp.Serverを生成する。
func newHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. ルーターの構築
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "authdash"),
	)
	router, rateLimiter := newRouter(cfg, db, registry)
	defer rateLimiter.Stop()

	// 3. HTTPサーバーの起動
	server := newHTTPServer(cfg, router)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れのセッションと確認チャレンジを起動直後とCLEANUP_INTERVALごとに削除する。
// ctxがキャンセルされると停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. クリーンアップジョブの起動（ブロッキング）
	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)
	job := cleanup.NewCleanupJob(db, slog.Default(), nil)
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database schema version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
