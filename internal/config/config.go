// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// maxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
const maxPasswordBytes = 72

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// OAuth（client idが設定されたプロバイダーのみ有効）
	GitHubClientID     string        `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string        `env:"GITHUB_CLIENT_SECRET"`
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	OAuthTimeout       time.Duration `env:"OAUTH_TIMEOUT" envDefault:"10s"`

	// Session
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	SessionUpdateAge  time.Duration `env:"SESSION_UPDATE_AGE" envDefault:"24h"`
	SessionCookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"session_token"`

	// Credential
	BcryptCost           int           `env:"BCRYPT_COST" envDefault:"10"`
	PasswordMinLength    int           `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`
	ResetTokenTTL        time.Duration `env:"RESET_TOKEN_TTL" envDefault:"1h"`
	VerificationTokenTTL time.Duration `env:"VERIFICATION_TOKEN_TTL" envDefault:"24h"`

	// Cleanup
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// Rate Limit（1分あたり、IPごと）
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitAuth    int `env:"RATE_LIMIT_AUTH" envDefault:"30"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`
	// TrustProxy がtrueの場合はX-Forwarded-For等からクライアントIPを取得する
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`

	// Cookie
	CookieSecure bool   `env:"-"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret == "" {
		return nil, fmt.Errorf("GITHUB_CLIENT_SECRET is required when GITHUB_CLIENT_ID is set")
	}
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
	}
	// bcryptは72バイトまでしか扱えない
	if cfg.PasswordMinLength < 1 || cfg.PasswordMinLength > maxPasswordBytes {
		return nil, fmt.Errorf("PASSWORD_MIN_LENGTH must be between 1 and %d, got %d", maxPasswordBytes, cfg.PasswordMinLength)
	}

	return cfg, nil
}

// OAuthRedirectURL はプロバイダーのコールバックURLを返す。
func (c *Config) OAuthRedirectURL(provider string) string {
	return c.BaseURL + "/api/auth/callback/" + provider
}
