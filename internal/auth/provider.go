package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// プロバイダー名
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// maxProfileBodyBytes はプロバイダーAPIレスポンスの読み込み上限。
const maxProfileBodyBytes = 1 << 20

// Profile はOAuthプロバイダーから取得したユーザー情報を表す。
type Profile struct {
	ProviderAccountID string
	Email             string
	EmailVerified     bool
	Name              string
	AvatarURL         string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 認可コード交換とプロフィール取得を分けることで、取得したトークンをaccountsに保存できる。
type OAuthProvider interface {
	// Name はプロバイダー名（accounts.provider_id）を返す。
	Name() string
	// AuthCodeURL は認可URLを生成する。
	AuthCodeURL(state string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
	// FetchProfile はトークンでプロバイダーのユーザー情報を取得する。
	FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error)
}

// ProviderConfig はOAuthプロバイダーの設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string

	// HTTPClient はトークン交換とAPI呼び出しに使うクライアント。
	// nilの場合はタイムアウト付きのクライアントを使う。
	HTTPClient *http.Client
}

// defaultHTTPTimeout はHTTPClient未指定時のタイムアウト。
const defaultHTTPTimeout = 10 * time.Second

func (c ProviderConfig) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// oauthConfig はProviderConfigからoauth2.Configを組み立てる。
// AuthURL/TokenURLが指定されている場合はエンドポイントを上書きする。
func (c ProviderConfig) oauthConfig(endpoint oauth2.Endpoint, scopes []string) *oauth2.Config {
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// exchange はoauth2.Config.Exchangeに注入したHTTPクライアントを渡して実行する。
func exchange(ctx context.Context, cfg *oauth2.Config, client *http.Client, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return token, nil
}

// getJSON はBearerトークン付きでGETし、200のレスポンスをoutにデコードする。
func getJSON(ctx context.Context, client *http.Client, token *oauth2.Token, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s failed with status %d", url, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
