package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleProvider はGoogle OAuth 2.0による認証を提供する。
type GoogleProvider struct {
	oauth       *oauth2.Config
	config      ProviderConfig
	userInfoURL string
}

// NewGoogleProvider はGoogleProviderを生成する。
// スコープにはopenid, email, profileを含む。
// APIBaseURLを指定した場合は、それをユーザー情報エンドポイントとして使う。
func NewGoogleProvider(config ProviderConfig) *GoogleProvider {
	userInfoURL := config.APIBaseURL
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	return &GoogleProvider{
		oauth:       config.oauthConfig(google.Endpoint, []string{"openid", "email", "profile"}),
		config:      config,
		userInfoURL: userInfoURL,
	}
}

func (p *GoogleProvider) Name() string { return ProviderGoogle }

func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (p *GoogleProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return exchange(ctx, p.oauth, p.config.httpClient(), code)
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// FetchProfile はアクセストークンでGoogleのユーザー情報を取得する。
func (p *GoogleProvider) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	var info googleUserInfo
	if err := getJSON(ctx, p.config.httpClient(), token, p.userInfoURL, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}
	if info.Email == "" {
		return nil, fmt.Errorf("empty email in user info response")
	}

	return &Profile{
		ProviderAccountID: info.Sub,
		Email:             info.Email,
		EmailVerified:     info.EmailVerified,
		Name:              info.Name,
		AvatarURL:         info.Picture,
	}, nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleProvider)(nil)
