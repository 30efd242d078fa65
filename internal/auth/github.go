package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubProvider はGitHub OAuthによる認証を提供する。
type GitHubProvider struct {
	oauth   *oauth2.Config
	config  ProviderConfig
	apiBase string
}

// NewGitHubProvider はGitHubProviderを生成する。
// スコープにはread:user, user:emailを含む。
func NewGitHubProvider(config ProviderConfig) *GitHubProvider {
	apiBase := config.APIBaseURL
	if apiBase == "" {
		apiBase = defaultGitHubAPIBaseURL
	}
	return &GitHubProvider{
		oauth:   config.oauthConfig(github.Endpoint, []string{"read:user", "user:email"}),
		config:  config,
		apiBase: strings.TrimRight(apiBase, "/"),
	}
}

func (p *GitHubProvider) Name() string { return ProviderGitHub }

func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *GitHubProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return exchange(ctx, p.oauth, p.config.httpClient(), code)
}

// githubUser はGitHubの /user レスポンス。
type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// githubEmail はGitHubの /user/emails レスポンスの要素。
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchProfile は /user と /user/emails からプロフィールを組み立てる。
// /user に公開メールアドレスがない場合は、/user/emails の検証済みプライマリアドレスを使う。
func (p *GitHubProvider) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	client := p.config.httpClient()

	// 1. /user で基本情報を取得
	var user githubUser
	if err := getJSON(ctx, client, token, p.apiBase+"/user", &user); err != nil {
		return nil, fmt.Errorf("failed to fetch github user: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("empty id in github user response")
	}

	// 2. /user/emails で検証状態を取得
	var emails []githubEmail
	emailsErr := getJSON(ctx, client, token, p.apiBase+"/user/emails", &emails)

	email, verified := user.Email, false
	if emailsErr == nil {
		email, verified = pickGitHubEmail(user.Email, emails)
	}
	if email == "" {
		if emailsErr != nil {
			return nil, fmt.Errorf("failed to fetch github emails: %w", emailsErr)
		}
		return nil, fmt.Errorf("no verified primary email on github account")
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &Profile{
		ProviderAccountID: strconv.FormatInt(user.ID, 10),
		Email:             email,
		EmailVerified:     verified,
		Name:              name,
		AvatarURL:         user.AvatarURL,
	}, nil
}

// pickGitHubEmail は公開メールアドレスの検証状態を返す。
// 公開メールアドレスがない場合は検証済みのプライマリアドレスを選ぶ。
func pickGitHubEmail(public string, emails []githubEmail) (string, bool) {
	if public != "" {
		for _, e := range emails {
			if strings.EqualFold(e.Email, public) {
				return public, e.Verified
			}
		}
		return public, false
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true
		}
	}
	return "", false
}

// compile-time interface check
var _ OAuthProvider = (*GitHubProvider)(nil)
