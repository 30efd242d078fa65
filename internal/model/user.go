// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// ProviderCredential はメールアドレス+パスワード認証のアカウントを示すプロバイダーID。
const ProviderCredential = "credential"

// 列の最大文字数。users.name、users.imageはVARCHAR(255)。
const (
	MaxNameLength  = 255
	MaxImageLength = 255
	// MaxEmailLength はRFC 5321のアドレス長上限。
	MaxEmailLength = 254
)

// TruncateRunes はsをmax文字以内に切り詰める。
func TruncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// TooLong はsの文字数がmaxを超えるかを返す。
func TooLong(s string, max int) bool {
	return utf8.RuneCountInString(s) > max
}

// User はサービス利用ユーザーを表す。
// Emailは常にNormalizeEmailで正規化された値を保持する。
type User struct {
	ID            string
	Name          string
	Email         string
	EmailVerified bool
	Image         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Account はユーザーとプロバイダー上のアイデンティティ（またはパスワード認証情報）の紐付けを表す。
// (ProviderID, AccountID) の組はストレージ層で一意制約がかかっている。
type Account struct {
	ID                    string
	UserID                string
	AccountID             string
	ProviderID            string
	AccessToken           *string
	RefreshToken          *string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 *string
	Password              *string // credentialプロバイダーのみ。パスワードハッシュを保持する
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Session はユーザーのログインセッションを表す。
// Tokenがクライアントに渡る唯一のベアラー資格情報で、IDは内部識別子として扱う。
type Session struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired は指定時刻においてセッションが期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionWithUser は検証済みセッションと所有ユーザーの組。
type SessionWithUser struct {
	Session *Session
	User    *User
	// Refreshed はこの検証で有効期限が延長されたことを示す。
	// trueの場合、呼び出し側はCookieの有効期限も更新する。
	Refreshed bool
}

// Verification はメール確認やパスワードリセットに使う短命の使い捨てチャレンジを表す。
// (Identifier, Value) の組はストレージ層で一意制約がかかっている。
type Verification struct {
	ID         string
	Identifier string
	Value      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsExpired は指定時刻においてチャレンジが期限切れかどうかを返す。
func (v *Verification) IsExpired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

// NormalizeEmail はメールアドレスを前後の空白除去と小文字化で正規化する。
// ドメイン部が国際化ドメイン名の場合はPunycode（ASCII）表記に揃える。
// usersテーブルにはこの関数を通した値のみを書き込む。
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	domain, err := idna.Lookup.ToASCII(email[at+1:])
	if err != nil {
		// 変換できないドメインは小文字化した値のまま扱う。形式の検証はフォーム側で行う。
		return email
	}
	return email[:at+1] + strings.ToLower(domain)
}
