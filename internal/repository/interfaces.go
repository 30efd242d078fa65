// Package repository はデータ永続化のインターフェースを定義する。
// 一意性とCASCADE削除はストレージ層の制約に任せ、読み取り後の書き込みによる重複チェックは行わない。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/authdash/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithAccount はユーザーとアカウントを同一トランザクションで作成する。
	// メールアドレス重複時はmodel.ErrDuplicateEmailに一致するエラーを返し、何も作成しない。
	CreateWithAccount(ctx context.Context, user *model.User, account *model.Account) error

	// UpdateProfile は表示名とプロフィール画像を更新する。
	UpdateProfile(ctx context.Context, user *model.User) error

	// MarkEmailVerified はemail_verifiedをtrueにする。
	MarkEmailVerified(ctx context.Context, id string, now time.Time) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessions、accountsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// AccountRepository はプロバイダーアカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByProviderAndAccountID はprovider_idとaccount_idでアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndAccountID(ctx context.Context, providerID, accountID string) (*model.Account, error)

	// FindByUserAndProvider はユーザーの指定プロバイダーのアカウントを取得する。見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, providerID string) (*model.Account, error)

	// ListByUserID はユーザーの全アカウントを作成日時順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Account, error)

	// Create はアカウントを作成する。(provider_id, account_id)が重複する場合は制約違反エラーを返す。
	Create(ctx context.Context, account *model.Account) error

	// UpdateTokens はアクセストークン、リフレッシュトークン、有効期限、スコープを更新する。
	UpdateTokens(ctx context.Context, account *model.Account) error

	// UpdatePassword はcredentialアカウントのパスワードハッシュを更新する。
	// 対象アカウントが存在しない場合はmodel.ErrInvalidCredentialsに一致するエラーを返す。
	UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByToken はトークンでセッションを取得する。見つからない場合はnilを返す。
	// 期限切れの判定は呼び出し側が行う。
	FindByToken(ctx context.Context, token string) (*model.Session, error)

	// ListActiveByUserID は指定時刻に有効なユーザーのセッションを新しい順に返す。
	ListActiveByUserID(ctx context.Context, userID string, now time.Time) ([]*model.Session, error)

	// UpdateExpiresAt はセッションの有効期限を延長する。
	UpdateExpiresAt(ctx context.Context, id string, expiresAt, now time.Time) error

	// DeleteByToken はトークンでセッションを削除する。存在しなくてもエラーにしない。
	DeleteByToken(ctx context.Context, token string) error

	// DeleteByIDAndUserID はユーザー所有のセッションをIDで削除し、削除件数を返す。
	DeleteByIDAndUserID(ctx context.Context, id, userID string) (int64, error)

	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// VerificationRepository は確認チャレンジの永続化インターフェース。
type VerificationRepository interface {
	// Create はチャレンジを作成する。
	Create(ctx context.Context, v *model.Verification) error

	// Consume は(identifier, value)に一致するチャレンジを削除し、削除した行を返す。
	// 見つからない場合はnilを返す。削除と取得を1文で行うため、同じチャレンジは一度しか消費できない。
	Consume(ctx context.Context, identifier, value string) (*model.Verification, error)

	// Replace は同じidentifierの既存チャレンジを削除してvを作成する。
	// 削除と作成はアトミックに行われ、同時に呼ばれてもidentifierごとに1行だけが残る。
	Replace(ctx context.Context, v *model.Verification) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
