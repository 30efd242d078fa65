package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/authdash/internal/model"
)

const accountColumns = `id, user_id, account_id, provider_id, access_token, refresh_token,
	access_token_expires_at, refresh_token_expires_at, scope, password, created_at, updated_at`

// execer はsql.DBとsql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByProviderAndAccountID はprovider_idとaccount_idでアカウントを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByProviderAndAccountID(ctx context.Context, providerID, accountID string) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE provider_id = $1 AND account_id = $2`,
		providerID, accountID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return account, nil
}

// FindByUserAndProvider はユーザーの指定プロバイダーのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByUserAndProvider(ctx context.Context, userID, providerID string) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND provider_id = $2
		 ORDER BY created_at LIMIT 1`,
		userID, providerID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by user: %w", err)
	}
	return account, nil
}

// ListByUserID はユーザーの全アカウントを作成日時順に返す。
func (r *PostgresAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	return insertAccount(ctx, r.db, account)
}

// UpdateTokens はアクセストークン、リフレッシュトークン、有効期限、スコープを更新する。
func (r *PostgresAccountRepo) UpdateTokens(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET access_token = $1, refresh_token = $2, access_token_expires_at = $3,
		     refresh_token_expires_at = $4, scope = $5, updated_at = $6
		 WHERE id = $7`,
		account.AccessToken, account.RefreshToken, account.AccessTokenExpiresAt,
		account.RefreshTokenExpiresAt, account.Scope, account.UpdatedAt, account.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return nil
}

// UpdatePassword はcredentialアカウントのパスワードハッシュを更新する。
func (r *PostgresAccountRepo) UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET password = $1, updated_at = $2
		 WHERE user_id = $3 AND provider_id = $4`,
		passwordHash, now, userID, model.ProviderCredential,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireOneRow(result, model.NewInvalidCredentialsError())
}

// insertAccount はアカウントを1件挿入する。トランザクション内外のどちらからも呼ばれる。
func insertAccount(ctx context.Context, db execer, account *model.Account) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, account_id, provider_id, access_token, refresh_token,
		   access_token_expires_at, refresh_token_expires_at, scope, password, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		account.ID, account.UserID, account.AccountID, account.ProviderID,
		account.AccessToken, account.RefreshToken, account.AccessTokenExpiresAt, account.RefreshTokenExpiresAt,
		account.Scope, account.Password, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", translateError(err))
	}
	return nil
}

// rowScanner はsql.Rowとsql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	err := row.Scan(
		&a.ID, &a.UserID, &a.AccountID, &a.ProviderID, &a.AccessToken, &a.RefreshToken,
		&a.AccessTokenExpiresAt, &a.RefreshTokenExpiresAt, &a.Scope, &a.Password, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
