package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/authdash/internal/model"
)

// PostgresVerificationRepo はPostgreSQLを使用した確認チャレンジリポジトリ。
type PostgresVerificationRepo struct {
	db *sql.DB
}

// NewPostgresVerificationRepo はPostgresVerificationRepoを生成する。
func NewPostgresVerificationRepo(db *sql.DB) *PostgresVerificationRepo {
	return &PostgresVerificationRepo{db: db}
}

// Create はチャレンジを作成する。
func (r *PostgresVerificationRepo) Create(ctx context.Context, v *model.Verification) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO verifications (id, identifier, value, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.Identifier, v.Value, v.ExpiresAt, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification: %w", translateError(err))
	}
	return nil
}

// Consume は(identifier, value)に一致するチャレンジを削除し、削除した行を返す。
// 見つからない場合はnilを返す。
func (r *PostgresVerificationRepo) Consume(ctx context.Context, identifier, value string) (*model.Verification, error) {
	v := &model.Verification{}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM verifications WHERE identifier = $1 AND value = $2
		 RETURNING id, identifier, value, expires_at, created_at, updated_at`,
		identifier, value,
	).Scan(&v.ID, &v.Identifier, &v.Value, &v.ExpiresAt, &v.CreatedAt, &v.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification: %w", err)
	}
	return v, nil
}

// Replace は同じidentifierの既存チャレンジを削除してvを作成する。
// identifier単位のアドバイザリーロックで同時発行を直列化する。
func (r *PostgresVerificationRepo) Replace(ctx context.Context, v *model.Verification) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. identifier単位でロック（トランザクション終了時に解放）
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		v.Identifier,
	); err != nil {
		return fmt.Errorf("failed to lock verification identifier: %w", err)
	}

	// 2. 既存チャレンジを無効化
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM verifications WHERE identifier = $1`,
		v.Identifier,
	); err != nil {
		return fmt.Errorf("failed to delete verifications: %w", err)
	}

	// 3. 新しいチャレンジを作成
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO verifications (id, identifier, value, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.Identifier, v.Value, v.ExpiresAt, v.CreatedAt, v.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create verification: %w", translateError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ VerificationRepository = (*PostgresVerificationRepo)(nil)
