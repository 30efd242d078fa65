package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/authdash/internal/model"
)

// PostgreSQLのSQLSTATEコード
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgStringTooLong       = "22001"
)

// users.emailの一意制約名。マイグレーションで明示的に命名している。
const usersEmailConstraint = "users_email_key"

// translateError はドライバーの制約違反エラーをドメインエラーに変換する。
// 元のエラーもラップしたまま保持するため、errors.Asで*pq.Errorを取り出せる。
// 列長の超過は入力値の問題としてValidationFailedに変換する。
// それ以外のエラーはそのまま返す。
func translateError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch string(pqErr.Code) {
	case pgUniqueViolation:
		if pqErr.Constraint == usersEmailConstraint {
			return fmt.Errorf("%w: %w", model.NewDuplicateEmailError(), err)
		}
		return fmt.Errorf("%w: %w", model.NewConstraintViolationError(pqErr.Constraint), err)
	case pgForeignKeyViolation, pgCheckViolation:
		return fmt.Errorf("%w: %w", model.NewConstraintViolationError(pqErr.Constraint), err)
	case pgStringTooLong:
		return fmt.Errorf("%w: %w", model.NewValidationError("value too long"), err)
	}
	return err
}
