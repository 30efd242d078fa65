// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher はパスワードハッシュ化の抽象。
// 生パスワードは保存せず、Hashの戻り値のみを永続化する。
type PasswordHasher interface {
	// Hash は生パスワードからソルト付きハッシュを生成する。
	Hash(password string) (string, error)
	// Check は生パスワードとハッシュが一致するかを返す。
	Check(password, hash string) bool
}

// bcryptHasher はbcryptによるPasswordHasherの実装。
type bcryptHasher struct {
	cost int
}

// NewBcryptHasher は指定コストのbcryptHasherを生成する。
// costがbcryptの許容範囲外の場合はbcrypt.DefaultCostを使用する。
func NewBcryptHasher(cost int) *bcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &bcryptHasher{cost: cost}
}

// Hash は生パスワードからbcryptハッシュを生成する。
// 72バイトを超えるパスワードはbcryptの制約によりエラーになる。
func (h *bcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("password exceeds 72 bytes: %w", err)
		}
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Check は生パスワードとbcryptハッシュを定数時間で比較する。
func (h *bcryptHasher) Check(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Cost はハッシュ化に使うコストを返す。
func (h *bcryptHasher) Cost() int {
	return h.cost
}

// compile-time interface check
var _ PasswordHasher = (*bcryptHasher)(nil)
