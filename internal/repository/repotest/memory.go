// Package repotest はテスト用のインメモリリポジトリを提供する。
// PostgreSQLスキーマと同じ一意制約・外部キー・CASCADE削除を再現するため、
// サービス層のテストでストレージ層の不変条件を前提にした検証ができる。
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/authdash/internal/model"
	"github.com/hitoshi/authdash/internal/repository"
)

// Store は4テーブル分のデータを保持するインメモリストア。
// 各リポジトリはUsers/Accounts/Sessions/Verificationsで取得する。
type Store struct {
	mu            sync.Mutex
	users         map[string]model.User
	accounts      map[string]model.Account
	sessions      map[string]model.Session
	verifications map[string]model.Verification
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		users:         make(map[string]model.User),
		accounts:      make(map[string]model.Account),
		sessions:      make(map[string]model.Session),
		verifications: make(map[string]model.Verification),
	}
}

// Users はUserRepositoryを返す。
func (s *Store) Users() *UserRepo { return &UserRepo{s: s} }

// Accounts はAccountRepositoryを返す。
func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s: s} }

// Sessions はSessionRepositoryを返す。
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }

// Verifications はVerificationRepositoryを返す。
func (s *Store) Verifications() *VerificationRepo { return &VerificationRepo{s: s} }

// CountUsers は保存されているユーザー数を返す。
func (s *Store) CountUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// CountAccounts は保存されているアカウント数を返す。
func (s *Store) CountAccounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// CountSessions は保存されているセッション数を返す。
func (s *Store) CountSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CountVerifications は保存されているチャレンジ数を返す。
func (s *Store) CountVerifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verifications)
}

// --- users ---

// UserRepo はインメモリのUserRepository。
type UserRepo struct{ s *Store }

func (r *UserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *UserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, nil
}

func (r *UserRepo) CreateWithAccount(_ context.Context, user *model.User, account *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if user.Email != model.NormalizeEmail(user.Email) {
		return model.NewConstraintViolationError("users_email_normalized")
	}
	for _, u := range r.s.users {
		if u.Email == user.Email {
			return model.NewDuplicateEmailError()
		}
	}
	if _, ok := r.s.users[user.ID]; ok {
		return model.NewConstraintViolationError("users_pkey")
	}
	if account.UserID != user.ID {
		return model.NewConstraintViolationError("accounts_user_id_fkey")
	}
	if r.s.accountExistsLocked(account.ProviderID, account.AccountID) {
		return model.NewConstraintViolationError("accounts_provider_account_key")
	}

	r.s.users[user.ID] = *user
	r.s.accounts[account.ID] = *account
	return nil
}

func (r *UserRepo) UpdateProfile(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[user.ID]
	if !ok {
		return model.NewUserNotFoundError()
	}
	u.Name = user.Name
	u.Image = user.Image
	u.UpdatedAt = user.UpdatedAt
	r.s.users[user.ID] = u
	return nil
}

func (r *UserRepo) MarkEmailVerified(_ context.Context, id string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return model.NewUserNotFoundError()
	}
	u.EmailVerified = true
	u.UpdatedAt = now
	r.s.users[id] = u
	return nil
}

// DeleteByID はユーザーを削除し、sessionsとaccountsをCASCADE削除する。
func (r *UserRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[id]; !ok {
		return model.NewUserNotFoundError()
	}
	delete(r.s.users, id)
	for k, a := range r.s.accounts {
		if a.UserID == id {
			delete(r.s.accounts, k)
		}
	}
	for k, sess := range r.s.sessions {
		if sess.UserID == id {
			delete(r.s.sessions, k)
		}
	}
	return nil
}

// --- accounts ---

// AccountRepo はインメモリのAccountRepository。
type AccountRepo struct{ s *Store }

func (s *Store) accountExistsLocked(providerID, accountID string) bool {
	for _, a := range s.accounts {
		if a.ProviderID == providerID && a.AccountID == accountID {
			return true
		}
	}
	return false
}

func (r *AccountRepo) FindByProviderAndAccountID(_ context.Context, providerID, accountID string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.ProviderID == providerID && a.AccountID == accountID {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *AccountRepo) FindByUserAndProvider(_ context.Context, userID, providerID string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.UserID == userID && a.ProviderID == providerID {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *AccountRepo) ListByUserID(_ context.Context, userID string) ([]*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Account
	for _, a := range r.s.accounts {
		if a.UserID == userID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *AccountRepo) Create(_ context.Context, account *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[account.UserID]; !ok {
		return model.NewConstraintViolationError("accounts_user_id_fkey")
	}
	if r.s.accountExistsLocked(account.ProviderID, account.AccountID) {
		return model.NewConstraintViolationError("accounts_provider_account_key")
	}
	r.s.accounts[account.ID] = *account
	return nil
}

func (r *AccountRepo) UpdateTokens(_ context.Context, account *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[account.ID]
	if !ok {
		return nil
	}
	a.AccessToken = account.AccessToken
	a.RefreshToken = account.RefreshToken
	a.AccessTokenExpiresAt = account.AccessTokenExpiresAt
	a.RefreshTokenExpiresAt = account.RefreshTokenExpiresAt
	a.Scope = account.Scope
	a.UpdatedAt = account.UpdatedAt
	r.s.accounts[account.ID] = a
	return nil
}

func (r *AccountRepo) UpdatePassword(_ context.Context, userID, passwordHash string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, a := range r.s.accounts {
		if a.UserID == userID && a.ProviderID == model.ProviderCredential {
			hash := passwordHash
			a.Password = &hash
			a.UpdatedAt = now
			r.s.accounts[k] = a
			return nil
		}
	}
	return model.NewInvalidCredentialsError()
}

// --- sessions ---

// SessionRepo はインメモリのSessionRepository。
type SessionRepo struct{ s *Store }

func (r *SessionRepo) Create(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[session.UserID]; !ok {
		return model.NewConstraintViolationError("sessions_user_id_fkey")
	}
	for _, existing := range r.s.sessions {
		if existing.Token == session.Token {
			return model.NewConstraintViolationError("sessions_token_key")
		}
	}
	r.s.sessions[session.ID] = *session
	return nil
}

func (r *SessionRepo) FindByToken(_ context.Context, token string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range r.s.sessions {
		if sess.Token == token {
			return &sess, nil
		}
	}
	return nil, nil
}

func (r *SessionRepo) ListActiveByUserID(_ context.Context, userID string, now time.Time) ([]*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Session
	for _, sess := range r.s.sessions {
		if sess.UserID == userID && sess.ExpiresAt.After(now) {
			sess := sess
			out = append(out, &sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *SessionRepo) UpdateExpiresAt(_ context.Context, id string, expiresAt, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil
	}
	sess.ExpiresAt = expiresAt
	sess.UpdatedAt = now
	r.s.sessions[id] = sess
	return nil
}

func (r *SessionRepo) DeleteByToken(_ context.Context, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, sess := range r.s.sessions {
		if sess.Token == token {
			delete(r.s.sessions, k)
		}
	}
	return nil
}

func (r *SessionRepo) DeleteByIDAndUserID(_ context.Context, id, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || sess.UserID != userID {
		return 0, nil
	}
	delete(r.s.sessions, id)
	return 1, nil
}

func (r *SessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, sess := range r.s.sessions {
		if sess.UserID == userID {
			delete(r.s.sessions, k)
		}
	}
	return nil
}

// --- verifications ---

// VerificationRepo はインメモリのVerificationRepository。
type VerificationRepo struct{ s *Store }

func (r *VerificationRepo) Create(_ context.Context, v *model.Verification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.verifications {
		if existing.Identifier == v.Identifier && existing.Value == v.Value {
			return model.NewConstraintViolationError("verifications_identifier_value_key")
		}
	}
	r.s.verifications[v.ID] = *v
	return nil
}

func (r *VerificationRepo) Consume(_ context.Context, identifier, value string) (*model.Verification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, v := range r.s.verifications {
		if v.Identifier == identifier && v.Value == value {
			delete(r.s.verifications, k)
			return &v, nil
		}
	}
	return nil, nil
}

func (r *VerificationRepo) Replace(_ context.Context, v *model.Verification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, existing := range r.s.verifications {
		if existing.Identifier == v.Identifier {
			delete(r.s.verifications, k)
		}
	}
	r.s.verifications[v.ID] = *v
	return nil
}

// compile-time interface check
var (
	_ repository.UserRepository         = (*UserRepo)(nil)
	_ repository.AccountRepository      = (*AccountRepo)(nil)
	_ repository.SessionRepository      = (*SessionRepo)(nil)
	_ repository.VerificationRepository = (*VerificationRepo)(nil)
)
