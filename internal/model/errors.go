package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// メッセージが異なるAPIErrorでもerrors.Isで同一種別として判定できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeDuplicateEmail      = "DUPLICATE_EMAIL"
	ErrCodeWeakPassword        = "WEAK_PASSWORD"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeNoSuchSession       = "NO_SUCH_SESSION"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeOAuthExchangeFailed = "OAUTH_EXCHANGE_FAILED"
	ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeInvalidVerification = "INVALID_VERIFICATION"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeCSRFFailed          = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited         = "RATE_LIMITED"
)

// errors.Is の比較対象として使う番兵値。
var (
	ErrDuplicateEmail      = NewDuplicateEmailError()
	ErrWeakPassword        = NewWeakPasswordError("")
	ErrInvalidCredentials  = NewInvalidCredentialsError()
	ErrNoSuchSession       = NewNoSuchSessionError()
	ErrSessionExpired      = NewSessionExpiredError()
	ErrOAuthExchangeFailed = NewOAuthExchangeFailedError("")
	ErrConstraintViolation = NewConstraintViolationError("")
	ErrUnsupportedProvider = NewUnsupportedProviderError("")
	ErrInvalidVerification = NewInvalidVerificationError()
	ErrUserNotFound        = NewUserNotFoundError()
	ErrValidationFailed    = NewValidationError("")
)

// NewDuplicateEmailError はメールアドレス重複エラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewWeakPasswordError はパスワードポリシー違反エラーを生成する。
func NewWeakPasswordError(reason string) *APIError {
	msg := "パスワードが要件を満たしていません。"
	if reason != "" {
		msg = fmt.Sprintf("パスワードが要件を満たしていません: %s", reason)
	}
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  msg,
		Category: "validation",
		Action:   "パスワードの要件を確認して再度入力してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレス未登録とパスワード誤りを区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewNoSuchSessionError はセッション未検出エラーを生成する。
func NewNoSuchSessionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoSuchSession,
		Message:  "セッションが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れています。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewOAuthExchangeFailedError は外部プロバイダーとの認可コード交換失敗エラーを生成する。
func NewOAuthExchangeFailedError(provider string) *APIError {
	msg := "外部プロバイダーでの認証に失敗しました。"
	if provider != "" {
		msg = fmt.Sprintf("外部プロバイダー（%s）での認証に失敗しました。", provider)
	}
	return &APIError{
		Code:     ErrCodeOAuthExchangeFailed,
		Message:  msg,
		Category: "auth",
		Action:   "しばらく待ってから再度ログインをお試しください。",
	}
}

// NewConstraintViolationError はストレージ層の制約違反エラーを生成する。
func NewConstraintViolationError(constraint string) *APIError {
	msg := "データの整合性制約に違反しました。"
	if constraint != "" {
		msg = fmt.Sprintf("データの整合性制約に違反しました: %s", constraint)
	}
	return &APIError{
		Code:     ErrCodeConstraintViolation,
		Message:  msg,
		Category: "system",
		Action:   "操作をやり直してください。",
	}
}

// NewUnsupportedProviderError は未対応のOAuthプロバイダーが指定された場合のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("未対応のプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "対応しているプロバイダーを選択してください。",
	}
}

// NewInvalidVerificationError は無効または期限切れの確認トークンのエラーを生成する。
func NewInvalidVerificationError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVerification,
		Message:  "確認トークンが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "もう一度メールの送信からやり直してください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ出力し、クライアントには返さない。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "サーバー内部でエラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
