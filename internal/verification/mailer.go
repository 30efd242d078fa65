package verification

import (
	"context"
	"log/slog"
)

// Mailer は確認メールとパスワードリセットメールの送信を抽象化する。
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, link string) error
	SendPasswordResetEmail(ctx context.Context, to, link string) error
}

// LogMailer はメールを送信せず、構造化ログに出力するMailer。
// 開発環境とメール配送基盤を持たない環境で使う。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// SendVerificationEmail は確認メールの内容をログに出力する。
func (m *LogMailer) SendVerificationEmail(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "verification email",
		slog.String("to", to),
		slog.String("subject", "メールアドレスの確認"),
		slog.String("link", link),
	)
	return nil
}

// SendPasswordResetEmail はパスワードリセットメールの内容をログに出力する。
func (m *LogMailer) SendPasswordResetEmail(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "password reset email",
		slog.String("to", to),
		slog.String("subject", "パスワードの再設定"),
		slog.String("link", link),
	)
	return nil
}

// compile-time interface check
var _ Mailer = (*LogMailer)(nil)
