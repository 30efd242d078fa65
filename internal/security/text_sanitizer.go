package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は表示名などのプレーンテキスト入力からマークアップを除去する。
// OAuthプロバイダーのプロフィールやプロフィール更新リクエストの値を保存前に通す。
type TextSanitizer interface {
	// SanitizeText はHTMLタグを全て除去し、前後の空白を取り除いたテキストを返す。
	SanitizeText(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// bluemonday.Policyはゴルーチンセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去したうえでエンティティを元の文字に戻す。
// 出力はHTMLとしてではなくテキストとして保存・JSON出力されるため、エスケープ済みの形は保持しない。
func (s *textSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// compile-time interface check
var _ TextSanitizer = (*textSanitizer)(nil)
