package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authdash/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Category string            `json:"category"`
	Action   string            `json:"action"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// statusByCode はエラーコードとHTTPステータスの対応。
var statusByCode = map[string]int{
	model.ErrCodeDuplicateEmail:      http.StatusConflict,
	model.ErrCodeWeakPassword:        http.StatusBadRequest,
	model.ErrCodeInvalidCredentials:  http.StatusUnauthorized,
	model.ErrCodeNoSuchSession:       http.StatusUnauthorized,
	model.ErrCodeSessionExpired:      http.StatusUnauthorized,
	model.ErrCodeOAuthExchangeFailed: http.StatusBadGateway,
	model.ErrCodeConstraintViolation: http.StatusConflict,
	model.ErrCodeUnsupportedProvider: http.StatusBadRequest,
	model.ErrCodeInvalidVerification: http.StatusBadRequest,
	model.ErrCodeValidationFailed:    http.StatusBadRequest,
	model.ErrCodeUserNotFound:        http.StatusNotFound,
	model.ErrCodeUnauthorized:        http.StatusUnauthorized,
	model.ErrCodeInternal:            http.StatusInternalServerError,
	model.ErrCodeCSRFFailed:          http.StatusForbidden,
	model.ErrCodeRateLimited:         http.StatusTooManyRequests,
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。未知のコードは500。
func StatusForCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeErrorBody(w, statusCode, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteValidationErrorResponse はフィールドごとのメッセージを含む400レスポンスを書き込む。
func WriteValidationErrorResponse(w http.ResponseWriter, apiErr *model.APIError, fields map[string]string) {
	writeErrorBody(w, http.StatusBadRequest, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Fields:   fields,
	})
}

// WriteError はエラーの種類に応じたレスポンスを書き込む。
// APIErrorはコードに対応するステータスで返し、それ以外はログに記録して500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := StatusForCode(apiErr.Code)
		if status >= http.StatusInternalServerError {
			slog.Error("request failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
		}
		WriteErrorResponse(w, status, apiErr)
		return
	}

	slog.Error("unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

func writeErrorBody(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
