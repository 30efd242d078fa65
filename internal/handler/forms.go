package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/authdash/internal/middleware"
	"github.com/hitoshi/authdash/internal/model"
)

// maxFormBodyBytes はリクエストボディの上限（1MB）。
const maxFormBodyBytes = 1 << 20

// SignUpForm はメールアドレスによるユーザー登録フォーム。
// パスワードの長さはPASSWORD_MIN_LENGTHに従いcredential.Serviceで検証する。
type SignUpForm struct {
	Name            string `json:"name" form:"name" validate:"required,min=2,max=255"`
	Email           string `json:"email" form:"email" validate:"required,email,max=254"`
	Password        string `json:"password" form:"password" validate:"required"`
	ConfirmPassword string `json:"confirmPassword" form:"confirmPassword" validate:"required,eqfield=Password"`
}

// SignInForm はメールアドレスによるサインインフォーム。
// パスワードの長さは照合に任せ、ここでは必須のみ確認する。
type SignInForm struct {
	Email    string `json:"email" form:"email" validate:"required,email,max=254"`
	Password string `json:"password" form:"password" validate:"required"`
}

// ChangePasswordForm はパスワード変更フォーム。
type ChangePasswordForm struct {
	CurrentPassword     string `json:"currentPassword" form:"currentPassword" validate:"required"`
	NewPassword         string `json:"newPassword" form:"newPassword" validate:"required"`
	RevokeOtherSessions bool   `json:"revokeOtherSessions" form:"revokeOtherSessions"`
}

// ForgotPasswordForm はパスワードリセットの申請フォーム。
type ForgotPasswordForm struct {
	Email string `json:"email" form:"email" validate:"required,email,max=254"`
}

// ResetPasswordForm はリセットトークンを使った新パスワード設定フォーム。
type ResetPasswordForm struct {
	Email       string `json:"email" form:"email" validate:"required,email,max=254"`
	Token       string `json:"token" form:"token" validate:"required"`
	NewPassword string `json:"newPassword" form:"newPassword" validate:"required"`
}

// VerifyEmailForm はメールアドレス確認フォーム。
type VerifyEmailForm struct {
	Email string `json:"email" form:"email" validate:"required,email,max=254"`
	Token string `json:"token" form:"token" validate:"required"`
}

// RevokeSessionForm はセッション個別破棄フォーム。
type RevokeSessionForm struct {
	ID string `json:"id" form:"id" validate:"required"`
}

// UpdateProfileForm はプロフィール更新フォーム。
// 指定されなかった項目は変更しない。imageに空文字列を指定すると画像を削除する。
type UpdateProfileForm struct {
	Name  *string `json:"name" form:"name" validate:"omitnil,min=2,max=255"`
	Image *string `json:"image" form:"image" validate:"omitnil,max=255,optional_url"`
}

var formValidator = newFormValidator()

func newFormValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// エラーのフィールド名はJSONのキー名で返す
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	// 空文字列（削除）またはhttp/httpsの絶対URL
	v.RegisterValidation("optional_url", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		if raw == "" {
			return true
		}
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})
	return v
}

// errMalformedBody はボディの解析に失敗したことを示す。
var errMalformedBody = errors.New("malformed request body")

// bindForm はリクエストボディをフォームに読み込み、検証する。
// 失敗した場合は400レスポンスを書き込んでfalseを返す。
func bindForm(w http.ResponseWriter, r *http.Request, form any) bool {
	if err := decodeForm(w, r, form); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディを解析できません"))
		return false
	}
	if fields := validateForm(form); len(fields) > 0 {
		middleware.WriteValidationErrorResponse(w, model.NewValidationError(fieldNames(fields)), fields)
		return false
	}
	return true
}

// decodeForm はContent-Typeに応じてJSONまたはURLエンコードされたフォームを読み込む。
func decodeForm(w http.ResponseWriter, r *http.Request, form any) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		// CSRFミドルウェアが先に読み込んでいる場合はParseFormは何もしない
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBodyBytes)
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("%w: %w", errMalformedBody, err)
		}
		return assignFormValues(r.PostForm, form)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBodyBytes))
	if err := dec.Decode(form); err != nil {
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}
	return nil
}

// assignFormValues はformタグに従ってURLエンコードされた値を構造体に設定する。
// 対応する型はstring、*string、boolのみ。
func assignFormValues(values url.Values, form any) error {
	rv := reflect.ValueOf(form)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("form must be a pointer to struct, got %T", form)
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		key := field.Tag.Get("form")
		if key == "" {
			continue
		}
		if _, ok := values[key]; !ok {
			continue
		}
		raw := values.Get(key)

		fv := rv.Field(i)
		switch {
		case fv.Kind() == reflect.String:
			fv.SetString(raw)
		case fv.Kind() == reflect.Pointer && fv.Type().Elem().Kind() == reflect.String:
			s := raw
			fv.Set(reflect.ValueOf(&s))
		case fv.Kind() == reflect.Bool:
			fv.SetBool(raw == "true" || raw == "on" || raw == "1")
		default:
			return fmt.Errorf("unsupported form field type %s for %q", fv.Type(), key)
		}
	}
	return nil
}

// validateForm はフォームを検証し、フィールドごとのエラーメッセージを返す。
func validateForm(form any) map[string]string {
	err := formValidator.Struct(form)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if _, exists := fields[fe.Field()]; exists {
			continue
		}
		fields[fe.Field()] = fieldMessage(fe)
	}
	return fields
}

// fieldMessage は検証エラーをユーザー向けメッセージに変換する。
func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "入力してください。"
	case "email":
		return "メールアドレスの形式が正しくありません。"
	case "min":
		return fmt.Sprintf("%s文字以上で入力してください。", fe.Param())
	case "max":
		return fmt.Sprintf("%s文字以下で入力してください。", fe.Param())
	case "eqfield":
		return "パスワードが一致しません。"
	case "optional_url":
		return "http(s)のURLを入力してください。"
	default:
		return "入力内容が正しくありません。"
	}
}

func fieldNames(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	// 表示順を安定させる
	slices.Sort(names)
	return strings.Join(names, ", ")
}
