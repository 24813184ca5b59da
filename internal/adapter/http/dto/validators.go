package dto

import (
	"errors"
	"fmt"
	"html"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"meter-recharge/pkg/apperror"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const maxIDLength = 64

var (
	idPattern    = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// customValidators are registered on gin's binding engine under their tag name.
var customValidators = map[string]validator.Func{
	// meter ids and payment references travel in URLs and upstream payloads
	"safe_id": func(fl validator.FieldLevel) bool {
		return IsSafeID(fl.Field().String())
	},
	"msisdn": func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	},
}

func init() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	for tag, fn := range customValidators {
		_ = v.RegisterValidation(tag, fn)
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
}

// BindingError converts a ShouldBindJSON failure into a VAL_001 error that
// names the offending JSON fields rather than Go struct fields.
func BindingError(err error) *apperror.AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("malformed request body")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return apperror.Validation(strings.Join(msgs, "; "))
}

// IsSafeID reports whether s is usable as a reference or meter id path segment.
func IsSafeID(s string) bool {
	return s != "" && len(s) <= maxIDLength && idPattern.MatchString(s)
}

// SanitizeStruct normalizes every settable string field (and non-nil *string)
// of a struct pointer: surrounding whitespace and control characters are
// dropped and markup is escaped so it is inert when echoed back or logged.
func SanitizeStruct(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return
	}
	rv = rv.Elem()
	for i := range rv.NumField() {
		field := rv.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Pointer && !field.IsNil() {
			field = field.Elem()
		}
		if field.Kind() == reflect.String {
			field.SetString(cleanText(field.String()))
		}
	}
}

func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return html.EscapeString(strings.TrimSpace(s))
}
