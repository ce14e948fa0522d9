package validator

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	trans    ut.Translator
	validate *govalidator.Validate
)

// externalID matches identifiers issued by the exam API.
var externalID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Setup wires English messages and the custom tags into gin's binding
// engine. Call once during startup, before any request is served.
func Setup() {
	v, ok := binding.Validator.Engine().(*govalidator.Validate)
	if !ok {
		return
	}
	validate = v

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	trans, _ = ut.New(enLocale, enLocale).GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	_ = v.RegisterValidation("external_id", func(fl govalidator.FieldLevel) bool {
		return externalID.MatchString(fl.Field().String())
	})
	_ = v.RegisterTranslation("external_id", trans,
		func(t ut.Translator) error {
			return t.Add("external_id", "{0} must be 1-64 letters, digits, '-' or '_'", true)
		},
		func(t ut.Translator, fe govalidator.FieldError) string {
			msg, _ := t.T("external_id", fe.Field())
			return msg
		},
	)
}

// TranslateErrors maps field names to readable messages. Anything that is
// not a validation error is reported under "detail".
func TranslateErrors(err error) map[string]string {
	var ve govalidator.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"detail": err.Error()}
	}

	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Translate(trans)
	}
	return fields
}

// Struct validates an already decoded value, such as a WebSocket message,
// against its binding tags.
func Struct(v any) map[string]string {
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// Var validates a single path or query value and reports it under name.
func Var(name string, value any, tag string) map[string]string {
	if validate == nil {
		return nil
	}
	if err := validate.Var(value, tag); err != nil {
		var ve govalidator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return map[string]string{name: name + " " + strings.TrimSpace(ve[0].Translate(trans))}
		}
		return map[string]string{name: err.Error()}
	}
	return nil
}
