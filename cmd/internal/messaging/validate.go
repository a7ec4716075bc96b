package messaging

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Limits.
const (
	// MaxContentChars bounds message content in runes, as sent.
	MaxContentChars = 4000

	// MaxUserIDLen bounds user identifiers.
	MaxUserIDLen = 128
)

// User ids are opaque but must be well-formed. The colon is excluded because it is the
// key separator of the Badger store.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var validate = newValidator()

type sendRules struct {
	Sender   string `json:"sender" validate:"required,userid"`
	Receiver string `json:"receiver" validate:"required,userid,nefield=Sender"`
	Content  string `json:"content" validate:"required,notblank,plaintext,max=4000"`
}

type pairRules struct {
	Sender   string `json:"sender" validate:"required,userid"`
	Receiver string `json:"receiver" validate:"required,userid,nefield=Sender"`
}

type userRules struct {
	UserID string `json:"user_id" validate:"required,userid"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return ValidUserID(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("plaintext", func(fl validator.FieldLevel) bool {
		return validText(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// validText rejects content that is not valid UTF-8 or carries NUL bytes, which
// PostgreSQL text columns cannot store.
func validText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// ValidUserID reports whether id is a well-formed user identifier.
func ValidUserID(id string) bool {
	return len(id) > 0 && len(id) <= MaxUserIDLen && userIDPattern.MatchString(id)
}

// ValidateUserID checks a single identifier (e.g. the owner of a subscription).
func ValidateUserID(id string) error {
	return toValidationError(validate.Struct(userRules{UserID: strings.TrimSpace(id)}))
}

func validateSend(in SendInput) error {
	return toValidationError(validate.Struct(sendRules{
		Sender:   in.Sender,
		Receiver: in.Receiver,
		Content:  in.Content,
	}))
}

func validatePair(sender, receiver string) error {
	return toValidationError(validate.Struct(pairRules{Sender: sender, Receiver: receiver}))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return ValidationError{Reason: err.Error()}
	}

	fe := ves[0]
	return ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "is required"
	case "userid":
		return "is not a well-formed user id"
	case "plaintext":
		return "must be valid UTF-8 without NUL bytes"
	case "nefield":
		return "must differ from sender"
	case "max":
		return fmt.Sprintf("exceeds %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
