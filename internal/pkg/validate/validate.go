package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)

// bcryptMaxBytes is the longest input bcrypt accepts. max= on strings counts
// runes, so multibyte passwords need this separate byte check.
const bcryptMaxBytes = 72

// v is the package-level singleton validator. Custom tags are registered in
// init() before the first call to Struct.
var v = validator.New()

func init() {
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return strongPassword(fl.Field().String())
	})
	_ = v.RegisterValidation("bcrypt", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= bcryptMaxBytes
	})
}

// strongPassword requires an upper-case letter, a lower-case letter and a digit.
func strongPassword(s string) bool {
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}

// Struct validates the given struct using its validate tags.
// Returns a human-readable error string or nil.
func Struct(s interface{}) error {
	if err := v.Struct(s); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		var msgs []string
		for _, fe := range ve {
			msgs = append(msgs, message(fe))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

func message(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "username":
		return "username must be 3-30 characters of letters, digits or underscore"
	case "password":
		return "password must contain an upper-case letter, a lower-case letter and a digit"
	case "bcrypt":
		return fmt.Sprintf("%s must be at most %d bytes", field, bcryptMaxBytes)
	case "e164":
		return "phone must be in E.164 format"
	case "email":
		return "email is not a valid address"
	case "required":
		return fmt.Sprintf("%s is required", field)
	}
	return fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag())
}
