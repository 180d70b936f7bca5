package account

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// MaxUsernameLength bounds usernames in characters.
const MaxUsernameLength = 32

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidUsername reports whether name is an acceptable username.
func ValidUsername(name string) bool {
	return len(name) <= MaxUsernameLength && usernamePattern.MatchString(name)
}

// RegisterValidations adds the "username" tag to v. The REST layer registers
// it on gin's validator so request structs can use binding:"username".
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return ValidUsername(fl.Field().String())
	})
}
