package account

import (
	"errors"
	"fmt"

	"github.com/mk12/mira/social"
)

var (
	// ErrNotFound also matches social.ErrNotFound, so the resolver can report
	// unknown identities without importing this package.
	ErrNotFound           = fmt.Errorf("account: %w", social.ErrNotFound)
	ErrUsernameTaken      = errors.New("account: username already taken")
	ErrInvalidUsername    = errors.New("account: username must be 1-32 letters, digits, '-' or '_'")
	ErrPasswordTooShort   = errors.New("account: password too short")
	ErrInvalidCredentials = errors.New("account: invalid username or password")
	ErrBanned             = errors.New("account: banned")
)
