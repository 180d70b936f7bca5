package rest

import (
	"errors"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/mk12/mira/account"
)

var (
	validationsOnce sync.Once
	validationsErr  error
)

// RegisterValidations installs the custom binding tags used by request
// structs in this package. It must run before the router serves requests.
func RegisterValidations() error {
	validationsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			validationsErr = errors.New("rest: gin validator is not go-playground/validator")
			return
		}
		validationsErr = account.RegisterValidations(v)
	})
	return validationsErr
}
