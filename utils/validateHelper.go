package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidatePayload validates a request/config struct using its `validate` tags.
// Returns a single flattened error so handlers can pass it straight to the client.
func ValidatePayload(obj interface{}) error {
	err := validate.Struct(obj)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("validation: %s", strings.Join(msgs, "; "))
}

// ValidVar validates a single value against a validator tag expression.
func ValidVar(value interface{}, tag string) bool {
	return validate.Var(value, tag) == nil
}
