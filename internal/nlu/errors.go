package nlu

import "fmt"

// Error is a failed interpretation request. StatusCode is the HTTP status or
// the provider's status.code when the HTTP layer succeeded.
type Error struct {
	StatusCode int
	ErrorType  string
	Detail     string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.ErrorType == "" {
		return fmt.Sprintf("nlu: status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("nlu: status %d (%s): %s", e.StatusCode, e.ErrorType, e.Detail)
}

// Unauthorized reports whether the access token was rejected.
func (e *Error) Unauthorized() bool {
	return e != nil && e.StatusCode == 401
}
