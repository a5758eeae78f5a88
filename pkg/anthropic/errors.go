package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrProvider       ErrorType = "provider_error"
)

// Error represents an API error from Anthropic.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("anthropic: %s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("anthropic: %s: %s", e.Type, e.Message)
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI:
		return true
	default:
		return false
	}
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Type == "" {
		return &Error{Type: ErrProvider, Message: string(body), StatusCode: resp.StatusCode}
	}

	errType := ErrorType(eb.Error.Type)
	switch errType {
	case ErrInvalidRequest, ErrAuthentication, ErrPermission, ErrNotFound, ErrRateLimit, ErrAPI, ErrOverloaded:
	default:
		errType = ErrProvider
	}
	return &Error{Type: errType, Message: eb.Error.Message, StatusCode: resp.StatusCode}
}
