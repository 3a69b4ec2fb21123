package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context. The reason
// is a stable machine-readable code the caller can render.
func NewValidationError(field, reason, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("reason", reason).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// ValidationReason returns the reason code of a validation error, or "".
func ValidationReason(err error) string {
	appErr, ok := As(err)
	if !ok || appErr.Code != ErrCodeValidationFailed {
		return ""
	}
	reason, _ := appErr.Context["reason"].(string)
	return reason
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewTransportError wraps a failed repository call. A zero status means the
// request never got a response.
func NewTransportError(operation string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeTransport, fmt.Sprintf("%s request failed", operation)).
		WithContext("operation", operation)
	if statusCode > 0 {
		appErr.WithContext("status_code", statusCode)
	}
	appErr.Retryable = statusCode == 0 || statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
	return appErr
}

// NewGatewayError wraps a failed realtime gateway call
func NewGatewayError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeGateway, fmt.Sprintf("gateway %s failed", operation)).
		WithContext("operation", operation)
}

// NewPreconditionError reports that the client cannot currently communicate
func NewPreconditionError(reason string) *AppError {
	return New(ErrCodePrecondition, "precondition not met").
		WithContext("reason", reason).
		WithUserMessage("Reconnecting")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit int, window string) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("limit", limit).
		WithContext("window", window).
		WithUserMessage("Too many requests, please try again later")
}

// NewVersionError reports a protocol version the relay cannot serve
func NewVersionError(requested, supported string, tooNew bool) *AppError {
	code, msg := ErrCodeVersionTooOld, "protocol version no longer supported"
	if tooNew {
		code, msg = ErrCodeVersionTooNew, "protocol version not yet available"
	}
	return New(code, msg).
		WithContext("requested_version", requested).
		WithContext("supported_versions", supported).
		WithUserMessage("This client is not compatible with the chat server")
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodePrecondition:
		return http.StatusConflict
	case ErrCodeVersionTooOld:
		return http.StatusUpgradeRequired
	case ErrCodeVersionTooNew:
		return http.StatusNotImplemented
	case ErrCodeTransport, ErrCodeGateway:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body the relay returns for failed requests
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode              `json:"code"`
		Message string                 `json:"message"`
		Context map[string]interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{RequestID: requestID}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	for k, v := range appErr.Context {
		// never echo user content back
		if k == "value" || k == "body" {
			continue
		}
		if response.Error.Context == nil {
			response.Error.Context = make(map[string]interface{})
		}
		response.Error.Context[k] = v
	}
	return response
}

// FromHTTPResponse rebuilds an AppError from a relay error body
func FromHTTPResponse(statusCode int, resp HTTPErrorResponse) *AppError {
	code := resp.Error.Code
	if code == "" {
		code = ErrCodeInternalError
	}
	appErr := New(code, resp.Error.Message)
	appErr.Context = resp.Error.Context
	appErr.Retryable = statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
	if code == ErrCodeVersionTooOld || code == ErrCodeVersionTooNew {
		appErr.Retryable = false
	}
	return appErr
}
