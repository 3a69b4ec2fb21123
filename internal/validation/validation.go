package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/models"
)

// Reason is a machine-readable code describing why a body was rejected
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonEmpty        Reason = "empty"
	ReasonTooLong      Reason = "too_long"
	ReasonSQLInjection Reason = "sql_injection"
)

// Result is the outcome of validating a message body. Value holds the trimmed
// body when IsValid is true.
type Result struct {
	IsValid bool   `json:"isValid"`
	Reason  Reason `json:"reason,omitempty"`
	Value   string `json:"value"`
}

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select)\b`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|insert|update|create)\s`),
	regexp.MustCompile(`(?i)\b(drop|truncate)\s+(table|database)\b`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'[^']*'\s*=\s*'`),
	regexp.MustCompile(`(?i)\bexec(\s+|\()+(xp_|sp_)`),
	regexp.MustCompile(`--\s*$`),
	regexp.MustCompile(`/\*.*\*/`),
}

// ValidateMessageBody trims body and checks it against the content rules
func ValidateMessageBody(body string) Result {
	value := strings.TrimSpace(body)
	if value == "" {
		return Result{Reason: ReasonEmpty, Value: value}
	}
	if utf8.RuneCountInString(value) > constants.MaxMessageBodyLength {
		return Result{Reason: ReasonTooLong, Value: value}
	}
	for _, pattern := range sqlInjectionPatterns {
		if pattern.MatchString(value) {
			return Result{Reason: ReasonSQLInjection, Value: value}
		}
	}
	return Result{IsValid: true, Value: value}
}

// Err converts an invalid Result into a validation AppError, or nil
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	var message string
	switch r.Reason {
	case ReasonEmpty:
		message = "message cannot be empty"
	case ReasonTooLong:
		message = fmt.Sprintf("message too long (max %d characters)", constants.MaxMessageBodyLength)
	case ReasonSQLInjection:
		message = "message contains disallowed content"
	default:
		message = "message is invalid"
	}
	return errors.NewValidationError("body", string(r.Reason), message)
}

// ValidateThreadID validates thread ID format and length
func ValidateThreadID(threadID string) error {
	return validateIdentifier("threadId", threadID, constants.MaxThreadIDLength)
}

// ValidateParticipantID validates participant ID format and length
func ValidateParticipantID(participantID string) error {
	return validateIdentifier("participantId", participantID, constants.MaxParticipantIDLength)
}

// ValidateClientID validates the client-generated idempotency key
func ValidateClientID(clientID string) error {
	return validateIdentifier("clientId", clientID, constants.MaxThreadIDLength)
}

// ValidateRole validates a participant role
func ValidateRole(role models.Role) error {
	if !role.Valid() {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("invalid role %q", role))
	}
	return nil
}

// ValidateLimit clamps a page size request. Zero selects the default.
func ValidateLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, errors.New(errors.ErrCodeInvalidInput, "limit cannot be negative")
	}
	if limit == 0 {
		return constants.DefaultPageSize, nil
	}
	if limit > constants.MaxPageSize {
		return constants.MaxPageSize, nil
	}
	return limit, nil
}

func validateIdentifier(field, value string, maxLen int) error {
	if value == "" {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("%s cannot be empty", field))
	}

	if len(value) > maxLen {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", field, maxLen))
	}

	// Check for control characters that could cause issues
	for _, char := range value {
		if char < 0x20 || char == 0x7f || char == ' ' {
			return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("%s contains invalid characters", field))
		}
	}

	return nil
}
