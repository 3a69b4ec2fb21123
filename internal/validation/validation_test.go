package validation

import (
	"strings"
	"testing"

	"chatsync/internal/errors"
	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessageBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		valid  bool
		reason Reason
		value  string
	}{
		{name: "plain text", body: "hello there", valid: true, value: "hello there"},
		{name: "trims whitespace", body: "  hi  \n", valid: true, value: "hi"},
		{name: "empty", body: "", reason: ReasonEmpty},
		{name: "whitespace only", body: " \t\n ", reason: ReasonEmpty},
		{name: "exactly max length", body: strings.Repeat("a", 500), valid: true, value: strings.Repeat("a", 500)},
		{name: "one over max length", body: strings.Repeat("a", 501), reason: ReasonTooLong},
		{name: "multibyte at max length", body: strings.Repeat("é", 500), valid: true, value: strings.Repeat("é", 500)},
		{name: "union select", body: "1 UNION SELECT password FROM users", reason: ReasonSQLInjection},
		{name: "stacked drop", body: "x'; DROP TABLE messages; --", reason: ReasonSQLInjection},
		{name: "tautology", body: "admin' OR 1=1", reason: ReasonSQLInjection},
		{name: "string tautology", body: "' or 'a'='a", reason: ReasonSQLInjection},
		{name: "comment block", body: "hi /* sneaky */ there", reason: ReasonSQLInjection},
		{name: "ordinary words", body: "Please select an option and drop me a line", valid: true, value: "Please select an option and drop me a line"},
		{name: "apostrophes", body: "it's 2 o'clock, isn't it?", valid: true, value: "it's 2 o'clock, isn't it?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateMessageBody(tt.body)
			assert.Equal(t, tt.valid, result.IsValid)
			assert.Equal(t, tt.reason, result.Reason)
			if tt.valid {
				assert.Equal(t, tt.value, result.Value)
				assert.NoError(t, result.Err())
			} else {
				err := result.Err()
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))
				assert.Equal(t, string(tt.reason), errors.ValidationReason(err))
			}
		})
	}
}

func TestValidateThreadID(t *testing.T) {
	tests := []struct {
		name        string
		threadID    string
		expectError bool
	}{
		{name: "uuid", threadID: "0b8f5f5e-4a51-4d0a-9c55-0f5c4a7f2e11"},
		{name: "short", threadID: "t1"},
		{name: "empty", threadID: "", expectError: true},
		{name: "too long", threadID: strings.Repeat("x", 129), expectError: true},
		{name: "newline", threadID: "t\n1", expectError: true},
		{name: "space", threadID: "t 1", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateThreadID(tt.threadID)
			if tt.expectError {
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateParticipantIDAndRole(t *testing.T) {
	assert.NoError(t, ValidateParticipantID("visitor-1"))
	assert.Error(t, ValidateParticipantID(""))
	assert.NoError(t, ValidateClientID("c1"))
	assert.NoError(t, ValidateRole(models.RoleAgent))
	assert.NoError(t, ValidateRole(models.RoleVisitor))
	assert.Error(t, ValidateRole("admin"))
}

func TestValidateLimit(t *testing.T) {
	tests := []struct {
		in          int
		want        int
		expectError bool
	}{
		{in: 0, want: 30},
		{in: 10, want: 10},
		{in: 200, want: 200},
		{in: 500, want: 200},
		{in: -1, expectError: true},
	}

	for _, tt := range tests {
		got, err := ValidateLimit(tt.in)
		if tt.expectError {
			assert.Error(t, err)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
