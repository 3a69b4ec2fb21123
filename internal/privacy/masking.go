package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"chatsync/internal/constants"
)

// MaskID masks an identifier showing only its last few characters
// Example: "visitor-8f2c1a" -> "**********2c1a"
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	return maskString(id, 4)
}

// MaskThreadID keeps a fixed-length tail so log lines stay correlatable
func MaskThreadID(threadID string) string {
	if threadID == "" {
		return ""
	}
	if len(threadID) <= constants.DefaultIDMaskLength {
		return maskString(threadID, len(threadID)/2)
	}
	return "…" + threadID[len(threadID)-constants.DefaultIDMaskLength:]
}

// MaskMessageID masks a message id, keeping the optimistic prefix visible
// Example: "optimistic-0b8f5f5e" -> "optimistic-****5f5e"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	if strings.HasPrefix(messageID, constants.OptimisticIDPrefix) {
		return constants.OptimisticIDPrefix + maskString(strings.TrimPrefix(messageID, constants.OptimisticIDPrefix), 4)
	}
	return maskString(messageID, 4)
}

// MaskBody replaces message content with its length
// Example: "hello there" -> "[11 chars]"
func MaskBody(body string) string {
	return fmt.Sprintf("[%d chars]", utf8.RuneCountInString(body))
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "thread_id", "threadId":
			masked[k] = MaskThreadID(s)
		case "message_id", "messageId", "client_id", "clientId":
			masked[k] = MaskMessageID(s)
		case "participant_id", "participantId", "sender_id", "agent_id", "visitor_id":
			masked[k] = MaskID(s)
		case "body", "message_body":
			masked[k] = MaskBody(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
