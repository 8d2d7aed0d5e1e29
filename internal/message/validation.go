package message

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/real-rm/chatdesk/internal/constants"
)

// Validation constants
const (
	MaxContentLength       = constants.MaxContentLength
	MaxAttachments         = constants.MaxAttachments
	MaxAttachmentURLLength = 2048
	MaxExtensionLength     = 128
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// IsInbound reports whether clients may send frames of type t.
func IsInbound(t MessageType) bool {
	switch t {
	case TypeChatMessage, TypeTyping, TypeAgentJoin, TypePing:
		return true
	}
	return false
}

// ValidateInbound checks the shape of a frame received from a client.
// Emptiness of chat content is checked by the router, not here.
func (m *Message) ValidateInbound() error {
	if m.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}
	if !IsInbound(m.Type) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unsupported message type: %s", m.Type)}
	}

	if m.Type != TypeChatMessage {
		return nil
	}

	if utf8.RuneCountInString(m.Content) > MaxContentLength {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("content exceeds %d characters", MaxContentLength)}
	}
	if len(m.Attachments) > MaxAttachments {
		return &ValidationError{Field: "attachments", Message: fmt.Sprintf("at most %d attachments allowed", MaxAttachments)}
	}
	for i, a := range m.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return &ValidationError{Field: fmt.Sprintf("attachments[%d].url", i), Message: "url is required"}
		}
		if len(a.URL) > MaxAttachmentURLLength {
			return &ValidationError{Field: fmt.Sprintf("attachments[%d].url", i), Message: "url too long"}
		}
	}
	if m.Extensions != nil {
		ext := m.Extensions
		for field, v := range map[string]string{
			"extensions.client_message_id": ext.ClientMessageID,
			"extensions.locale":            ext.Locale,
			"extensions.source":            ext.Source,
		} {
			if len(v) > MaxExtensionLength {
				return &ValidationError{Field: field, Message: "value too long"}
			}
		}
	}
	return nil
}

// Sanitize trims surrounding whitespace from user-supplied content.
func (m *Message) Sanitize() {
	m.Content = strings.TrimSpace(m.Content)
}
