// types.go - Gemeinsame Datentypen fuer Korpus und Helper-API
// Enthaelt: StatusError, Message, Conversation, GenerateRequest, SuggestRequest/-Response
package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return fmt.Sprintf("unexpected status code %d", e.StatusCode)
	}
}

// Rollen eines Chat-Verlaufs
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in a chat sequence.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	type Alias Message
	var a Alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	*m = Message(a)
	m.Role = strings.ToLower(m.Role)
	return nil
}

// Conversation ist ein Trainingsbeispiel: eine Zeile der JSONL-Datei
type Conversation struct {
	Messages []Message `json:"messages"`
}

// GenerateRequest ist der Request an den Generate-Endpunkt der Helper-API
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// SuggestRequest ist der JSON-Request an /api/suggest
type SuggestRequest struct {
	Challenge string `json:"challenge"`
}

// SuggestResponse ist die Antwort von /api/suggest
type SuggestResponse struct {
	Suggestion string `json:"suggestion,omitempty"`
	Crisis     bool   `json:"crisis"`
	Error      string `json:"error,omitempty"`
}

// VersionResponse ist die Antwort von /api/version
type VersionResponse struct {
	Version string `json:"version"`
}
