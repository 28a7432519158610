package backend

import (
	"encoding/json"
	"strings"
	"time"

	"InsightChat/internal/session"
)

// SessionSummaryWire is one row of the GET /sessions response
type SessionSummaryWire struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	LastMessage  string `json:"last_message"`
	MessageCount int    `json:"message_count"`
}

// ListSessionsResponse represents the response from GET /sessions
type ListSessionsResponse struct {
	Sessions []SessionSummaryWire `json:"sessions"`
	Offset   int                  `json:"offset"`
	Limit    int                  `json:"limit"`
}

// AttachmentWire is an attachment record as the backend serializes it
type AttachmentWire struct {
	ID           int64   `json:"id"`
	Kind         string  `json:"kind"`
	Path         string  `json:"path"`
	OriginalName *string `json:"original_name"`
	MIME         *string `json:"mime"`
	PublicURL    *string `json:"public_url"`
}

// MessageWire represents a persisted message in GET /sessions/{id}/messages
type MessageWire struct {
	ID          int64            `json:"id"`
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	ToolOutputs json.RawMessage  `json:"tool_outputs"`
	CreatedAt   string           `json:"created_at"`
	Attachments []AttachmentWire `json:"attachments"`
}

// SessionMessagesResponse represents the response from GET /sessions/{id}/messages
type SessionMessagesResponse struct {
	Session  SessionSummaryWire `json:"session"`
	Messages []MessageWire      `json:"messages"`
}

// MessageMetaWire carries the server-assigned fields of one side of an exchange
type MessageMetaWire struct {
	ID          int64            `json:"id"`
	Attachments []AttachmentWire `json:"attachments"`
}

// SendResponse represents the response from POST /chat
type SendResponse struct {
	SessionID            string          `json:"session_id"`
	AssistantMessage     string          `json:"assistant_message"`
	ToolOutputs          json.RawMessage `json:"tool_outputs"`
	MessageID            int64           `json:"message_id"`
	UserMessage          MessageMetaWire `json:"user_message"`
	AssistantMessageMeta MessageMetaWire `json:"assistant_message_meta"`
}

// errorBody is FastAPI's error envelope; detail is a string or a list of
// validation errors.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type validationDetail struct {
	Msg string `json:"msg"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

// parseTime accepts RFC 3339 and the naive ISO form Python emits.
// Naive timestamps are taken as UTC.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s SessionSummaryWire) toSession() session.Session {
	return session.Session{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    parseTime(s.CreatedAt),
		UpdatedAt:    parseTime(s.UpdatedAt),
		LastMessage:  s.LastMessage,
		MessageCount: s.MessageCount,
	}
}

// decodeToolOutputs maps the opaque bundle; null or {} yields nil.
func decodeToolOutputs(raw json.RawMessage) *session.ToolOutput {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil
	}
	var out session.ToolOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		// Keep the raw bundle even when a field has an unexpected shape.
		out = session.ToolOutput{}
	}
	out.Raw = append(json.RawMessage(nil), raw...)
	return &out
}
