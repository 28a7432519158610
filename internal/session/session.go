package session

import (
	"encoding/json"
	"time"
)

// Role is who wrote a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AttachmentKind is the kind of file an attachment references.
type AttachmentKind string

const (
	KindImage AttachmentKind = "image"
	KindCSV   AttachmentKind = "csv"
	KindPlot  AttachmentKind = "plot"
)

// Attachment is a file reference bound to exactly one message
type Attachment struct {
	ID           int64          `json:"id"`
	Kind         AttachmentKind `json:"kind"`
	Path         string         `json:"path"`
	OriginalName string         `json:"original_name,omitempty"`
	MIME         string         `json:"mime,omitempty"`
	PublicURL    string         `json:"public_url,omitempty"`
}

// IsImage reports whether the attachment can be rendered inline.
func (a Attachment) IsImage() bool {
	return a.Kind == KindImage || a.Kind == KindPlot
}

// Message represents a single chat message
type Message struct {
	ID          *int64       `json:"id,omitempty"` // nil until the backend confirms it
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Confirmed reports whether the backend has assigned an id.
func (m Message) Confirmed() bool {
	return m.ID != nil
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	out := m
	if m.ID != nil {
		id := *m.ID
		out.ID = &id
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Session represents a chat session summary as listed in the sidebar
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastMessage  string    `json:"last_message"`
	MessageCount int       `json:"message_count"`

	// Local is set for sessions created on this client that the
	// backend has not listed yet.
	Local bool `json:"local,omitempty"`
}

// ToolOutput describes the side effects of the latest assistant turn.
type ToolOutput struct {
	ImagePath       string          `json:"image_path,omitempty"`
	CSVRows         *int            `json:"csv_rows,omitempty"`
	CSVColumns      *int            `json:"csv_cols,omitempty"`
	Stats           json.RawMessage `json:"stats,omitempty"`
	MissingValues   map[string]int  `json:"missing_values,omitempty"`
	HistogramImage  string          `json:"histogram_image,omitempty"`
	HistogramColumn string          `json:"histogram_column,omitempty"`

	// Raw keeps the full bundle; the backend may add keys we do not model.
	Raw json.RawMessage `json:"-"`
}

// Empty reports whether the bundle carries nothing worth showing.
func (t *ToolOutput) Empty() bool {
	if t == nil {
		return true
	}
	return t.ImagePath == "" && t.CSVRows == nil && t.CSVColumns == nil &&
		len(t.Stats) == 0 && len(t.MissingValues) == 0 && t.HistogramImage == ""
}
