package controller

import (
	"time"

	"InsightChat/internal/backend"
	"InsightChat/internal/session"
)

// Reconcile merges a confirmed exchange into list, which must end with the
// optimistic user message of that exchange. It returns a new list: the
// assistant reply is appended, then the last two entries receive their
// server ids and attachments. Content and order are never changed. list is
// not modified.
func Reconcile(list []session.Message, res *backend.SendResult, at time.Time) []session.Message {
	out := make([]session.Message, 0, len(list)+1)
	out = append(out, session.CloneMessages(list)...)
	out = append(out, session.Message{
		Role:      session.RoleAssistant,
		Content:   res.Reply,
		Timestamp: at,
	})

	last := len(out) - 1
	confirm(&out[last], res.Assistant)

	if prev := last - 1; prev >= 0 && out[prev].Role == session.RoleUser && !out[prev].Confirmed() {
		confirm(&out[prev], res.User)
	}
	return out
}

func confirm(m *session.Message, meta backend.MessageMeta) {
	if meta.ID != 0 {
		id := meta.ID
		m.ID = &id
	}
	if len(m.Attachments) == 0 && len(meta.Attachments) > 0 {
		m.Attachments = append([]session.Attachment(nil), meta.Attachments...)
	}
}
