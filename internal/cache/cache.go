package cache

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"InsightChat/internal/session"
)

// Entry is a fingerprint recorded for a session's message snapshot
type Entry struct {
	Fingerprint string
	Timestamp   time.Time
}

// Fingerprint hashes what is visible of a message list: order, roles,
// content, backend ids and attachment ids.
func Fingerprint(messages []session.Message) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
		if msg.ID != nil {
			h.Write([]byte(strconv.FormatInt(*msg.ID, 10)))
		}
		for _, a := range msg.Attachments {
			h.Write([]byte{1})
			h.Write([]byte(strconv.FormatInt(a.ID, 10)))
		}
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
