package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound matches an APIError for a 404 response.
var ErrNotFound = errors.New("not found")

// maxPlainDetail bounds how much of a non-JSON error body is shown to the user.
const maxPlainDetail = 300

// APIError is a non-2xx response from the backend
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("request failed (status %d)", e.StatusCode)
}

// Is lets callers write errors.Is(err, ErrNotFound).
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// parseAPIError extracts a human-readable detail from an error body.
func parseAPIError(status int, body []byte) *APIError {
	return &APIError{StatusCode: status, Detail: extractDetail(body)}
}

func extractDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var env errorBody
	if err := json.Unmarshal(body, &env); err == nil {
		if len(env.Detail) == 0 {
			return ""
		}
		var text string
		if err := json.Unmarshal(env.Detail, &text); err == nil {
			return strings.TrimSpace(text)
		}
		var list []validationDetail
		if err := json.Unmarshal(env.Detail, &list); err == nil {
			msgs := make([]string, 0, len(list))
			for _, d := range list {
				if d.Msg != "" {
					msgs = append(msgs, d.Msg)
				}
			}
			return strings.Join(msgs, "; ")
		}
		return ""
	}

	// Not JSON. Proxies answer with HTML pages that are useless to show.
	if trimmed[0] == '<' || trimmed[0] == '{' || trimmed[0] == '[' {
		return ""
	}
	if len(trimmed) > maxPlainDetail {
		trimmed = trimmed[:maxPlainDetail]
	}
	return trimmed
}
