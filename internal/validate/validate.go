// Package validate gates what may accompany a message before any request
// is made. Everything here is pure: a rejection has no side effects.
package validate

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Reason classifies a validation failure.
type Reason string

const (
	ReasonEmptyInput           Reason = "empty_input"
	ReasonUnsupportedExtension Reason = "unsupported_extension"
	ReasonFileTooLarge         Reason = "file_too_large"
	ReasonInvalidURL           Reason = "invalid_url"
	ReasonNotCSVURL            Reason = "not_csv_url"
)

// Error is a rejected input
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func reject(reason Reason, format string, args ...interface{}) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Rules are the limits a selection must satisfy
type Rules struct {
	MaxFileSize       int64
	AllowedExtensions []string // lower case, leading dot
}

// File checks a local file by name and size. The size limit is inclusive.
func (r Rules) File(name string, size int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !r.allowed(ext) {
		shown := ext
		if shown == "" {
			shown = "(none)"
		}
		return reject(ReasonUnsupportedExtension,
			"file %q has unsupported type %s; allowed: %s", filepath.Base(name), shown, strings.Join(r.AllowedExtensions, ", "))
	}
	if size > r.MaxFileSize {
		return reject(ReasonFileTooLarge,
			"file %q is %s; the limit is %s", filepath.Base(name), FormatSize(size), FormatSize(r.MaxFileSize))
	}
	return nil
}

// CSVURL accepts an absolute http(s) URL whose path ends in .csv. A query
// string or fragment may follow the path.
func (r Rules) CSVURL(raw string) error {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return reject(ReasonInvalidURL, "%q is not a valid http(s) URL", raw)
	}
	if !strings.EqualFold(path.Ext(u.Path), ".csv") {
		return reject(ReasonNotCSVURL, "URL %q does not point to a .csv file", raw)
	}
	return nil
}

func (r Rules) allowed(ext string) bool {
	if ext == "" {
		return false
	}
	for _, a := range r.AllowedExtensions {
		if a == ext {
			return true
		}
	}
	return false
}

// SelectedFile is a file the user picked
type SelectedFile struct {
	Path string
	Size int64
}

// Input is everything a send may carry
type Input struct {
	Text   string
	File   *SelectedFile
	CSVURL string
}

// Plan is a validated input with precedence resolved
type Plan struct {
	Text    string
	File    *SelectedFile
	CSVURL  string
	Warning string // set when an input was dropped
}

// Input validates a send. When both a file and a CSV URL are present the
// file wins and the URL is dropped with a warning; both are never sent.
func (r Rules) Input(in Input) (Plan, error) {
	text := strings.TrimSpace(in.Text)
	csvURL := strings.TrimSpace(in.CSVURL)

	if text == "" && in.File == nil && csvURL == "" {
		return Plan{}, reject(ReasonEmptyInput, "nothing to send: type a message or attach a file or CSV URL")
	}

	plan := Plan{Text: text}
	if in.File != nil {
		if err := r.File(in.File.Path, in.File.Size); err != nil {
			return Plan{}, err
		}
		f := *in.File
		plan.File = &f
		if csvURL != "" {
			plan.Warning = fmt.Sprintf("both a file and a CSV URL were given; sending %s and ignoring %s",
				filepath.Base(f.Path), csvURL)
		}
		return plan, nil
	}

	if csvURL != "" {
		if err := r.CSVURL(csvURL); err != nil {
			return Plan{}, err
		}
		plan.CSVURL = csvURL
	}
	return plan, nil
}

// FormatSize renders a byte count in MB with one decimal.
func FormatSize(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
}
