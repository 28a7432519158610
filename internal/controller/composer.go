package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"InsightChat/internal/preview"
	"InsightChat/internal/validate"
)

// Selection is what the composer will send with the next message
type Selection struct {
	File        string
	Size        int64
	PreviewPath string
	CSVURL      string
}

// Selection returns the composer's current attachments.
func (c *Controller) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Selection
	if f := c.composer.file; f != nil {
		s.File, s.Size = f.Path, f.Size
	}
	if h := c.composer.handle; h != nil {
		s.PreviewPath = h.Path
	}
	s.CSVURL = c.composer.csvURL
	return s
}

// Attach selects a local file for the next message. A rejected file clears
// any previous selection and its preview.
func (c *Controller) Attach(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	switch {
	case err != nil:
		err = fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	case fi.IsDir():
		err = fmt.Errorf("%s is a directory", filepath.Base(path))
	default:
		err = c.rules.File(path, fi.Size())
	}
	if err != nil {
		c.clearFile()
		return c.reject(ctx, err)
	}

	var h *preview.Handle
	if c.previews != nil {
		ph, perr := c.previews.Select(path)
		if perr != nil {
			c.logger.Warn("failed to create preview", "path", path, "error", perr)
		}
		h = ph
	}

	c.mu.Lock()
	c.composer.file = &validate.SelectedFile{Path: path, Size: fi.Size()}
	c.composer.handle = h
	c.mu.Unlock()
	c.emit(Event{Kind: EventComposer})
	return nil
}

// SetCSVURL sets the CSV URL for the next message. An empty url clears it.
// A rejected url leaves the previous one in place.
func (c *Controller) SetCSVURL(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if err := c.rules.CSVURL(raw); err != nil {
			return c.reject(ctx, err)
		}
	}
	c.mu.Lock()
	c.composer.csvURL = raw
	c.mu.Unlock()
	c.emit(Event{Kind: EventComposer})
	return nil
}

// Detach clears the composer's file, preview and CSV URL.
func (c *Controller) Detach() {
	c.mu.Lock()
	h := c.composer.handle
	c.composer = composer{}
	c.mu.Unlock()
	c.release(h)
	c.emit(Event{Kind: EventComposer})
}

// Submit sends text with whatever the composer holds.
func (c *Controller) Submit(ctx context.Context, text string) error {
	s := c.Selection()
	return c.Send(ctx, SendInput{Text: text, File: s.File, CSVURL: s.CSVURL})
}

func (c *Controller) clearFile() {
	c.mu.Lock()
	h := c.composer.handle
	had := c.composer.file != nil
	c.composer.file = nil
	c.composer.handle = nil
	c.mu.Unlock()
	c.release(h)
	if had {
		c.emit(Event{Kind: EventComposer})
	}
}

// finishComposerLocked clears what a finished send carried, unless the user
// has picked something else since.
func (c *Controller) finishComposerLocked(in SendInput) {
	if f := c.composer.file; f != nil && in.File != "" && f.Path == in.File {
		c.release(c.composer.handle)
		c.composer.file = nil
		c.composer.handle = nil
	}
	if in.CSVURL != "" && strings.TrimSpace(in.CSVURL) == c.composer.csvURL {
		c.composer.csvURL = ""
	}
}

func (c *Controller) release(h *preview.Handle) {
	if c.previews != nil && h != nil {
		c.previews.Release(h)
	}
}
