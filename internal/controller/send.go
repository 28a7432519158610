package controller

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"InsightChat/internal/backend"
	"InsightChat/internal/notice"
	"InsightChat/internal/session"
	"InsightChat/internal/validate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SendInput is one user turn. File is a local path.
type SendInput struct {
	Text   string
	File   string
	CSVURL string
}

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".csv":  "text/csv",
}

// Send submits one user turn to the active session and blocks until the
// backend answers or ctx ends.
//
// A rejected input returns a *validate.Error and changes nothing. While a
// send is already in flight for the session, ErrSendPending is returned and
// no request is made. Otherwise an optimistic user message is shown at once.
// On success the reply is appended and reconciled; on failure a local
// assistant message carries the error text and the error is returned. If
// the user left the session in the meantime the response is dropped and
// ErrStale is returned.
func (c *Controller) Send(ctx context.Context, in SendInput) error {
	var selected *validate.SelectedFile
	if in.File != "" {
		fi, err := os.Stat(in.File)
		if err != nil {
			return c.reject(ctx, fmt.Errorf("failed to read %s: %w", filepath.Base(in.File), err))
		}
		if fi.IsDir() {
			return c.reject(ctx, fmt.Errorf("%s is a directory", filepath.Base(in.File)))
		}
		selected = &validate.SelectedFile{Path: in.File, Size: fi.Size()}
	}

	c.mu.Lock()
	if c.active == "" {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if c.pending[c.active] {
		active := c.active
		c.mu.Unlock()
		c.logger.Debug("send ignored, already pending", "session_id", active)
		return ErrSendPending
	}
	if c.loading {
		c.mu.Unlock()
		return ErrLoading
	}
	plan, err := c.rules.Input(validate.Input{Text: in.Text, File: selected, CSVURL: in.CSVURL})
	if err != nil {
		c.mu.Unlock()
		return c.reject(ctx, err)
	}

	content := plan.Text
	if content == "" {
		content = placeholder(plan)
	}
	token := c.tokenLocked()
	c.messages = append(session.CloneMessages(c.messages), session.Message{
		Role:      session.RoleUser,
		Content:   content,
		Timestamp: c.now(),
	})
	c.pending[token.sessionID] = true
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessages, SessionID: token.sessionID}, Event{Kind: EventPending, SessionID: token.sessionID})

	if plan.Warning != "" {
		c.notices.Push(notice.LevelWarning, plan.Warning)
	}

	req := backend.SendRequest{SessionID: token.sessionID, Text: content, CSVURL: plan.CSVURL}
	if plan.File != nil {
		ext := strings.ToLower(filepath.Ext(plan.File.Path))
		ct, ok := contentTypes[ext]
		if !ok {
			ct = mime.TypeByExtension(ext)
		}
		req.File = &backend.FileUpload{Path: plan.File.Path, Name: filepath.Base(plan.File.Path), ContentType: ct}
	}

	ctx, span := c.tracer.Start(ctx, "controller.send", trace.WithAttributes(
		attribute.String("session_id", token.sessionID),
		attribute.Bool("has_file", req.File != nil),
		attribute.Bool("has_csv_url", req.CSVURL != ""),
	))
	defer span.End()

	res, sendErr := c.sendMessage(ctx, req)

	c.mu.Lock()
	delete(c.pending, token.sessionID)
	c.finishComposerLocked(in)
	current := c.currentLocked(token)

	var snapshot []session.Message
	switch {
	case !current:
		// The user moved on; the other view owns its own state now.
	case sendErr != nil:
		c.messages = append(session.CloneMessages(c.messages), session.Message{
			Role:      session.RoleAssistant,
			Content:   "Error: " + sendErr.Error(),
			Timestamp: c.now(),
		})
		c.tool = nil
		c.toolIndex = -1
	default:
		c.messages = Reconcile(c.messages, res, c.now())
		c.tool = nil
		c.toolIndex = -1
		if !res.ToolOutput.Empty() {
			t := *res.ToolOutput
			c.tool = &t
			c.toolIndex = len(c.messages) - 1
		}
		snapshot = session.CloneMessages(c.messages)
	}
	c.mu.Unlock()

	events := []Event{{Kind: EventPending, SessionID: token.sessionID}, {Kind: EventComposer}}
	if current {
		events = append(events, Event{Kind: EventMessages, SessionID: token.sessionID}, Event{Kind: EventToolOutput, SessionID: token.sessionID})
	}
	c.emit(events...)
	c.refreshInBackground(ctx)

	switch {
	case !current:
		c.logger.Debug("discarding stale send response", "session_id", token.sessionID, "error", sendErr)
		c.countSend(ctx, "discarded")
		span.SetAttributes(attribute.Bool("discarded", true))
		return ErrStale
	case sendErr != nil:
		c.logger.Error("failed to send message", "session_id", token.sessionID, "error", sendErr)
		c.countSend(ctx, "error")
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "send failed")
		c.notices.Push(notice.LevelError, sendErr.Error())
		return fmt.Errorf("failed to send message: %w", sendErr)
	}

	c.countSend(ctx, "ok")
	c.logger.Info("message sent", "session_id", token.sessionID,
		"user_message_id", res.User.ID, "assistant_message_id", res.Assistant.ID)
	c.saveMessages(token.sessionID, snapshot)
	return nil
}

func (c *Controller) sendMessage(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
	if d := c.cfg.RequestTimeout.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return c.api.SendMessage(ctx, req)
}

// reject surfaces a validation failure without touching conversation state.
func (c *Controller) reject(ctx context.Context, err error) error {
	reason := "unreadable_file"
	var verr *validate.Error
	if errors.As(err, &verr) {
		reason = string(verr.Reason)
	}
	c.rejects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	c.logger.Info("input rejected", "reason", reason, "error", err)
	c.notices.Push(notice.LevelError, err.Error())
	return err
}

func (c *Controller) countSend(ctx context.Context, outcome string) {
	c.sends.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// placeholder labels a turn that carries only an attachment.
func placeholder(plan validate.Plan) string {
	switch {
	case plan.File != nil:
		kind := session.KindImage
		if strings.EqualFold(filepath.Ext(plan.File.Path), ".csv") {
			kind = session.KindCSV
		}
		return fmt.Sprintf("[%s] %s", kind, filepath.Base(plan.File.Path))
	case plan.CSVURL != "":
		return "[csv url] " + plan.CSVURL
	}
	return ""
}
