package controller

import (
	"context"
	"errors"
	"fmt"

	"InsightChat/internal/backend"
	"InsightChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CreateNewSession starts a fresh local session and makes it active. The
// backend learns about it with the first message.
func (c *Controller) CreateNewSession() string {
	c.mu.Lock()
	id := c.newID()
	c.switchLocked(id)
	now := c.now()
	c.sessions = append([]session.Session{{
		ID:        id,
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Local:     true,
	}}, c.sessions...)
	c.mu.Unlock()

	c.logger.Info("created session", "session_id", id)
	c.emit(Event{Kind: EventSessions}, Event{Kind: EventMessages, SessionID: id}, Event{Kind: EventToolOutput, SessionID: id})
	return id
}

// SelectSession makes id active and loads its history. The view is emptied
// at once and filled when the history arrives. Selecting the active session
// again does nothing.
//
// A session the backend does not know shows as empty. Any other read error
// falls back to the last snapshot, if one exists, and is returned.
func (c *Controller) SelectSession(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("session id cannot be empty")
	}

	c.mu.Lock()
	if id == c.active {
		c.mu.Unlock()
		return nil
	}
	token := c.switchLocked(id)
	c.loading = true
	c.mu.Unlock()

	c.logger.Debug("switched session", "session_id", id, "epoch", token.epoch)
	c.emit(Event{Kind: EventMessages, SessionID: id}, Event{Kind: EventToolOutput, SessionID: id})
	return c.loadHistory(ctx, token)
}

// LoadHistory reloads the active session from the backend and replaces the
// visible list wholesale.
func (c *Controller) LoadHistory(ctx context.Context, id string) error {
	c.mu.Lock()
	switch {
	case id == "" || id != c.active:
		c.mu.Unlock()
		return ErrNotActive
	case c.pending[id]:
		c.mu.Unlock()
		return ErrSendPending
	}
	c.epoch++
	c.loading = true
	token := c.tokenLocked()
	c.mu.Unlock()

	return c.loadHistory(ctx, token)
}

func (c *Controller) loadHistory(ctx context.Context, token viewToken) error {
	ctx, span := c.tracer.Start(ctx, "controller.load_history",
		trace.WithAttributes(attribute.String("session_id", token.sessionID)))
	defer span.End()

	var (
		msgs       = []session.Message{}
		loadErr    error
		fromServer bool
		summary    session.Session
	)
	h, err := c.api.SessionMessages(ctx, token.sessionID)
	switch {
	case err == nil:
		for _, m := range h.Messages {
			msgs = append(msgs, m.Message)
		}
		summary = h.Session
		fromServer = true
	case errors.Is(err, backend.ErrNotFound):
		c.logger.Debug("session not found on backend", "session_id", token.sessionID)
	default:
		loadErr = fmt.Errorf("failed to load history: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		if cached, ok := c.cachedMessages(token.sessionID); ok {
			msgs = cached
			c.logger.Warn("showing cached history", "session_id", token.sessionID, "error", err)
		} else {
			c.logger.Warn("failed to load history", "session_id", token.sessionID, "error", err)
		}
	}

	c.mu.Lock()
	if !c.currentLocked(token) {
		c.mu.Unlock()
		c.logger.Debug("discarding stale history", "session_id", token.sessionID)
		return ErrStale
	}
	c.messages = msgs
	c.loading = false
	sessionsChanged := false
	if summary.ID != "" {
		sessionsChanged = c.updateSessionLocked(summary)
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessages, SessionID: token.sessionID})
	if sessionsChanged {
		c.emit(Event{Kind: EventSessions})
	}
	if fromServer {
		c.saveMessages(token.sessionID, session.CloneMessages(msgs))
	}
	return loadErr
}

// RefreshSessions fetches the first page of sessions. Local sessions the
// backend has not listed yet stay on top. On failure an empty list is
// filled from the snapshot.
func (c *Controller) RefreshSessions(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "controller.refresh_sessions")
	defer span.End()

	remote, err := c.api.ListSessions(ctx, c.cfg.SessionPageSize, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		c.logger.Warn("failed to refresh sessions", "error", err)
		c.fallbackSessions()
		return fmt.Errorf("failed to refresh sessions: %w", err)
	}

	c.mu.Lock()
	c.sessions = mergeSessions(remote, c.sessions)
	merged := append([]session.Session(nil), c.sessions...)
	c.mu.Unlock()

	c.emit(Event{Kind: EventSessions})
	if c.store != nil {
		if err := c.store.SaveSessions(merged); err != nil {
			c.logger.Warn("failed to save session snapshot", "error", err)
		}
	}
	return nil
}

func (c *Controller) fallbackSessions() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	empty := len(c.sessions) == 0
	c.mu.Unlock()
	if !empty {
		return
	}

	stale, err := c.store.Sessions()
	if err != nil {
		c.logger.Warn("failed to read session snapshot", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	c.mu.Lock()
	if len(c.sessions) == 0 {
		c.sessions = stale
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventSessions})
}

// mergeSessions puts local sessions the backend does not list yet ahead of
// the remote page.
func mergeSessions(remote, current []session.Session) []session.Session {
	listed := make(map[string]bool, len(remote))
	for _, s := range remote {
		listed[s.ID] = true
	}
	out := make([]session.Session, 0, len(remote)+1)
	for _, s := range current {
		if s.Local && !listed[s.ID] {
			out = append(out, s)
		}
	}
	for _, s := range remote {
		s.Local = false
		out = append(out, s)
	}
	return out
}

// updateSessionLocked merges the fields a history response carries into a
// listed session. The preview and count come only from the session list.
func (c *Controller) updateSessionLocked(s session.Session) bool {
	for i := range c.sessions {
		cur := &c.sessions[i]
		if cur.ID != s.ID {
			continue
		}
		changed := false
		if s.Title != "" && s.Title != cur.Title {
			cur.Title = s.Title
			changed = true
		}
		if !s.CreatedAt.IsZero() && !s.CreatedAt.Equal(cur.CreatedAt) {
			cur.CreatedAt = s.CreatedAt
			changed = true
		}
		if !s.UpdatedAt.IsZero() && !s.UpdatedAt.Equal(cur.UpdatedAt) {
			cur.UpdatedAt = s.UpdatedAt
			changed = true
		}
		return changed
	}
	return false
}

func (c *Controller) cachedMessages(id string) ([]session.Message, bool) {
	if c.store == nil {
		return nil, false
	}
	msgs, ok, err := c.store.Messages(id)
	if err != nil {
		c.logger.Warn("failed to read message snapshot", "session_id", id, "error", err)
		return nil, false
	}
	return msgs, ok
}

func (c *Controller) saveMessages(id string, msgs []session.Message) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	c.saveSeq[id]++
	seq := c.saveSeq[id]
	c.mu.Unlock()

	c.goBackground(func() {
		// Writes are serialized; a save overtaken by a newer one is skipped.
		c.saveMu.Lock()
		defer c.saveMu.Unlock()

		c.mu.Lock()
		latest := c.saveSeq[id] == seq
		c.mu.Unlock()
		if !latest {
			c.logger.Debug("skipping superseded message snapshot", "session_id", id)
			return
		}
		if _, err := c.store.SaveMessages(id, msgs); err != nil {
			c.logger.Warn("failed to save message snapshot", "session_id", id, "error", err)
		}
	})
}

func (c *Controller) refreshInBackground(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	c.goBackground(func() {
		if d := c.cfg.RequestTimeout.Duration; d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		_ = c.RefreshSessions(ctx)
	})
}

// goBackground runs fn in a goroutine that Close waits for.
func (c *Controller) goBackground(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.background.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.background.Done()
		fn()
	}()
}
