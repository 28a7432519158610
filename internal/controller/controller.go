// Package controller owns the client's view of the conversation: the session
// list, the active session and its messages, pending sends, and how
// optimistic messages are reconciled with what the backend confirms.
//
// A Controller is safe for concurrent use. Network calls run without the
// lock held; every result is merged only if the view it was issued for is
// still the active one.
package controller

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"InsightChat/internal/backend"
	"InsightChat/internal/config"
	"InsightChat/internal/notice"
	"InsightChat/internal/preview"
	"InsightChat/internal/session"
	"InsightChat/internal/validate"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrSendPending is returned, without any state change, when the active
	// session already has a send in flight.
	ErrSendPending = errors.New("a message is already being sent in this session")

	// ErrLoading is returned while the active session's history is loading.
	ErrLoading = errors.New("session history is still loading")

	// ErrNoActiveSession is returned when no session is selected.
	ErrNoActiveSession = errors.New("no active session")

	// ErrNotActive is returned when reloading a session that is not shown.
	ErrNotActive = errors.New("session is not the active session")

	// ErrStale is returned when a response arrived for a view that is no
	// longer shown; the response was dropped.
	ErrStale = errors.New("response discarded: session is no longer active")
)

// DefaultTitle is shown for a session created on this client.
const DefaultTitle = "New chat"

// Snapshots persists the last data seen from the backend. *store.Store
// implements it.
type Snapshots interface {
	SaveSessions(sessions []session.Session) error
	Sessions() ([]session.Session, error)
	SaveMessages(sessionID string, messages []session.Message) (bool, error)
	Messages(sessionID string) ([]session.Message, bool, error)
}

// EventKind names the part of the state an Event is about.
type EventKind int

const (
	EventMessages EventKind = iota + 1
	EventSessions
	EventPending
	EventToolOutput
	EventComposer
	EventNotices
)

func (k EventKind) String() string {
	switch k {
	case EventMessages:
		return "messages"
	case EventSessions:
		return "sessions"
	case EventPending:
		return "pending"
	case EventToolOutput:
		return "tool_output"
	case EventComposer:
		return "composer"
	case EventNotices:
		return "notices"
	default:
		return "unknown"
	}
}

// Event tells the view which part of the state changed
type Event struct {
	Kind      EventKind
	SessionID string
}

// viewToken identifies what the user was looking at when a request was
// issued. epoch changes on every switch or reload.
type viewToken struct {
	sessionID string
	epoch     uint64
}

type composer struct {
	file   *validate.SelectedFile
	handle *preview.Handle
	csvURL string
}

// Controller is the conversation state controller
type Controller struct {
	cfg      config.Config
	api      backend.API
	rules    validate.Rules
	logger   *slog.Logger
	tracer   trace.Tracer
	sends    metric.Int64Counter
	rejects  metric.Int64Counter
	store    Snapshots
	previews *preview.Manager
	notices  *notice.Board
	observer func(Event)
	newID    func() string
	now      func() time.Time

	mu         sync.Mutex
	sessions   []session.Session
	active     string
	epoch      uint64
	loading    bool
	messages   []session.Message
	pending    map[string]bool
	tool       *session.ToolOutput
	toolIndex  int
	composer   composer
	closed     bool
	background sync.WaitGroup
	saveSeq    map[string]uint64

	saveMu sync.Mutex // serializes snapshot writes
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithTracer sets the tracer for controller spans.
func WithTracer(t trace.Tracer) Option { return func(c *Controller) { c.tracer = t } }

// WithMeter records send and validation counters on m.
func WithMeter(m metric.Meter) Option {
	return func(c *Controller) {
		c.sends, _ = m.Int64Counter("chat.sends",
			metric.WithDescription("Messages sent, by outcome"))
		c.rejects, _ = m.Int64Counter("chat.validation_rejects",
			metric.WithDescription("Inputs rejected before any request"))
	}
}

// WithSnapshots enables stale reads from a local snapshot.
func WithSnapshots(s Snapshots) Option { return func(c *Controller) { c.store = s } }

// WithPreviews gives the composer a preview manager.
func WithPreviews(m *preview.Manager) Option { return func(c *Controller) { c.previews = m } }

// WithObserver is called after every state change, without the lock held.
func WithObserver(fn func(Event)) Option { return func(c *Controller) { c.observer = fn } }

// WithIDGenerator sets how new local session ids are made.
func WithIDGenerator(fn func() string) Option { return func(c *Controller) { c.newID = fn } }

// WithClock sets the time source for message timestamps.
func WithClock(fn func() time.Time) Option { return func(c *Controller) { c.now = fn } }

// New creates a controller with no active session.
func New(cfg config.Config, api backend.API, opts ...Option) *Controller {
	c := &Controller{
		cfg: cfg,
		api: api,
		rules: validate.Rules{
			MaxFileSize:       cfg.MaxFileSize,
			AllowedExtensions: cfg.AllowedExtensions,
		},
		logger:    slog.Default(),
		tracer:    tracenoop.NewTracerProvider().Tracer("controller"),
		newID:     uuid.NewString,
		now:       time.Now,
		pending:   make(map[string]bool),
		saveSeq:   make(map[string]uint64),
		toolIndex: -1,
	}
	WithMeter(metricnoop.NewMeterProvider().Meter("controller"))(c)
	for _, opt := range opts {
		opt(c)
	}

	ttl := cfg.NoticeTTL.Duration
	if ttl <= 0 {
		ttl = config.DefaultNoticeTTL
	}
	c.notices = notice.NewBoard(ttl, func() { c.emit(Event{Kind: EventNotices}) })
	return c
}

// ActiveSession returns the id of the session being shown.
func (c *Controller) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Messages returns a copy of the visible message list.
func (c *Controller) Messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.CloneMessages(c.messages)
}

// Sessions returns a copy of the session list.
func (c *Controller) Sessions() []session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Session(nil), c.sessions...)
}

// Pending reports whether the active session has a send in flight.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[c.active]
}

// Loading reports whether the active session's history is being fetched.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// ToolOutput returns the latest tool output and the index of the assistant
// message it belongs to, or nil and -1.
func (c *Controller) ToolOutput() (*session.ToolOutput, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tool == nil {
		return nil, -1
	}
	t := *c.tool
	return &t, c.toolIndex
}

// Notices returns the live transient notifications.
func (c *Controller) Notices() []notice.Notice {
	return c.notices.List()
}

// DismissNotice removes a notification before it expires.
func (c *Controller) DismissNotice(id notice.ID) {
	c.notices.Dismiss(id)
}

// Wait blocks until background session refreshes have finished.
func (c *Controller) Wait() {
	c.background.Wait()
}

// Close waits for background work and releases view resources.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.background.Wait()
	c.notices.Close()
	if c.previews != nil {
		return c.previews.Close()
	}
	return nil
}

// tokenLocked captures the current view.
func (c *Controller) tokenLocked() viewToken {
	return viewToken{sessionID: c.active, epoch: c.epoch}
}

// currentLocked reports whether t still describes the visible view.
func (c *Controller) currentLocked(t viewToken) bool {
	return c.active == t.sessionID && c.epoch == t.epoch
}

// switchLocked makes id the active session and empties the view.
func (c *Controller) switchLocked(id string) viewToken {
	c.epoch++
	c.active = id
	c.messages = []session.Message{}
	c.tool = nil
	c.toolIndex = -1
	c.loading = false
	return c.tokenLocked()
}

func (c *Controller) emit(events ...Event) {
	if c.observer == nil {
		return
	}
	for _, e := range events {
		c.observer(e)
	}
}
