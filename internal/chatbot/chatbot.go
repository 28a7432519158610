// Package chatbot is the terminal front end: a line-edited REPL over the
// conversation controller.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"InsightChat/internal/backend"
	"InsightChat/internal/config"
	"InsightChat/internal/controller"
	"InsightChat/internal/notice"
	"InsightChat/internal/preview"
	"InsightChat/internal/session"
	"InsightChat/internal/store"
	"InsightChat/internal/telemetry"

	"github.com/peterh/liner"
)

// ChatBot represents the main application
type ChatBot struct {
	config config.Config
	ctrl   *controller.Controller
	logger *slog.Logger
	out    io.Writer

	closers []func()
	sends   sync.WaitGroup

	mu             sync.Mutex
	printedSession string
	printed        int
	unconfirmed    int // 1-based index of a skipped optimistic message, 0 if none
	lastNotice     notice.ID
}

// NewChatBot wires logging, telemetry, the snapshot store and the backend
// client into a controller.
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		shutdown()
		closeLog()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	snapshots, err := store.Open(filepath.Join(cfg.DataDir, "insightchat.db"))
	if err != nil {
		shutdown()
		closeLog()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client, err := backend.NewClient(cfg.APIBase, &http.Client{Timeout: cfg.RequestTimeout.Duration}, logger, tracer, meter)
	if err != nil {
		snapshots.Close()
		shutdown()
		closeLog()
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb := &ChatBot{config: cfg, logger: logger, out: os.Stdout}
	cb.ctrl = controller.New(cfg, client,
		controller.WithLogger(logger),
		controller.WithTracer(tracer),
		controller.WithMeter(meter),
		controller.WithSnapshots(snapshots),
		controller.WithPreviews(preview.NewManager(cfg.PreviewDir, logger)),
		controller.WithObserver(cb.onEvent),
	)
	cb.closers = []func(){
		func() { snapshots.Close() },
		shutdown,
		func() { closeLog() },
	}
	return cb, nil
}

// Run loads the starting session and reads commands until /quit or EOF.
func (cb *ChatBot) Run() error {
	defer cb.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cb.start(ctx)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := filepath.Join(cb.config.DataDir, ".insightchat_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	cb.printf("=== InsightChat ===\n")
	cb.printf("Backend: %s\n", cb.config.APIBase)
	cb.printf("Session: %s\n", cb.ctrl.ActiveSession())
	cb.printf("Type /help for commands, /quit to exit\n\n")

	for {
		input, err := line.Prompt("You: ")
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				cb.logger.Error("failed to read input", "error", err)
			}
			break
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.sends.Add(1)
		go func() {
			defer cb.sends.Done()
			cb.send(ctx, input)
		}()
	}

	cancel()
	cb.sends.Wait()
	cb.printf("Goodbye!\n")
	return nil
}

// start selects the configured session, or a new one.
func (cb *ChatBot) start(ctx context.Context) {
	if err := cb.ctrl.RefreshSessions(ctx); err != nil {
		cb.printf("Could not reach %s; showing saved sessions.\n", cb.config.APIBase)
	}
	if cb.config.SessionID != "" {
		if err := cb.ctrl.SelectSession(ctx, cb.config.SessionID); err != nil {
			cb.logger.Warn("failed to load session", "session_id", cb.config.SessionID, "error", err)
		}
		return
	}
	cb.ctrl.CreateNewSession()
}

// send submits one line. Outcomes that the controller already shows, as a
// message or a notice, are not printed again.
func (cb *ChatBot) send(ctx context.Context, input string) {
	err := cb.ctrl.Submit(ctx, input)
	switch {
	case err == nil, errors.Is(err, controller.ErrStale), errors.Is(err, context.Canceled):
	case errors.Is(err, controller.ErrSendPending):
		cb.printf("Still waiting for the previous reply.\n")
	case errors.Is(err, controller.ErrLoading):
		cb.printf("Session is still loading; try again in a moment.\n")
	default:
		cb.logger.Debug("send finished with error", "error", err)
	}
}

func (cb *ChatBot) shutdown() {
	if err := cb.ctrl.Close(); err != nil {
		cb.logger.Warn("failed to close controller", "error", err)
	}
	for _, fn := range cb.closers {
		fn()
	}
}

// onEvent prints what changed. It runs on whichever goroutine changed the
// state.
func (cb *ChatBot) onEvent(e controller.Event) {
	switch e.Kind {
	case controller.EventMessages:
		cb.printMessages()
	case controller.EventNotices:
		cb.printNotices()
	}
}

// printMessages prints messages not shown yet. Optimistic user messages are
// skipped since the user just typed them; their attachments print once the
// backend confirms them.
func (cb *ChatBot) printMessages() {
	active := cb.ctrl.ActiveSession()
	msgs := cb.ctrl.Messages()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if active != cb.printedSession || len(msgs) < cb.printed {
		cb.printedSession = active
		cb.printed = 0
		cb.unconfirmed = 0
	}
	if i := cb.unconfirmed - 1; i >= 0 && i < len(msgs) && msgs[i].Confirmed() {
		fmt.Fprint(cb.out, formatAttachments(msgs[i].Attachments))
		cb.unconfirmed = 0
	}
	for i := cb.printed; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == session.RoleUser && !m.Confirmed() {
			cb.unconfirmed = i + 1
			continue
		}
		fmt.Fprint(cb.out, formatMessage(m))
	}
	cb.printed = len(msgs)
}

func (cb *ChatBot) printNotices() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, n := range cb.ctrl.Notices() {
		if n.ID <= cb.lastNotice {
			continue
		}
		cb.lastNotice = n.ID
		fmt.Fprintf(cb.out, "[%s] %s\n", n.Level, n.Text)
	}
}

func (cb *ChatBot) printf(format string, args ...interface{}) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

func formatMessage(m session.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", roleName(m.Role), m.Content)
	b.WriteString(formatAttachments(m.Attachments))
	if m.Role == session.RoleAssistant {
		b.WriteString("\n")
	}
	return b.String()
}

func formatAttachments(attachments []session.Attachment) string {
	var b strings.Builder
	for _, a := range attachments {
		name := a.OriginalName
		if name == "" {
			name = filepath.Base(a.Path)
		}
		fmt.Fprintf(&b, "  [%s] %s %s\n", a.Kind, name, a.PublicURL)
	}
	return b.String()
}
