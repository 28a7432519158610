package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"InsightChat/internal/backend"
	"InsightChat/internal/config"
	"InsightChat/internal/notice"
	"InsightChat/internal/preview"
	"InsightChat/internal/session"
	"InsightChat/internal/store"
	"InsightChat/internal/validate"

	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory backend. sendFn and historyFn may block to hold a
// request in flight.
type fakeAPI struct {
	mu        sync.Mutex
	sessions  []session.Session
	listErr   error
	listCalls int
	histories map[string]*backend.History
	historyFn func(ctx context.Context, id string) (*backend.History, error)
	sendFn    func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error)
	sent      []backend.SendRequest
	nextID    int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{histories: make(map[string]*backend.History)}
}

func (f *fakeAPI) ListSessions(ctx context.Context, limit, offset int) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]session.Session(nil), f.sessions...), nil
}

func (f *fakeAPI) SessionMessages(ctx context.Context, id string) (*backend.History, error) {
	f.mu.Lock()
	fn := f.historyFn
	h, ok := f.histories[id]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	if !ok {
		return nil, &backend.APIError{StatusCode: 404, Detail: "Session not found"}
	}
	return h, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	fn := f.sendFn
	f.nextID += 2
	userID, assistantID := f.nextID-1, f.nextID
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &backend.SendResult{
		SessionID: req.SessionID,
		Reply:     "echo: " + req.Text,
		User:      backend.MessageMeta{ID: userID},
		Assistant: backend.MessageMeta{ID: assistantID},
	}, nil
}

func (f *fakeAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeAPI) lastSent() backend.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func history(id string, contents ...string) *backend.History {
	h := &backend.History{Session: session.Session{ID: id, Title: "Session " + id}}
	for i, text := range contents {
		msgID := int64(100 + i)
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		h.Messages = append(h.Messages, backend.HistoryMessage{
			Message: session.Message{ID: &msgID, Role: role, Content: text},
		})
	}
	return h
}

func newController(t *testing.T, api backend.API, opts ...Option) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.NoticeTTL = config.Duration{Duration: time.Hour}
	cfg.RequestTimeout = config.Duration{Duration: 5 * time.Second}
	ids := 0
	opts = append([]Option{WithIDGenerator(func() string {
		ids++
		return fmt.Sprintf("local-%d", ids)
	})}, opts...)
	c := New(cfg, api, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	require.NoError(t, f.Close())
	return p
}

func contents(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSendSuccessAppendsExactlyTwoMessages(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)
	id := c.CreateNewSession()

	require.NoError(t, c.Send(context.Background(), SendInput{Text: "  hello  "}))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, session.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, int64(1), *msgs[0].ID)
	require.Equal(t, session.RoleAssistant, msgs[1].Role)
	require.Equal(t, "echo: hello", msgs[1].Content)
	require.Equal(t, int64(2), *msgs[1].ID)
	require.False(t, c.Pending())
	require.Equal(t, id, api.lastSent().SessionID)

	require.NoError(t, c.Send(context.Background(), SendInput{Text: "again"}))
	require.Equal(t, []string{"hello", "echo: hello", "again", "echo: again"}, contents(c.Messages()))
}

func TestSendFailureAddsOneErrorMessage(t *testing.T) {
	api := newFakeAPI()
	api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
		return nil, &backend.APIError{StatusCode: 500, Detail: "model unavailable"}
	}
	c := newController(t, api)
	c.CreateNewSession()

	err := c.Send(context.Background(), SendInput{Text: "hi"})
	require.Error(t, err)
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Content)
	require.False(t, msgs[0].Confirmed())
	require.Equal(t, session.RoleAssistant, msgs[1].Role)
	require.Contains(t, msgs[1].Content, "model unavailable")
	require.False(t, msgs[1].Confirmed())
	require.False(t, c.Pending())

	list := c.Notices()
	require.NotEmpty(t, list)
	require.Equal(t, notice.LevelError, list[len(list)-1].Level)

	api.mu.Lock()
	api.sendFn = nil
	api.mu.Unlock()
	require.NoError(t, c.Send(context.Background(), SendInput{Text: "hi"}))
	require.Len(t, c.Messages(), 4)
}

func TestSecondSendWhilePendingIsNoop(t *testing.T) {
	api := newFakeAPI()
	release := make(chan struct{})
	api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
		<-release
		return &backend.SendResult{SessionID: req.SessionID, Reply: "ok", User: backend.MessageMeta{ID: 1}, Assistant: backend.MessageMeta{ID: 2}}, nil
	}
	c := newController(t, api)
	c.CreateNewSession()

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), SendInput{Text: "first"}) }()
	require.Eventually(t, c.Pending, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, c.Send(context.Background(), SendInput{Text: "second"}), ErrSendPending)
	require.Equal(t, []string{"first"}, contents(c.Messages()))

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, api.sendCount())
	require.Equal(t, []string{"first", "ok"}, contents(c.Messages()))
}

func TestSwitchDuringSendDiscardsResponse(t *testing.T) {
	api := newFakeAPI()
	api.histories["b"] = history("b", "b question", "b answer")
	release := make(chan struct{})
	api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
		<-release
		return &backend.SendResult{SessionID: req.SessionID, Reply: "late reply", User: backend.MessageMeta{ID: 1}, Assistant: backend.MessageMeta{ID: 2}}, nil
	}
	c := newController(t, api)
	a := c.CreateNewSession()

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), SendInput{Text: "a question"}) }()
	require.Eventually(t, c.Pending, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SelectSession(context.Background(), "b"))
	require.Equal(t, []string{"b question", "b answer"}, contents(c.Messages()))
	require.False(t, c.Pending(), "pending belongs to the other session")

	close(release)
	require.ErrorIs(t, <-done, ErrStale)
	require.Equal(t, []string{"b question", "b answer"}, contents(c.Messages()))
	require.Equal(t, "b", c.ActiveSession())

	// Back in a, the backend's copy is the only one shown.
	api.mu.Lock()
	api.histories[a] = history(a, "a question", "late reply")
	api.mu.Unlock()
	require.NoError(t, c.SelectSession(context.Background(), a))
	require.Equal(t, []string{"a question", "late reply"}, contents(c.Messages()))
}

func TestSwitchAwayAndBackDuringSendDiscardsResponse(t *testing.T) {
	api := newFakeAPI()
	api.histories["b"] = history("b")
	release := make(chan struct{})
	api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
		<-release
		return &backend.SendResult{SessionID: req.SessionID, Reply: "reply", User: backend.MessageMeta{ID: 1}, Assistant: backend.MessageMeta{ID: 2}}, nil
	}
	c := newController(t, api)
	a := c.CreateNewSession()

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), SendInput{Text: "question"}) }()
	require.Eventually(t, c.Pending, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SelectSession(context.Background(), "b"))
	require.NoError(t, c.SelectSession(context.Background(), a))
	require.Empty(t, c.Messages())
	require.True(t, c.Pending())
	require.ErrorIs(t, c.Send(context.Background(), SendInput{Text: "again"}), ErrSendPending)

	close(release)
	require.ErrorIs(t, <-done, ErrStale)
	require.Empty(t, c.Messages(), "a stale reply is never merged")
	require.False(t, c.Pending())
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	api := newFakeAPI()
	release := make(chan struct{})
	api.historyFn = func(ctx context.Context, id string) (*backend.History, error) {
		if id == "slow" {
			<-release
			return history("slow", "old", "stuff"), nil
		}
		return history(id, "fresh"), nil
	}
	c := newController(t, api)

	done := make(chan error, 1)
	go func() { done <- c.SelectSession(context.Background(), "slow") }()
	require.Eventually(t, c.Loading, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SelectSession(context.Background(), "fast"))
	close(release)
	require.ErrorIs(t, <-done, ErrStale)

	require.Equal(t, "fast", c.ActiveSession())
	require.Equal(t, []string{"fresh"}, contents(c.Messages()))
	require.False(t, c.Loading())
}

func TestSendRefusedWhileLoading(t *testing.T) {
	api := newFakeAPI()
	release := make(chan struct{})
	api.historyFn = func(ctx context.Context, id string) (*backend.History, error) {
		<-release
		return history(id), nil
	}
	c := newController(t, api)

	done := make(chan error, 1)
	go func() { done <- c.SelectSession(context.Background(), "s") }()
	require.Eventually(t, c.Loading, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, c.Send(context.Background(), SendInput{Text: "hi"}), ErrLoading)
	close(release)
	require.NoError(t, <-done)
	require.Zero(t, api.sendCount())
}

func TestHistoryNotFoundIsEmpty(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)

	require.NoError(t, c.SelectSession(context.Background(), "unknown"))
	require.NotNil(t, c.Messages())
	require.Empty(t, c.Messages())
	require.False(t, c.Loading())
}

func TestHistoryFallsBackToSnapshot(t *testing.T) {
	snapshots, err := store.Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { snapshots.Close() })

	api := newFakeAPI()
	api.histories["s"] = history("s", "cached q", "cached a")
	c := newController(t, api, WithSnapshots(snapshots))

	require.NoError(t, c.SelectSession(context.Background(), "s"))
	c.Wait()

	api.mu.Lock()
	api.historyFn = func(ctx context.Context, id string) (*backend.History, error) {
		return nil, &backend.APIError{StatusCode: 502}
	}
	api.mu.Unlock()

	c2 := newController(t, api, WithSnapshots(snapshots))
	err = c2.SelectSession(context.Background(), "s")
	require.Error(t, err)
	require.NotErrorIs(t, err, backend.ErrNotFound)
	require.Equal(t, []string{"cached q", "cached a"}, contents(c2.Messages()))

	msgs := c2.Messages()
	for _, m := range msgs {
		require.NotContains(t, m.Content, "Error", "read errors never enter the thread")
	}
}

func TestRejectedInputChangesNothing(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)
	c.CreateNewSession()
	big := writeFile(t, "big.csv", 21*1024*1024)
	doc := writeFile(t, "notes.pdf", 10)

	cases := []struct {
		name   string
		in     SendInput
		reason validate.Reason
	}{
		{"empty", SendInput{Text: "   "}, validate.ReasonEmptyInput},
		{"too large", SendInput{File: big}, validate.ReasonFileTooLarge},
		{"extension", SendInput{Text: "see", File: doc}, validate.ReasonUnsupportedExtension},
		{"bad url", SendInput{CSVURL: "ftp://host/x.csv"}, validate.ReasonInvalidURL},
		{"not csv", SendInput{CSVURL: "https://host/x.json"}, validate.ReasonNotCSVURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Send(context.Background(), tc.in)
			var verr *validate.Error
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.reason, verr.Reason)
			require.Empty(t, c.Messages())
			require.False(t, c.Pending())
		})
	}
	require.Zero(t, api.sendCount())

	require.Error(t, c.Send(context.Background(), SendInput{File: filepath.Join(t.TempDir(), "missing.csv")}))
	require.Zero(t, api.sendCount())
}

func TestFileTakesPrecedenceOverCSVURL(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)
	c.CreateNewSession()
	data := writeFile(t, "data.csv", 64)

	require.NoError(t, c.Send(context.Background(), SendInput{File: data, CSVURL: "https://example.com/other.csv"}))

	req := api.lastSent()
	require.NotNil(t, req.File)
	require.Equal(t, "data.csv", req.File.Name)
	require.Equal(t, "text/csv", req.File.ContentType)
	require.Empty(t, req.CSVURL)
	require.Equal(t, "[csv] data.csv", req.Text)
	require.Equal(t, "[csv] data.csv", c.Messages()[0].Content)

	var warned bool
	for _, n := range c.Notices() {
		if n.Level == notice.LevelWarning {
			warned = true
			require.Contains(t, n.Text, "other.csv")
		}
	}
	require.True(t, warned)
}

func TestCSVURLOnlySend(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)
	c.CreateNewSession()

	require.NoError(t, c.Send(context.Background(), SendInput{CSVURL: "https://example.com/data.CSV?raw=1"}))
	req := api.lastSent()
	require.Nil(t, req.File)
	require.Equal(t, "https://example.com/data.CSV?raw=1", req.CSVURL)
}

func TestAttachmentsPatchedBack(t *testing.T) {
	api := newFakeAPI()
	api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
		rows := 3
		return &backend.SendResult{
			SessionID: req.SessionID,
			Reply:     "here is your plot",
			User: backend.MessageMeta{ID: 11, Attachments: []session.Attachment{
				{ID: 1, Kind: session.KindImage, Path: "/u/photo.png", OriginalName: "photo.png", PublicURL: "http://api/static/uploads/photo.png"},
			}},
			Assistant: backend.MessageMeta{ID: 12, Attachments: []session.Attachment{
				{ID: 2, Kind: session.KindPlot, Path: "/p/plot.png", PublicURL: "http://api/static/plots/plot.png"},
			}},
			ToolOutput: &session.ToolOutput{ImagePath: "/p/plot.png", CSVRows: &rows},
		}, nil
	}
	c := newController(t, api)
	c.CreateNewSession()
	photo := writeFile(t, "photo.png", 128)

	require.NoError(t, c.Send(context.Background(), SendInput{Text: "plot it", File: photo}))
	require.Equal(t, "image/png", api.lastSent().File.ContentType)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "plot it", msgs[0].Content)
	require.Len(t, msgs[0].Attachments, 1)
	require.Equal(t, "http://api/static/uploads/photo.png", msgs[0].Attachments[0].PublicURL)
	require.Len(t, msgs[1].Attachments, 1)
	require.True(t, msgs[1].Attachments[0].IsImage())

	tool, idx := c.ToolOutput()
	require.NotNil(t, tool)
	require.Equal(t, 1, idx)
	require.Equal(t, 3, *tool.CSVRows)

	c.CreateNewSession()
	tool, idx = c.ToolOutput()
	require.Nil(t, tool)
	require.Equal(t, -1, idx)
}

func TestFailureClearsToolOutput(t *testing.T) {
	api := newFakeAPI()
	fail := false
	api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return &backend.SendResult{SessionID: req.SessionID, Reply: "ok", ToolOutput: &session.ToolOutput{ImagePath: "/p.png"}}, nil
	}
	c := newController(t, api)
	c.CreateNewSession()

	require.NoError(t, c.Send(context.Background(), SendInput{Text: "one"}))
	tool, _ := c.ToolOutput()
	require.NotNil(t, tool)

	fail = true
	require.Error(t, c.Send(context.Background(), SendInput{Text: "two"}))
	tool, _ = c.ToolOutput()
	require.Nil(t, tool)
}

func TestPreviewNeverLeaks(t *testing.T) {
	api := newFakeAPI()
	previews := preview.NewManager(t.TempDir(), nil)
	c := newController(t, api, WithPreviews(previews))
	c.CreateNewSession()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Attach(ctx, writeFile(t, "pic.png", 16)))
		require.Equal(t, 1, previews.Live())
	}
	sel := c.Selection()
	require.NotEmpty(t, sel.PreviewPath)
	require.FileExists(t, sel.PreviewPath)

	require.Error(t, c.Attach(ctx, writeFile(t, "notes.txt", 16)))
	require.Zero(t, previews.Live(), "a rejected file clears the previous preview")
	require.Empty(t, c.Selection().File)

	require.NoError(t, c.Attach(ctx, writeFile(t, "pic.png", 16)))
	require.NoError(t, c.Submit(ctx, "what is this"))
	require.Zero(t, previews.Live())
	require.Empty(t, c.Selection().File)
	require.NotNil(t, api.lastSent().File)

	require.NoError(t, c.Attach(ctx, writeFile(t, "pic.png", 16)))
	require.NoError(t, c.Close())
	require.Zero(t, previews.Live())
}

func TestNewSelectionDuringSendIsKept(t *testing.T) {
	api := newFakeAPI()
	release := make(chan struct{})
	api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
		<-release
		return &backend.SendResult{SessionID: req.SessionID, Reply: "ok"}, nil
	}
	previews := preview.NewManager(t.TempDir(), nil)
	c := newController(t, api, WithPreviews(previews))
	c.CreateNewSession()
	ctx := context.Background()

	first := writeFile(t, "first.csv", 16)
	require.NoError(t, c.Attach(ctx, first))

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, "") }()
	require.Eventually(t, c.Pending, time.Second, 5*time.Millisecond)

	second := writeFile(t, "second.png", 16)
	require.NoError(t, c.Attach(ctx, second))
	close(release)
	require.NoError(t, <-done)

	require.Equal(t, second, c.Selection().File)
	require.Equal(t, 1, previews.Live())
}

func TestComposerCSVURL(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)
	c.CreateNewSession()
	ctx := context.Background()

	require.NoError(t, c.SetCSVURL(ctx, "https://example.com/a.csv"))
	require.Error(t, c.SetCSVURL(ctx, "https://example.com/a.xlsx"))
	require.Equal(t, "https://example.com/a.csv", c.Selection().CSVURL)

	require.NoError(t, c.Submit(ctx, "summarize"))
	require.Equal(t, "https://example.com/a.csv", api.lastSent().CSVURL)
	require.Empty(t, c.Selection().CSVURL)

	require.NoError(t, c.SetCSVURL(ctx, "https://example.com/b.csv"))
	c.Detach()
	require.Equal(t, Selection{}, c.Selection())
}

func TestLocalSessionsMerge(t *testing.T) {
	api := newFakeAPI()
	api.sessions = []session.Session{{ID: "remote", Title: "Remote chat"}}
	c := newController(t, api)
	ctx := context.Background()

	require.NoError(t, c.RefreshSessions(ctx))
	id := c.CreateNewSession()
	list := c.Sessions()
	require.Len(t, list, 2)
	require.Equal(t, id, list[0].ID)
	require.True(t, list[0].Local)
	require.Equal(t, DefaultTitle, list[0].Title)

	require.NoError(t, c.RefreshSessions(ctx))
	require.Len(t, c.Sessions(), 2, "local session survives a refresh that does not list it")

	api.mu.Lock()
	api.sessions = []session.Session{{ID: id, Title: "hello"}, {ID: "remote", Title: "Remote chat"}}
	api.mu.Unlock()
	require.NoError(t, c.Send(ctx, SendInput{Text: "hello"}))
	c.Wait()

	list = c.Sessions()
	require.Len(t, list, 2)
	require.Equal(t, id, list[0].ID)
	require.False(t, list[0].Local)
	require.Equal(t, "hello", list[0].Title)
}

func TestRefreshFailureUsesSnapshot(t *testing.T) {
	snapshots, err := store.Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { snapshots.Close() })
	require.NoError(t, snapshots.SaveSessions([]session.Session{{ID: "old", Title: "Yesterday"}}))

	api := newFakeAPI()
	api.listErr = errors.New("dial tcp: connection refused")
	c := newController(t, api, WithSnapshots(snapshots))

	require.Error(t, c.RefreshSessions(context.Background()))
	list := c.Sessions()
	require.Len(t, list, 1)
	require.Equal(t, "old", list[0].ID)
}

func TestLoadHistoryGuards(t *testing.T) {
	api := newFakeAPI()
	c := newController(t, api)
	ctx := context.Background()

	require.ErrorIs(t, c.LoadHistory(ctx, "nobody"), ErrNotActive)
	require.ErrorIs(t, c.Send(ctx, SendInput{Text: "hi"}), ErrNoActiveSession)

	id := c.CreateNewSession()
	require.NoError(t, c.Send(ctx, SendInput{Text: "hi"}))

	api.mu.Lock()
	api.histories[id] = history(id, "hi", "echo: hi")
	api.mu.Unlock()
	require.NoError(t, c.LoadHistory(ctx, id))
	require.Equal(t, []string{"hi", "echo: hi"}, contents(c.Messages()))
}

func TestObserverSeesChanges(t *testing.T) {
	api := newFakeAPI()
	var (
		mu    sync.Mutex
		kinds []EventKind
	)
	c := newController(t, api, WithObserver(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	}))
	c.CreateNewSession()
	require.NoError(t, c.Send(context.Background(), SendInput{Text: "hi"}))
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, kinds, EventMessages)
	require.Contains(t, kinds, EventPending)
	require.Contains(t, kinds, EventSessions)
}

func TestSessionsRefreshAfterEverySend(t *testing.T) {
	ctx := context.Background()

	t.Run("failed", func(t *testing.T) {
		api := newFakeAPI()
		api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
			return nil, &backend.APIError{StatusCode: 500, Detail: "model unavailable"}
		}
		c := newController(t, api)
		c.CreateNewSession()

		require.Error(t, c.Send(ctx, SendInput{Text: "hi"}))
		c.Wait()
		require.Equal(t, 1, api.listCount())
	})

	t.Run("discarded", func(t *testing.T) {
		api := newFakeAPI()
		api.histories["b"] = history("b", "b question", "b answer")
		release := make(chan struct{})
		api.sendFn = func(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error) {
			<-release
			return &backend.SendResult{SessionID: req.SessionID, Reply: "late reply", User: backend.MessageMeta{ID: 1}, Assistant: backend.MessageMeta{ID: 2}}, nil
		}
		c := newController(t, api)
		c.CreateNewSession()

		done := make(chan error, 1)
		go func() { done <- c.Send(ctx, SendInput{Text: "a question"}) }()
		require.Eventually(t, c.Pending, time.Second, 5*time.Millisecond)
		require.NoError(t, c.SelectSession(ctx, "b"))
		require.Zero(t, api.listCount())

		close(release)
		require.ErrorIs(t, <-done, ErrStale)
		c.Wait()
		require.Equal(t, 1, api.listCount())
	})

	t.Run("ok", func(t *testing.T) {
		api := newFakeAPI()
		c := newController(t, api)
		c.CreateNewSession()

		require.NoError(t, c.Send(ctx, SendInput{Text: "hi"}))
		c.Wait()
		require.Equal(t, 1, api.listCount())
	})
}

func TestHistoryKeepsListPreview(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	api.sessions = []session.Session{{ID: "b", Title: "b", LastMessage: "last words", MessageCount: 4}}
	h := history("b", "q1", "a1", "q2", "last words")
	h.Session.CreatedAt = created
	api.histories["b"] = h
	c := newController(t, api)
	ctx := context.Background()

	require.NoError(t, c.RefreshSessions(ctx))
	require.NoError(t, c.SelectSession(ctx, "b"))

	list := c.Sessions()
	require.Len(t, list, 1)
	require.Equal(t, "Session b", list[0].Title)
	require.True(t, created.Equal(list[0].CreatedAt))
	require.Equal(t, "last words", list[0].LastMessage)
	require.Equal(t, 4, list[0].MessageCount)
}

func TestNewestMessageSnapshotWins(t *testing.T) {
	snapshots, err := store.Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { snapshots.Close() })

	c := newController(t, newFakeAPI(), WithSnapshots(snapshots))
	older := history("s", "q1", "a1")
	newer := history("s", "q1", "a1", "q2", "a2")
	for i := 0; i < 20; i++ {
		var o, n []session.Message
		for _, m := range older.Messages {
			o = append(o, m.Message)
		}
		for _, m := range newer.Messages {
			n = append(n, m.Message)
		}
		c.saveMessages("s", o)
		c.saveMessages("s", n)
	}
	c.Wait()

	msgs, ok, err := snapshots.Messages("s")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"q1", "a1", "q2", "a2"}, contents(msgs))
}
