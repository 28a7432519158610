package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"InsightChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// MaxResponseSize bounds every response body we read.
const MaxResponseSize = 10 * 1024 * 1024

// API is the Backend Chat API as the controller consumes it
type API interface {
	ListSessions(ctx context.Context, limit, offset int) ([]session.Session, error)
	SessionMessages(ctx context.Context, sessionID string) (*History, error)
	SendMessage(ctx context.Context, req SendRequest) (*SendResult, error)
}

// FileUpload is a local file to send along with a message
type FileUpload struct {
	Path        string
	Name        string // filename reported to the backend
	ContentType string
}

// SendRequest is the unified send operation input
type SendRequest struct {
	SessionID string
	Text      string
	File      *FileUpload
	CSVURL    string
}

// MessageMeta holds server-assigned fields for one message of an exchange
type MessageMeta struct {
	ID          int64
	Attachments []session.Attachment
}

// SendResult is the mapped response of a send
type SendResult struct {
	SessionID  string
	Reply      string
	ToolOutput *session.ToolOutput
	User       MessageMeta
	Assistant  MessageMeta
}

// HistoryMessage is a persisted message plus the tool outputs stored with it
type HistoryMessage struct {
	session.Message
	ToolOutput *session.ToolOutput
}

// History is a session's metadata and its ordered messages
type History struct {
	Session  session.Session
	Messages []HistoryMessage
}

// Client implements API over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// NewClient creates a backend client. A nil tracer or meter disables telemetry.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("backend")
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("backend")
	}

	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		tracer:     tracer,
		duration:   histogram,
	}, nil
}

// ListSessions fetches one page of session summaries, most recently updated first.
func (c *Client) ListSessions(ctx context.Context, limit, offset int) ([]session.Session, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var resp ListSessionsResponse
	if err := c.do(ctx, "list_sessions", req, &resp); err != nil {
		return nil, err
	}

	out := make([]session.Session, 0, len(resp.Sessions))
	for _, s := range resp.Sessions {
		out = append(out, s.toSession())
	}
	return out, nil
}

// SessionMessages fetches a session's persisted messages. A session the
// backend has never seen yields an error matching ErrNotFound.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) (*History, error) {
	endpoint := c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var resp SessionMessagesResponse
	if err := c.do(ctx, "session_messages", req, &resp); err != nil {
		return nil, err
	}

	h := &History{
		Session:  resp.Session.toSession(),
		Messages: make([]HistoryMessage, 0, len(resp.Messages)),
	}
	for _, m := range resp.Messages {
		id := m.ID
		h.Messages = append(h.Messages, HistoryMessage{
			Message: session.Message{
				ID:          &id,
				Role:        session.Role(m.Role),
				Content:     m.Content,
				Timestamp:   parseTime(m.CreatedAt),
				Attachments: c.attachments(m.Attachments),
			},
			ToolOutput: decodeToolOutputs(m.ToolOutputs),
		})
	}
	return h, nil
}

// SendMessage posts one user turn as multipart form data.
func (c *Client) SendMessage(ctx context.Context, sr SendRequest) (*SendResult, error) {
	body, contentType, err := encodeSendForm(sr)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var resp SendResponse
	if err := c.do(ctx, "send_message", req, &resp); err != nil {
		return nil, err
	}

	assistantID := resp.AssistantMessageMeta.ID
	if assistantID == 0 {
		assistantID = resp.MessageID
	}
	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = sr.SessionID
	}

	return &SendResult{
		SessionID:  sessionID,
		Reply:      resp.AssistantMessage,
		ToolOutput: decodeToolOutputs(resp.ToolOutputs),
		User: MessageMeta{
			ID:          resp.UserMessage.ID,
			Attachments: c.attachments(resp.UserMessage.Attachments),
		},
		Assistant: MessageMeta{
			ID:          assistantID,
			Attachments: c.attachments(resp.AssistantMessageMeta.Attachments),
		},
	}, nil
}

// ResolveURL turns a backend-relative public URL into an absolute one.
func (c *Client) ResolveURL(p string) string {
	if p == "" {
		return ""
	}
	if u, err := url.Parse(p); err == nil && u.IsAbs() {
		return p
	}
	return c.baseURL + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) attachments(in []AttachmentWire) []session.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]session.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, session.Attachment{
			ID:           a.ID,
			Kind:         session.AttachmentKind(a.Kind),
			Path:         a.Path,
			OriginalName: deref(a.OriginalName),
			MIME:         deref(a.MIME),
			PublicURL:    c.ResolveURL(deref(a.PublicURL)),
		})
	}
	return out
}

// do sends req and decodes a JSON response into out
func (c *Client) do(ctx context.Context, op string, req *http.Request, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "backend."+op)
	defer span.End()

	start := time.Now()
	status := 0
	defer func() {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(
				attribute.String("operation", op),
				attribute.Int("status", status),
			))
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode
	span.SetAttributes(attribute.Int("http.status_code", status))

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, body)
		span.SetStatus(codes.Error, apiErr.Error())
		c.logger.Warn("backend request failed", "operation", op, "status", resp.StatusCode, "detail", apiErr.Detail)
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	c.logger.Debug("backend request completed", "operation", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeSendForm(sr SendRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("session_id", sr.SessionID); err != nil {
		return nil, "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := w.WriteField("message", sr.Text); err != nil {
		return nil, "", fmt.Errorf("failed to write form field: %w", err)
	}
	if sr.CSVURL != "" {
		if err := w.WriteField("csv_url", sr.CSVURL); err != nil {
			return nil, "", fmt.Errorf("failed to write form field: %w", err)
		}
	}

	if sr.File != nil {
		f, err := os.Open(sr.File.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open upload: %w", err)
		}
		defer f.Close()

		contentType := sr.File.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(sr.File.Name)))
		h.Set("Content-Type", contentType)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", fmt.Errorf("failed to copy upload: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
