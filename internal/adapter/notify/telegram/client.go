// Package telegram is the thin Bot API client behind the notify shim.
//
// Delivery is best-effort by contract: callers log failures and never let
// them affect task state.
package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rinat3636/mybottg/internal/domain"
)

// Client implements domain.Notifier against the Telegram Bot API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a client for the given bot token.
func New(token string) *Client {
	// Use otelhttp transport for distributed tracing
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Telegram %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		baseURL:    "https://api.telegram.org/bot" + token,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// NewWithBaseURL overrides the API host; used by tests.
func NewWithBaseURL(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Notify sends a plain text message.
func (c *Client) Notify(ctx domain.Context, chatID int64, text string) error {
	payload := map[string]any{"chat_id": chatID, "text": text}
	return c.postJSON(ctx, "/sendMessage", payload)
}

// SendResult delivers the finished artifact: photos as sendPhoto plus an
// uncompressed document copy, videos as sendVideo.
func (c *Client) SendResult(ctx domain.Context, chatID int64, kind domain.JobKind, data []byte) error {
	if kind.VideoClass() {
		return c.postFile(ctx, "/sendVideo", chatID, "video", "result.mp4", data)
	}
	if err := c.postFile(ctx, "/sendPhoto", chatID, "photo", "preview.png", data); err != nil {
		return err
	}
	return c.postFile(ctx, "/sendDocument", chatID, "document", "result.png", data)
}

// SetWebhook registers the webhook URL with a secret token header.
func (c *Client) SetWebhook(ctx domain.Context, url, secret string) error {
	payload := map[string]any{"url": url, "secret_token": secret}
	return c.postJSON(ctx, "/setWebhook", payload)
}

func (c *Client) postJSON(ctx domain.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=telegram.post method=%s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=telegram.post method=%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method)
}

func (c *Client) postFile(ctx domain.Context, method string, chatID int64, field, filename string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return fmt.Errorf("op=telegram.post_file method=%s: %w", method, err)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("op=telegram.post_file method=%s: %w", method, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("op=telegram.post_file method=%s: %w", method, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("op=telegram.post_file method=%s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, &buf)
	if err != nil {
		return fmt.Errorf("op=telegram.post_file method=%s: %w", method, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, method)
}

func (c *Client) do(req *http.Request, method string) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=telegram.do method=%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("op=telegram.do method=%s status=%d body=%s", method, resp.StatusCode, string(msg))
	}
	return nil
}
