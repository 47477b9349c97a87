// Package comfy provides the HTTP invoker for the ComfyUI-compatible
// generation backend.
//
// The backend contract is deliberately thin: one POST per job, the finished
// artifact bytes in the response body. Failures are classified with the
// domain ErrBackend* sentinels so the worker can route refunds and user
// messages without knowing transport details.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rinat3636/mybottg/internal/adapter/backend"
	"github.com/rinat3636/mybottg/internal/domain"
)

// Client is a minimal generation backend HTTP client implementing
// domain.Backend. It performs POST /generate with a JSON job description and
// receives the artifact bytes. The caller bounds the call with a context
// deadline; the client itself sets no timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a backend client.
func New(baseURL string) *Client {
	// Use otelhttp transport for distributed tracing
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("ComfyUI %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport},
	}
}

type generateRequest struct {
	Kind            string   `json:"kind"`
	Prompt          string   `json:"prompt,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	ImagesHex       []string `json:"images_hex,omitempty"`
	PhotoHex        string   `json:"photo_hex,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
}

// Invoke runs one generation job to completion and returns the artifact
// bytes.
func (c *Client) Invoke(ctx domain.Context, task domain.TaskRecord) ([]byte, error) {
	req := generateRequest{Kind: string(task.Kind), Prompt: task.Prompt()}
	switch {
	case task.Edit != nil:
		req.AspectRatio = task.Edit.AspectRatio
		req.ImagesHex = task.Edit.ImagesHex
	case task.Generate != nil:
		req.AspectRatio = task.Generate.AspectRatio
	case task.Animate != nil:
		req.PhotoHex = task.Animate.PhotoHex
		req.DurationSeconds = task.Animate.DurationSeconds
	case task.Video != nil:
		req.PhotoHex = task.Video.PhotoHex
		req.DurationSeconds = task.Video.DurationSeconds
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("op=comfy.invoke: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=comfy.invoke: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("op=comfy.invoke status=%d %s: %w", resp.StatusCode, strings.TrimSpace(string(msg)), domain.ErrBackendRejected)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("op=comfy.invoke status=%d: %w", resp.StatusCode, domain.ErrBackendUnavailable)
	default:
		return nil, fmt.Errorf("op=comfy.invoke status=%d: %w", resp.StatusCode, domain.ErrBackendInvalid)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if err := backend.ValidateResult(data, task.Kind); err != nil {
		return nil, err
	}
	return data, nil
}

func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("op=comfy.invoke: %w", domain.ErrBackendTimeout)
	case isTimeout(err):
		return fmt.Errorf("op=comfy.invoke: %w", domain.ErrBackendTimeout)
	default:
		return fmt.Errorf("op=comfy.invoke: %v: %w", err, domain.ErrBackendUnavailable)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
