// Package yookassa is the payment provider API client.
//
// Only two calls matter to the core: creating a redirect-based payment with a
// fresh idempotency key, and fetching a payment by id for fail-closed
// verification.
package yookassa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rinat3636/mybottg/internal/domain"
)

const defaultBaseURL = "https://api.yookassa.ru/v3"

// Client implements domain.PaymentProvider.
type Client struct {
	baseURL    string
	shopID     string
	secretKey  string
	returnURL  string
	httpClient *http.Client
}

// New constructs a provider client authenticated with shop credentials.
func New(shopID, secretKey, returnURL string) *Client {
	// Use otelhttp transport for distributed tracing
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("YooKassa %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL:    defaultBaseURL,
		shopID:     shopID,
		secretKey:  secretKey,
		returnURL:  returnURL,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// NewWithBaseURL overrides the API host; used by tests.
func NewWithBaseURL(baseURL, shopID, secretKey, returnURL string) *Client {
	c := New(shopID, secretKey, returnURL)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type amountDTO struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmationDTO struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type paymentDTO struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Amount       amountDTO        `json:"amount"`
	Confirmation *confirmationDTO `json:"confirmation,omitempty"`
	Description  string           `json:"description,omitempty"`
	Capture      bool             `json:"capture,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// CreatePayment creates a redirect-based payment for a credit package.
func (c *Client) CreatePayment(ctx domain.Context, amountRUB, credits int64, idempotencyKey string, telegramID int64) (domain.ProviderPayment, error) {
	reqBody := paymentDTO{
		Amount:       amountDTO{Value: fmt.Sprintf("%d.00", amountRUB), Currency: "RUB"},
		Confirmation: &confirmationDTO{Type: "redirect", ReturnURL: c.returnURL},
		Capture:      true,
		Description:  fmt.Sprintf("Top-up %d credits", credits),
		Metadata: map[string]any{
			"telegram_id": fmt.Sprintf("%d", telegramID),
			"amount_rub":  fmt.Sprintf("%d", amountRUB),
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return domain.ProviderPayment{}, fmt.Errorf("op=yookassa.create: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return domain.ProviderPayment{}, fmt.Errorf("op=yookassa.create: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", idempotencyKey)
	req.SetBasicAuth(c.shopID, c.secretKey)

	dto, err := c.do(req, "create")
	if err != nil {
		return domain.ProviderPayment{}, err
	}
	return toProviderPayment(dto), nil
}

// GetPayment fetches the provider's current view of a payment. This is the
// only source the settlement path trusts.
func (c *Client) GetPayment(ctx domain.Context, providerID string) (domain.ProviderPayment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+providerID, nil)
	if err != nil {
		return domain.ProviderPayment{}, fmt.Errorf("op=yookassa.get: %w", err)
	}
	req.SetBasicAuth(c.shopID, c.secretKey)

	dto, err := c.do(req, "get")
	if err != nil {
		return domain.ProviderPayment{}, err
	}
	return toProviderPayment(dto), nil
}

func (c *Client) do(req *http.Request, op string) (paymentDTO, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return paymentDTO{}, fmt.Errorf("op=yookassa.%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return paymentDTO{}, fmt.Errorf("op=yookassa.%s: %w", op, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return paymentDTO{}, fmt.Errorf("op=yookassa.%s status=%d body=%s", op, resp.StatusCode, string(msg))
	}
	var dto paymentDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return paymentDTO{}, fmt.Errorf("op=yookassa.%s decode: %w", op, err)
	}
	return dto, nil
}

func toProviderPayment(dto paymentDTO) domain.ProviderPayment {
	p := domain.ProviderPayment{
		ID:             dto.ID,
		Status:         dto.Status,
		AmountValue:    dto.Amount.Value,
		AmountCurrency: strings.ToUpper(strings.TrimSpace(dto.Amount.Currency)),
	}
	if dto.Confirmation != nil {
		p.ConfirmationURL = dto.Confirmation.ConfirmationURL
	}
	return p
}
