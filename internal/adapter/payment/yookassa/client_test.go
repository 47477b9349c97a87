package yookassa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rinat3636/mybottg/internal/domain"
)

func TestCreatePayment(t *testing.T) {
	var gotIdemKey, gotAuthUser string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payments", r.URL.Path)
		gotIdemKey = r.Header.Get("Idempotence-Key")
		gotAuthUser, _, _ = r.BasicAuth()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pay-1",
			"status": "pending",
			"amount": map[string]string{"value": "200.00", "currency": "RUB"},
			"confirmation": map[string]string{
				"type":             "redirect",
				"confirmation_url": "https://pay.example/pay-1",
			},
		})
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "shop", "key", "https://t.me/bot")
	p, err := c.CreatePayment(context.Background(), 200, 200, "idem-123", 1001)
	require.NoError(t, err)
	require.Equal(t, "pay-1", p.ID)
	require.Equal(t, "pending", p.Status)
	require.Equal(t, "https://pay.example/pay-1", p.ConfirmationURL)

	require.Equal(t, "idem-123", gotIdemKey)
	require.Equal(t, "shop", gotAuthUser)
	amount := gotBody["amount"].(map[string]any)
	require.Equal(t, "200.00", amount["value"])
	require.Equal(t, "RUB", amount["currency"])
	require.Equal(t, true, gotBody["capture"])
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/pay-9", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pay-9",
			"status": "succeeded",
			"amount": map[string]string{"value": "100.00", "currency": "rub"},
		})
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "shop", "key", "")
	p, err := c.GetPayment(context.Background(), "pay-9")
	require.NoError(t, err)
	require.Equal(t, "succeeded", p.Status)
	require.Equal(t, "100.00", p.AmountValue)
	// Currency is canonicalized to upper case for the settlement compare.
	require.Equal(t, "RUB", p.AmountCurrency)
}

func TestGetPaymentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "shop", "key", "")
	_, err := c.GetPayment(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
