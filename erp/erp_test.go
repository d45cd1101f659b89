package erp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgarden/session-ledger/erp"
)

func TestHTTPClient_SendRefund(t *testing.T) {
	var got erp.RefundEntry
	var idemKey, auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refunds", r.URL.Path)
		idemKey = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reference":"ERP-2026-0001"}`))
	}))
	defer srv.Close()

	c := erp.NewHTTPClient(srv.URL+"/", erp.Options{APIKey: "secret"})
	receipt, err := c.SendRefund(context.Background(), erp.RefundEntry{
		RefundID:   "r-1",
		MappingID:  "m-1",
		Sessions:   3,
		Amount:     decimal.NewFromInt(150000),
		ApprovedAt: time.Now(),
	})

	require.NoError(t, err)
	assert.Equal(t, "ERP-2026-0001", receipt.Reference)
	assert.Equal(t, "r-1", idemKey)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, 3, got.Sessions)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(150000)))
}

func TestHTTPClient_ServerErrorIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger closed for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := erp.NewHTTPClient(srv.URL, erp.Options{})
	_, err := c.SendExtensionPayment(context.Background(), erp.ExtensionEntry{ExtensionID: "e-1"})

	var statusErr *erp.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "maintenance")
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := erp.NewHTTPClient(srv.URL, erp.Options{})
	_, err := c.SendRefund(ctx, erp.RefundEntry{RefundID: "r-1"})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	_, err := erp.Nop{}.SendRefund(context.Background(), erp.RefundEntry{})
	assert.ErrorIs(t, err, erp.ErrDisabled)
}
