package policyengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Allow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req engineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "stripe", req.Input.Provider)

		_ = json.NewEncoder(w).Encode(engineResponse{Result: &engineResult{Allow: true, Version: "v1"}})
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL})
	d := a.Evaluate(context.Background(), Query{Provider: "stripe", Method: "create_payment"})
	assert.True(t, d.Approved)
	assert.Equal(t, "v1", d.PolicyVersion)
}

func TestEvaluate_Deny(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(engineResponse{Result: &engineResult{
			Allow: false, Version: "v1", DenyReasons: []string{"Payment amount exceeds $50.00 limit"},
		}})
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL})
	d := a.Evaluate(context.Background(), Query{Provider: "stripe", Method: "create_payment"})
	assert.False(t, d.Approved)
	assert.Equal(t, "Payment amount exceeds $50.00 limit", d.DenialReason)
}

func TestEvaluate_UnreachableFailsClosed(t *testing.T) {
	a := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	d := a.Evaluate(context.Background(), Query{Provider: "stripe"})
	assert.False(t, d.Approved)
	assert.Equal(t, "policy engine unavailable", d.DenialReason)
	assert.Equal(t, "unknown", d.PolicyVersion)
}

func TestEvaluate_DeadlineExceededFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(engineResponse{Result: &engineResult{Allow: true, Version: "v1"}})
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, Timeout: 10 * time.Millisecond})
	d := a.Evaluate(context.Background(), Query{Provider: "stripe"})
	assert.False(t, d.Approved)
	assert.Equal(t, "policy engine unavailable", d.DenialReason)
}

func TestEvaluate_MalformedResponseFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL})
	d := a.Evaluate(context.Background(), Query{Provider: "stripe"})
	assert.False(t, d.Approved)
	assert.Equal(t, "policy engine unavailable", d.DenialReason)
}

func TestReload_AtomicSwap(t *testing.T) {
	a := New(Config{BaseURL: "http://example.invalid"})
	assert.Equal(t, "unknown", a.PolicyVersion())
	a.Reload("v2")
	assert.Equal(t, "v2", a.PolicyVersion())
}
