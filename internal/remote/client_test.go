package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchVouchers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req FetchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.CompanyID)
		assert.Equal(t, "20240101", req.FromDate)
		assert.Equal(t, "Yes", req.ServerSlice)
		assert.Equal(t, int64(7), req.SinceRevision)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"recordId": "r1", "revisionId": 8, "amount": "12.00"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.FetchVouchers(context.Background(), FetchRequest{
		CompanyID:     "c1",
		LocationID:    "l1",
		AuthToken:     "tok",
		FromDate:      "20240101",
		ToDate:        "20240131",
		ServerSlice:   "Yes",
		SinceRevision: 7,
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "r1", res.Records[0].RecordID())
	assert.Equal(t, int64(8), res.Records[0].RevisionID())
	assert.False(t, res.SlicingRequired)
}

func TestClient_SlicingSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []any{}, "slicingRequired": true})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).FetchVouchers(context.Background(), FetchRequest{})
	require.NoError(t, err)
	assert.True(t, res.SlicingRequired)
	assert.Empty(t, res.Records)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchVouchers(context.Background(), FetchRequest{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Contains(t, se.Body, "gateway exploded")
}

func TestClient_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL).FetchVouchers(ctx, FetchRequest{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"status 502", &StatusError{Code: 502}, true},
		{"status 504", &StatusError{Code: 504}, true},
		{"status 408", &StatusError{Code: 408}, true},
		{"status 500", &StatusError{Code: 500}, true},
		{"status 400", &StatusError{Code: 400}, false},
		{"status 401", &StatusError{Code: 401}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
