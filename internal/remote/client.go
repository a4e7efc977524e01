// Package remote talks to the accounting system's voucher fetch endpoint.
// It sends one POST per request and classifies failures into retryable
// network conditions, the explicit "response too large, slice your request"
// signal, and everything else.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"vouchersync/internal/models"
)

// FetchRequest is the wire request body. Dates use the YYYYMMDD layout.
type FetchRequest struct {
	CompanyID     string `json:"companyId"`
	LocationID    string `json:"locationId"`
	AuthToken     string `json:"authToken"`
	FromDate      string `json:"fromDate"`
	ToDate        string `json:"toDate"`
	ServerSlice   string `json:"serverSlice"`
	SinceRevision int64  `json:"sinceRevision,omitempty"`
}

// FetchResult is the decoded endpoint response.
type FetchResult struct {
	Records []models.Voucher `json:"records"`

	// SlicingRequired is the server's signal that the response would be
	// too large and the caller should fall back to chunked fetching.
	SlicingRequired bool `json:"slicingRequired"`
}

// Fetcher fetches vouchers from the remote system. The sync engine depends
// on this interface; tests substitute fakes.
type Fetcher interface {
	FetchVouchers(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// StatusError reports a non-2xx endpoint response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote endpoint returned %d: %s", e.Code, e.Body)
}

// IsRetryable reports whether err represents a transient condition worth
// another attempt: a timeout, a connection failure, or a 408/5xx status.
// Anything else (bad request, auth failure, malformed response) aborts the
// chunk immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout || se.Code >= 500
	}
	// Connection drops often surface as unwrapped io errors.
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// Client is the HTTP implementation of Fetcher.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a client for the given endpoint URL. The per-request
// timeout is controlled by the caller's context, not the http.Client, so
// resource-constrained hosts can stretch it.
func NewClient(endpoint string) *Client {
	return &Client{endpoint: endpoint, http: &http.Client{}}
}

func (c *Client) FetchVouchers(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode fetch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch vouchers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Keep a bounded slice of the body for the error message.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	var result FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return &result, nil
}
