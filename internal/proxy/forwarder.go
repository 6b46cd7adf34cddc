package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// maxResponseSize caps how much of an upstream body we will relay (5MB).
const maxResponseSize = 5 * 1024 * 1024

// DefaultForwardTimeout bounds the whole upstream call including body streaming.
const DefaultForwardTimeout = 30 * time.Second

// ForwardRequest is the input to the HTTP forwarder.
type ForwardRequest struct {
	Endpoint      string
	Prompt        string
	BuyerAddress  string
	TransactionID string
}

// Forwarder sends query prompts to untrusted seller endpoints.
// The response body is returned unread so callers can stream it.
type Forwarder struct {
	client *http.Client
}

// NewForwarder creates a new HTTP forwarder.
// Pass timeout=0 to use DefaultForwardTimeout.
func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout == 0 {
		timeout = DefaultForwardTimeout
	}
	return &Forwarder{
		client: &http.Client{Timeout: timeout},
	}
}

// Forward POSTs {"prompt": ...} to the seller endpoint and returns the
// response for streaming. The caller owns resp.Body and must close it.
// A 5xx status is converted to ErrUpstreamUnavailable; a client timeout
// to ErrUpstreamTimeout.
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{"prompt": req.Prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Payment-From", req.BuyerAddress)
	httpReq.Header.Set("X-Payment-Reference", req.TransactionID)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: service returned HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	return resp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
