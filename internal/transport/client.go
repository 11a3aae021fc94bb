// Package transport is the HTTP wire layer: it POSTs envelopes to peer
// hooks and probes peer liveness. Plain HTTP/1.1 on the trusted LAN.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agentmesh/meshd/internal/envelope"
)

// SignatureHeader carries the envelope signature alongside the body so
// receivers can pre-filter before parsing.
const SignatureHeader = "X-MESH-Signature"

// StatusError is a non-2xx HTTP response from a peer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("peer returned HTTP %d", e.Code) }

// Permanent reports whether err is a 4xx client error, which must never
// be retried.
func Permanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// StatusCode extracts the HTTP status from err, or 0 for transport
// failures.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// wireBody is the POST body shape: the envelope travels as a JSON
// string, with sessionKey lifted to the top level for generic routing.
type wireBody struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Client posts envelopes and probes peers.
type Client struct {
	http    *http.Client
	connect time.Duration
}

// New creates a transport client with the given connect and total
// timeouts.
func New(connectTimeout, totalTimeout time.Duration) *Client {
	return &Client{
		connect: connectTimeout,
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Post delivers an envelope to the given hook URL with bearer auth.
// sessionKey, when non-empty, is included as a top-level body field so
// the peer's generic router honors the caller-supplied session.
// Any 2xx is success; 4xx returns a permanent StatusError; other codes
// and transport failures are retryable.
func (c *Client) Post(ctx context.Context, url, bearer string, env *envelope.Envelope, sessionKey string) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	body, err := json.Marshal(wireBody{Message: string(raw), SessionKey: sessionKey})
	if err != nil {
		return fmt.Errorf("marshal post body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	if env.Signature != "" {
		req.Header.Set(SignatureHeader, env.Signature)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// ProbeStatus issues the lightweight GET /api/status liveness check.
// No auth and no hook path: probes must never wake the host agent.
// Returns the HTTP status code and round-trip latency.
func (c *Client) ProbeStatus(ctx context.Context, baseURL string, timeout time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/status", nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, time.Since(start), nil
}

// ProbeTCP checks bare TCP reachability, the fallback for peers that do
// not serve a status endpoint.
func ProbeTCP(host string, port int, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), timeout)
	if err != nil {
		return time.Since(start), err
	}
	conn.Close()
	return time.Since(start), nil
}
