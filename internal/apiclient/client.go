// Package apiclient talks to the HTTP APIs of container-management backends
// (Portainer and Komodo).
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/logutil"
)

const defaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 200

// Client is a JSON-over-HTTP client bound to one backend base URL. Every
// request carries the static headers set at construction.
type Client struct {
	BaseURL string

	headers    http.Header
	httpClient *http.Client
}

func newClient(baseURL string, verifySSL bool, headers http.Header) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		headers:    headers,
		httpClient: &http.Client{Timeout: defaultTimeout, Transport: transport},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return connerr.New(connerr.KindValidation, method+" "+path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	op := method + " " + c.BaseURL + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if connerr.IsTimeout(err) {
			return connerr.New(connerr.KindTimeout, op, err)
		}
		return connerr.New(connerr.KindTransport, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return connerr.Newf(connerr.KindAuthentication, op, "HTTP %d: %s", resp.StatusCode, errorBody(resp.Body))
	case resp.StatusCode >= 300:
		return connerr.Newf(connerr.KindTransport, op, "HTTP %d: %s", resp.StatusCode, errorBody(resp.Body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return connerr.New(connerr.KindTransport, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func errorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4*maxErrorBody))
	return logutil.Truncate(strings.TrimSpace(string(b)), maxErrorBody)
}
