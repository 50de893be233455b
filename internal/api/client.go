package api

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	Code    int
	Message string
	Details string
}

func (e *StatusError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("api: %d %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Code, e.Message, e.Details)
}

// Client talks to a running bot's API, so one-shot tools act on the live
// ledger instead of opening the journal themselves.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for baseURL. A nil httpClient means
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL turns a listen address such as ":8080" into a URL on loopback.
func BaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Open asks the bot to buy target for every account.
func (c *Client) Open(ctx context.Context, target string) (OpenResponse, error) {
	body, err := json.Marshal(OpenRequest{Target: target})
	if err != nil {
		return OpenResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/positions", bytes.NewReader(body))
	if err != nil {
		return OpenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return OpenResponse{}, fmt.Errorf("reach bot api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var reply ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&reply) == nil && reply.Error != "" {
			statusErr.Message = reply.Error
			statusErr.Details = reply.Details
		}
		return OpenResponse{}, statusErr
	}

	var out OpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OpenResponse{}, fmt.Errorf("decode open response: %w", err)
	}
	return out, nil
}
