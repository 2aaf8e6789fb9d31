package tabapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ClawdCity-TabComm/internal/tabcomm"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tabapi: %d %s", e.Status, e.Message)
}

// Unwrap maps a gateway timeout to tabcomm.ErrAckTimeout.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusGatewayTimeout {
		return tabcomm.ErrAckTimeout
	}
	return nil
}

// Client talks to a Server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// OpenTab attaches a new tab and returns its id.
func (c *Client) OpenTab(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tabs", nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) CloseTab(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, tabPath(id, ""), nil, nil)
}

func (c *Client) Emit(ctx context.Context, id, name string, args ...json.RawMessage) error {
	body := emitRequest{Name: name, Args: nonNil(args)}
	return c.do(ctx, http.MethodPost, tabPath(id, "/emit"), body, nil)
}

// Call sends a request and waits for its acknowledgement. A timeout on the
// server side is reported as an error wrapping tabcomm.ErrAckTimeout.
func (c *Client) Call(ctx context.Context, id, name string, timeout time.Duration, args ...json.RawMessage) (tabcomm.Args, error) {
	ms := timeout.Milliseconds()
	body := emitRequest{Name: name, Args: nonNil(args), TimeoutMS: &ms}
	var resp struct {
		Args tabcomm.Args `json:"args"`
	}
	if err := c.do(ctx, http.MethodPost, tabPath(id, "/call"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Args, nil
}

// Clean removes orphaned request entries through tab id.
func (c *Client) Clean(ctx context.Context, id string) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, tabPath(id, "/clean"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Listeners returns the names tab id currently listens for.
func (c *Client) Listeners(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Names []string `json:"names"`
	}
	if err := c.do(ctx, http.MethodGet, tabPath(id, "/listeners"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// Keys lists the area's current keys.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	var resp struct {
		Keys []string `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/store/keys", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func tabPath(id, suffix string) string {
	return "/api/tabs/" + url.PathEscape(id) + suffix
}

func nonNil(args []json.RawMessage) []json.RawMessage {
	if args == nil {
		return []json.RawMessage{}
	}
	return args
}
