// Package ledger talks to the remote ledger's HTTP JSON API. Client is both
// the dispatch Executor and the sequence Oracle.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"batch-dispatcher/internal/dispatch"
	"batch-dispatcher/internal/models"
)

// maxErrorBody caps how much of an error response is echoed into errors.
const maxErrorBody = 512

// Client is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(cl *Client) { cl.apiKey = key }
}

// New parses baseURL and returns a client with the given request timeout.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ledger url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{base: u, httpClient: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type sequenceResponse struct {
	Sequence uint64 `json:"sequence"`
}

type submitRequest struct {
	Sequence uint64          `json:"sequence"`
	Kind     string          `json:"kind"`
	Body     json.RawMessage `json:"body,omitempty"`
}

type submitResponse struct {
	ConfirmationID string `json:"confirmation_id"`
	Cost           uint64 `json:"cost"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CurrentSequence returns the ledger's next expected sequence for identity.
func (c *Client) CurrentSequence(ctx context.Context, identity string) (uint64, error) {
	var out sequenceResponse
	if err := c.do(ctx, http.MethodGet, c.accountPath(identity, "sequence"), nil, &out); err != nil {
		return 0, err
	}
	return out.Sequence, nil
}

// Submit posts one payload at seq for identity.
func (c *Client) Submit(ctx context.Context, identity string, seq uint64, p models.Payload) (models.Receipt, error) {
	req := submitRequest{Sequence: seq, Kind: p.Kind, Body: p.Body}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, c.accountPath(identity, "submissions"), req, &out); err != nil {
		return models.Receipt{}, err
	}
	if out.ConfirmationID == "" {
		return models.Receipt{}, fmt.Errorf("%w: empty confirmation id", dispatch.ErrTransient)
	}
	return models.Receipt{ConfirmationID: out.ConfirmationID, Sequence: seq, Cost: out.Cost}, nil
}

func (c *Client) accountPath(identity, leaf string) string {
	return c.base.String() + "/accounts/" + url.PathEscape(identity) + "/" + leaf
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", dispatch.ErrTransient, method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", dispatch.ErrTransient, err)
	}
	return nil
}

// statusError maps a non-2xx response onto the dispatch error taxonomy.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = dispatch.ErrUnauthorized
	case resp.StatusCode == http.StatusConflict:
		kind = dispatch.ErrSequenceMismatch
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = dispatch.ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		kind = dispatch.ErrRejected
	case resp.StatusCode >= 500:
		kind = dispatch.ErrTransient
	default:
		kind = dispatch.ErrRejected
	}
	return &StatusError{Code: resp.StatusCode, Msg: msg, kind: kind}
}

// StatusError is a non-2xx ledger response.
type StatusError struct {
	Code int
	Msg  string
	kind error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger: %d: %s", e.Code, e.Msg)
}

func (e *StatusError) Unwrap() error { return e.kind }

// IsStatus reports whether err is a ledger response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
