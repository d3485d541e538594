// Package remote adapts the upstream test-record catalog, an HTTP JSON API,
// to types.Remote.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// maxErrorBody bounds how much of an error response is quoted in errors.
const maxErrorBody = 512

// ErrURLEmpty is returned by New without a base URL.
var ErrURLEmpty = errors.New("remote url is required")

// Client lists records and downloads payloads from the catalog API:
//
//	GET {base}/test_records?device_id=&start_after=&start_before=&id=&page_size=&page_token=
//	GET {base}/test_records/{id}/payload
//
// Server errors and transport failures are reported as
// types.ErrRemoteUnavailable so callers may retry them; 404 is
// types.ErrNotFound.
type Client struct {
	base     *url.URL
	token    string
	pageSize int
	http     *http.Client
	logger   *slog.Logger
}

var _ types.Remote = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPageSize sets the page_size query parameter. Zero leaves it to the server.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// FromConfig maps the remote configuration section to options.
func FromConfig(cfg types.RemoteConfig) []Option {
	return []Option{WithToken(cfg.Token), WithPageSize(cfg.PageSize)}
}

// New returns a client for the API rooted at rawURL.
func New(rawURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrURLEmpty
	}
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", rawURL)
	}
	c := &Client{
		base:   base,
		http:   &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type listResponse struct {
	Results       []types.TestRecord `json:"results"`
	NextPageToken string             `json:"next_page_token"`
}

// ListRecords fetches one page of the listing.
func (c *Client) ListRecords(ctx context.Context, filter types.RemoteFilter, pageToken string) (types.Page, error) {
	q := url.Values{}
	if filter.ID != "" {
		q.Set("id", filter.ID)
	}
	if filter.DeviceID != nil {
		q.Set("device_id", strconv.FormatInt(*filter.DeviceID, 10))
	}
	if filter.StartAfter != nil {
		q.Set("start_after", filter.StartAfter.UTC().Format(time.RFC3339))
	}
	if filter.StartBefore != nil {
		q.Set("start_before", filter.StartBefore.UTC().Format(time.RFC3339))
	}
	if c.pageSize > 0 {
		q.Set("page_size", strconv.Itoa(c.pageSize))
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	body, err := c.get(ctx, c.endpoint(q, "test_records"))
	if err != nil {
		return types.Page{}, fmt.Errorf("listing records: %w", err)
	}
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// A truncated or garbled page is treated like a dropped connection.
		return types.Page{}, fmt.Errorf("listing records: decoding page: %w: %v", types.ErrRemoteUnavailable, err)
	}
	c.logger.Debug("listed page", "records", len(resp.Results), "next", resp.NextPageToken)
	return types.Page{Records: resp.Results, NextPageToken: resp.NextPageToken}, nil
}

// FetchPayload downloads the raw payload of record id.
func (c *Client) FetchPayload(ctx context.Context, id string) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, types.ErrInvalidID
	}
	body, err := c.get(ctx, c.endpoint(nil, "test_records", id, "payload"))
	if err != nil {
		return nil, fmt.Errorf("fetching payload %s: %w", id, err)
	}
	return body, nil
}

func (c *Client) endpoint(q url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.base.JoinPath(escaped...)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", types.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading body: %v", types.ErrRemoteUnavailable, err)
	}
	return body, nil
}

func statusError(code int, body string) error {
	msg := fmt.Sprintf("status %d", code)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, msg)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: %s", types.ErrRemoteUnavailable, msg)
	default:
		return errors.New(msg)
	}
}
