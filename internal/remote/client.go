// Package remote talks to the bookmark service that is the remote source of
// truth.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/marksync/internal/bookmark"
)

var ErrUnauthorized = errors.New("unauthorized")

// KeySenderIsRecipient is the message key reported when a user tries to
// message themselves.
const KeySenderIsRecipient = "error_senderIsRecipient"

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// UserError is a failure the server reported for a user action. Key names
// the message shown to the user.
type UserError struct {
	Key  string
	Code string
}

func (e *UserError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Key, e.Code)
	}
	return e.Key
}

// Transport is the remote bookmark service. Add and Delete return the
// bookmark list as the server sees it after the change.
type Transport interface {
	Fetch(ctx context.Context, anonymous bool) ([]bookmark.Bookmark, error)
	Add(ctx context.Context, b bookmark.Bookmark) ([]bookmark.Bookmark, error)
	Delete(ctx context.Context, title string) ([]bookmark.Bookmark, error)
	Authorized() bool
	CanChange() bool
}

type remoteBookmark struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Trending  bool   `json:"trending,omitempty"`
	Immutable bool   `json:"immutable,omitempty"`
}

type bookmarkList struct {
	Bookmarks []remoteBookmark `json:"bookmarks"`
}

func (l bookmarkList) toBookmarks() []bookmark.Bookmark {
	out := make([]bookmark.Bookmark, 0, len(l.Bookmarks))
	for _, rb := range l.Bookmarks {
		out = append(out, bookmark.Bookmark{
			Title:     rb.Title,
			Filter:    bookmark.ParseLink(rb.Link),
			Trending:  rb.Trending,
			Link:      rb.Link,
			Immutable: rb.Immutable,
		})
	}
	return out
}

type ClientOptions struct {
	Token      string
	ReadOnly   bool
	HTTPClient *http.Client
}

type HTTPClient struct {
	baseURL    string
	readOnly   bool
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(baseURL string, opts ClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		readOnly:   opts.ReadOnly,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		token:      strings.TrimSpace(opts.Token),
	}
}

// SetToken swaps the session token, e.g. after a login state change. An
// empty token logs the client out.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) Authorized() bool {
	return c.currentToken() != ""
}

func (c *HTTPClient) CanChange() bool {
	return c.Authorized() && !c.readOnly
}

// Fetch lists bookmarks. Without a session the anonymous defaults are
// returned.
func (c *HTTPClient) Fetch(ctx context.Context, anonymous bool) ([]bookmark.Bookmark, error) {
	anonymous = anonymous || !c.Authorized()
	q := url.Values{}
	q.Set("anonymous", strconv.FormatBool(anonymous))
	var out bookmarkList
	if err := c.doJSON(ctx, http.MethodGet, "/api/bookmarks?"+q.Encode(), !anonymous, nil, &out); err != nil {
		return nil, err
	}
	return out.toBookmarks(), nil
}

func (c *HTTPClient) Add(ctx context.Context, b bookmark.Bookmark) ([]bookmark.Bookmark, error) {
	if !c.Authorized() {
		return nil, ErrUnauthorized
	}
	link := b.Link
	if link == "" {
		link = b.Filter.Link()
	}
	body := map[string]any{
		"title": b.Title,
		"link":  link,
	}
	var out bookmarkList
	if err := c.doJSON(ctx, http.MethodPost, "/api/bookmarks", true, body, &out); err != nil {
		return nil, err
	}
	return out.toBookmarks(), nil
}

func (c *HTTPClient) Delete(ctx context.Context, title string) ([]bookmark.Bookmark, error) {
	if !c.Authorized() {
		return nil, ErrUnauthorized
	}
	q := url.Values{}
	q.Set("title", title)
	var out bookmarkList
	if err := c.doJSON(ctx, http.MethodDelete, "/api/bookmarks?"+q.Encode(), true, nil, &out); err != nil {
		return nil, err
	}
	return out.toBookmarks(), nil
}

// SendMessage sends a private message. Failures the server attributes to
// the user come back as *UserError.
func (c *HTTPClient) SendMessage(ctx context.Context, recipient, message string) error {
	if !c.Authorized() {
		return ErrUnauthorized
	}
	body := map[string]any{
		"recipient": recipient,
		"message":   message,
	}
	var out struct {
		Error string `json:"error"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/inbox/send", true, body, &out); err != nil {
		return err
	}
	switch out.Error {
	case "":
		return nil
	case "senderIsRecipient":
		return &UserError{Key: KeySenderIsRecipient}
	default:
		return &UserError{Key: "error_unknown", Code: out.Error}
	}
}

// InboxCounts is the number of unread inbox items per kind.
type InboxCounts struct {
	Comments      int `json:"comments"`
	Mentions      int `json:"mentions"`
	Messages      int `json:"messages"`
	Notifications int `json:"notifications"`
}

func (c *HTTPClient) InboxCounts(ctx context.Context) (InboxCounts, error) {
	if !c.Authorized() {
		return InboxCounts{}, ErrUnauthorized
	}
	var out InboxCounts
	if err := c.doJSON(ctx, http.MethodGet, "/api/inbox/counts", true, nil, &out); err != nil {
		return InboxCounts{}, err
	}
	return out, nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	authenticated bool,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if authenticated {
			req.Header.Set("Authorization", "Bearer "+c.currentToken())
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "marksync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
