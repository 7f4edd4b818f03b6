package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marksync/internal/bookmark"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, token string) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewHTTPClient(server.URL, ClientOptions{Token: token})
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func writeList(w http.ResponseWriter, list ...remoteBookmark) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(bookmarkList{Bookmarks: list})
}

func TestFetchSendsTokenAndParsesLinks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/bookmarks", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("anonymous"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "marksync_"))
		writeList(w,
			remoteBookmark{Title: "Cats", Link: "new/cats"},
			remoteBookmark{Title: "Top", Link: "top", Trending: true, Immutable: true},
		)
	}, "secret")

	got, err := client.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []bookmark.Bookmark{
		{Title: "Cats", Filter: bookmark.FeedFilter{Feed: bookmark.FeedNew, Tags: "cats"}, Link: "new/cats"},
		{Title: "Top", Filter: bookmark.FeedFilter{Feed: bookmark.FeedPromoted}, Link: "top", Trending: true, Immutable: true},
	}, got)
}

func TestFetchWithoutSessionIsAnonymous(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("anonymous"))
		assert.Empty(t, r.Header.Get("Authorization"))
		writeList(w, remoteBookmark{Title: "Default", Link: "top"})
	}, "")

	got, err := client.Fetch(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Default", got[0].Title)
}

func TestAddPostsTitleAndLink(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"title": "Cats", "link": "new/cats"}, body)
		writeList(w, remoteBookmark{Title: "Cats", Link: "new/cats"})
	}, "secret")

	got, err := client.Add(context.Background(), bookmark.Bookmark{
		Title:  "Cats",
		Filter: bookmark.FeedFilter{Feed: bookmark.FeedNew, Tags: "cats"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestDeleteSendsTitleQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "cats & dogs", r.URL.Query().Get("title"))
		writeList(w)
	}, "secret")

	got, err := client.Delete(context.Background(), "cats & dogs")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChangesRequireSession(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, "")

	_, err := client.Add(context.Background(), bookmark.Bookmark{Title: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = client.Delete(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(0), calls.Load())
}

func TestAuthorizedAndCanChange(t *testing.T) {
	client := NewHTTPClient("", ClientOptions{})
	assert.False(t, client.Authorized())
	assert.False(t, client.CanChange())

	client.SetToken("secret")
	assert.True(t, client.Authorized())
	assert.True(t, client.CanChange())

	readOnly := NewHTTPClient("", ClientOptions{Token: "secret", ReadOnly: true})
	assert.True(t, readOnly.Authorized())
	assert.False(t, readOnly.CanChange())
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeList(w, remoteBookmark{Title: "ok", Link: "top"})
	}, "secret")

	got, err := client.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnauthorizedStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"token_expired","message":"expired"}`))
	}, "secret")

	_, err := client.Fetch(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "token_expired", httpErr.Code)
}

func TestSendMessageReportsUserError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/inbox/send", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["recipient"] == "me" {
			_, _ = w.Write([]byte(`{"error":"senderIsRecipient"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}, "secret")

	err := client.SendMessage(context.Background(), "me", "hello")
	var userErr *UserError
	require.True(t, errors.As(err, &userErr))
	assert.Equal(t, KeySenderIsRecipient, userErr.Key)

	assert.NoError(t, client.SendMessage(context.Background(), "you", "hello"))
}

func TestInboxCounts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/inbox/counts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"comments":2,"messages":1}`))
	}, "secret")

	counts, err := client.InboxCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InboxCounts{Comments: 2, Messages: 1}, counts)

	client.SetToken("")
	_, err = client.InboxCounts(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}

func TestRetryDelayBacksOffToMax(t *testing.T) {
	client := NewHTTPClient("", ClientOptions{})
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 200*time.Millisecond, client.retryDelay(2, ""))
	assert.Equal(t, 2*time.Second, client.retryDelay(10, ""))
	assert.Equal(t, 2*time.Second, client.retryDelay(1, "30"))
}
