package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marksync/internal/persist"
	"github.com/agentworkforce/marksync/internal/remote"
)

type fakeSender struct {
	sent      []string
	counts    remote.InboxCounts
	countsErr error
}

func (f *fakeSender) InboxCounts(context.Context) (remote.InboxCounts, error) {
	return f.counts, f.countsErr
}

func (f *fakeSender) SendMessage(_ context.Context, recipient, message string) error {
	if recipient == "me" {
		return &remote.UserError{Key: remote.KeySenderIsRecipient}
	}
	f.sent = append(f.sent, recipient+": "+message)
	return nil
}

func TestSendSurfacesUserError(t *testing.T) {
	sender := &fakeSender{}
	svc := New(sender, persist.NewMemoryKV(), nil)

	err := svc.Send(context.Background(), "me", "hi")
	var userErr *remote.UserError
	require.True(t, errors.As(err, &userErr))
	assert.Equal(t, remote.KeySenderIsRecipient, userErr.Key)

	require.NoError(t, svc.Send(context.Background(), "cha0s", "hi"))
	assert.Equal(t, []string{"cha0s: hi"}, sender.sent)
}

func TestSendRequiresRecipientAndMessage(t *testing.T) {
	svc := New(&fakeSender{}, persist.NewMemoryKV(), nil)
	assert.ErrorIs(t, svc.Send(context.Background(), " ", "hi"), ErrInvalidInput)
	assert.ErrorIs(t, svc.Send(context.Background(), "cha0s", ""), ErrInvalidInput)
}

func TestReadWatermark(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemoryKV()
	svc := New(&fakeSender{}, kv, nil)
	base := time.UnixMilli(1_700_000_000_000)

	unread, err := svc.IsUnread(ctx, base)
	require.NoError(t, err)
	assert.True(t, unread)

	require.NoError(t, svc.MarkAsRead(ctx, base))
	unread, err = svc.IsUnread(ctx, base)
	require.NoError(t, err)
	assert.False(t, unread)
	unread, err = svc.IsUnread(ctx, base.Add(time.Millisecond))
	require.NoError(t, err)
	assert.True(t, unread)

	// marking an older message does not move the watermark back
	require.NoError(t, svc.MarkAsRead(ctx, base.Add(-time.Hour)))
	raw, ok, err := kv.Get(ctx, ReadWatermarkKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1700000000000", raw)

	require.NoError(t, svc.ForgetReadMessages(ctx))
	unread, err = svc.IsUnread(ctx, base)
	require.NoError(t, err)
	assert.True(t, unread)
}

func TestInvalidWatermarkCountsAsUnread(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, ReadWatermarkKey, "garbage"))

	unread, err := New(&fakeSender{}, kv, nil).IsUnread(ctx, time.UnixMilli(1))
	require.NoError(t, err)
	assert.True(t, unread)
}

func TestUnreadCountsLateSubscriberGetsLatest(t *testing.T) {
	svc := New(&fakeSender{}, persist.NewMemoryKV(), nil)
	svc.PublishUnreadCount(Counts{Messages: 1})
	svc.PublishUnreadCount(Counts{Messages: 2, Comments: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	counts := svc.UnreadCounts(ctx)

	select {
	case c := <-counts:
		assert.Equal(t, Counts{Messages: 2, Comments: 1}, c)
		assert.Equal(t, 3, c.Total())
	case <-time.After(2 * time.Second):
		t.Fatal("no counts received")
	}

	svc.PublishUnreadCount(Counts{})
	select {
	case c := <-counts:
		assert.Equal(t, Counts{}, c)
	case <-time.After(2 * time.Second):
		t.Fatal("no counts received")
	}
}

func TestRefreshUnreadCountsPublishes(t *testing.T) {
	sender := &fakeSender{counts: remote.InboxCounts{Messages: 4, Mentions: 1}}
	svc := New(sender, persist.NewMemoryKV(), nil)

	_, ok := svc.LatestUnreadCounts()
	assert.False(t, ok)

	counts, err := svc.RefreshUnreadCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Messages: 4, Mentions: 1}, counts)

	latest, ok := svc.LatestUnreadCounts()
	require.True(t, ok)
	assert.Equal(t, 5, latest.Total())

	sender.countsErr = remote.ErrUnauthorized
	_, err = svc.RefreshUnreadCounts(context.Background())
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
	latest, _ = svc.LatestUnreadCounts()
	assert.Equal(t, 5, latest.Total())
}
