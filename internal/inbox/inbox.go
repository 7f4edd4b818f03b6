// Package inbox sends private messages and tracks which messages the user
// has already read.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/marksync/internal/persist"
	"github.com/agentworkforce/marksync/internal/remote"
)

// ReadWatermarkKey stores the creation time (unix millis) of the newest
// message marked as read.
const ReadWatermarkKey = "Inbox.maxReadTimestamp"

var ErrInvalidInput = errors.New("invalid input")

// Client is the part of the remote service the inbox talks to.
type Client interface {
	SendMessage(ctx context.Context, recipient, message string) error
	InboxCounts(ctx context.Context) (remote.InboxCounts, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Counts struct {
	Comments      int `json:"comments" yaml:"comments"`
	Mentions      int `json:"mentions" yaml:"mentions"`
	Messages      int `json:"messages" yaml:"messages"`
	Notifications int `json:"notifications" yaml:"notifications"`
}

func (c Counts) Total() int {
	return c.Comments + c.Mentions + c.Messages + c.Notifications
}

type Service struct {
	client Client
	kv     persist.KV
	logger Logger

	mu        sync.Mutex
	counts    Counts
	published bool
	subs      map[chan Counts]struct{}
}

func New(client Client, kv persist.KV, logger Logger) *Service {
	return &Service{
		client: client,
		kv:     kv,
		logger: logger,
		subs:   map[chan Counts]struct{}{},
	}
}

// Send delivers a private message. Messages the service refuses for the user
// come back as *remote.UserError.
func (s *Service) Send(ctx context.Context, recipient, message string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: recipient and message are required", ErrInvalidInput)
	}
	return s.client.SendMessage(ctx, recipient, message)
}

// MarkAsRead marks every message created at or before ts as read.
func (s *Service) MarkAsRead(ctx context.Context, ts time.Time) error {
	unread, err := s.IsUnread(ctx, ts)
	if err != nil || !unread {
		return err
	}
	s.logf("marking messages up to %s as read", ts.UTC().Format(time.RFC3339))
	return s.kv.Set(ctx, ReadWatermarkKey, strconv.FormatInt(ts.UnixMilli(), 10))
}

func (s *Service) IsUnread(ctx context.Context, ts time.Time) (bool, error) {
	watermark, err := s.watermark(ctx)
	if err != nil {
		return false, err
	}
	return ts.UnixMilli() > watermark, nil
}

// ForgetReadMessages resets the read state, e.g. on logout.
func (s *Service) ForgetReadMessages(ctx context.Context) error {
	return s.kv.Set(ctx, ReadWatermarkKey, "0")
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	raw, ok, err := s.kv.Get(ctx, ReadWatermarkKey)
	if err != nil {
		return 0, fmt.Errorf("read inbox watermark: %w", err)
	}
	if !ok {
		return 0, nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		s.logf("ignoring invalid inbox watermark %q", raw)
		return 0, nil
	}
	return value, nil
}

// RefreshUnreadCounts fetches the unread counts and publishes them.
func (s *Service) RefreshUnreadCounts(ctx context.Context) (Counts, error) {
	fetched, err := s.client.InboxCounts(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("fetch inbox counts: %w", err)
	}
	counts := Counts(fetched)
	s.PublishUnreadCount(counts)
	return counts, nil
}

// LatestUnreadCounts returns the last published counts, if any.
func (s *Service) LatestUnreadCounts() (Counts, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts, s.published
}

func (s *Service) PublishUnreadCount(counts Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts, s.published = counts, true
	for ch := range s.subs {
		offerLatest(ch, counts)
	}
}

// UnreadCounts streams unread counts, starting with the latest published
// one. Slow readers only see the most recent value.
func (s *Service) UnreadCounts(ctx context.Context) <-chan Counts {
	ch := make(chan Counts, 1)
	s.mu.Lock()
	if s.published {
		ch <- s.counts
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	out := make(chan Counts)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case counts := <-ch:
				select {
				case out <- counts:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// offerLatest replaces whatever value ch still holds. Callers hold s.mu, so
// there is a single writer per channel.
func offerLatest(ch chan Counts, counts Counts) {
	select {
	case <-ch:
	default:
	}
	ch <- counts
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
