// Package session reports login state changes. Each change is delivered as
// an Event carrying the token to use from then on.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Event struct {
	LoggedIn bool   `json:"loggedIn"`
	User     string `json:"user,omitempty"`
	Token    string `json:"token,omitempty"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// WebSocketSource reads JSON events pushed by the service. The connection is
// re-established with backoff until ctx is done.
type WebSocketSource struct {
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     Logger
}

func (s *WebSocketSource) Run(ctx context.Context, out chan<- Event) error {
	if strings.TrimSpace(s.URL) == "" {
		return errors.New("session url is required")
	}
	minBackoff := s.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	maxBackoff := s.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	backoff := minBackoff
	for {
		received, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff = minBackoff
		}
		logf(s.Logger, "session stream closed: %v; reconnecting in %s", err, backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session reads one connection until it fails. It reports whether any event
// arrived.
func (s *WebSocketSource) session(ctx context.Context, out chan<- Event) (bool, error) {
	var opts *websocket.DialOptions
	if s.Token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{}}
		opts.HTTPHeader.Set("Authorization", "Bearer "+s.Token)
	}
	conn, _, err := websocket.Dial(ctx, s.URL, opts)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	received := false
	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return received, err
		}
		received = true
		select {
		case out <- ev:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}

// FileSource watches a JSON session file holding {"user", "token"}. A
// missing or empty file means logged out. The current state is sent once on
// start.
type FileSource struct {
	Path   string
	Logger Logger
}

func (s *FileSource) Run(ctx context.Context, out chan<- Event) error {
	path := filepath.Clean(strings.TrimSpace(s.Path))
	if path == "" || path == "." {
		return errors.New("session file is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create session watcher: %w", err)
	}
	defer watcher.Close()
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch session directory: %w", err)
	}

	last := s.read(path)
	if !send(ctx, out, last) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			current := s.read(path)
			if current == last {
				continue
			}
			last = current
			if !send(ctx, out, current) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf(s.Logger, "session watcher error: %v", err)
		}
	}
}

func (s *FileSource) read(path string) Event {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logf(s.Logger, "read session file: %v", err)
		}
		return Event{}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Event{}
	}
	var payload struct {
		User  string `json:"user"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		logf(s.Logger, "parse session file: %v", err)
		return Event{}
	}
	token := strings.TrimSpace(payload.Token)
	return Event{LoggedIn: token != "", User: payload.User, Token: token}
}

// Debounce calls fn with the last event of every burst once no new event
// arrived for window. It returns when in is closed or ctx is done; a burst
// still pending when in closes is delivered.
func Debounce(ctx context.Context, in <-chan Event, window time.Duration, fn func(Event)) {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	timer := time.NewTimer(window)
	timer.Stop()
	defer timer.Stop()

	var pending Event
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				if dirty {
					fn(pending)
				}
				return
			}
			pending, dirty = ev, true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(window)
		case <-timer.C:
			if dirty {
				dirty = false
				fn(pending)
			}
		}
	}
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
