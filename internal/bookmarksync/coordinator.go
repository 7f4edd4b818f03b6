// Package bookmarksync keeps the local bookmark store in step with the remote
// service.
//
// Local edits are applied to the store right away. Everything touching the
// remote service runs as a task on a single FIFO worker, and a task merges
// its remote result only if the store did not change while it was waiting on
// the network.
package bookmarksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentworkforce/marksync/internal/bookmark"
	"github.com/agentworkforce/marksync/internal/remote"
	"github.com/agentworkforce/marksync/internal/store"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrStopped      = errors.New("coordinator stopped")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
}

type Stats struct {
	Queued  int
	Applied uint64
	Skipped uint64
	Failed  uint64
}

type Coordinator struct {
	store     *store.Store
	transport remote.Transport
	logger    Logger
	queue     *taskQueue

	applied atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func New(s *store.Store, transport remote.Transport, opts Options) *Coordinator {
	return &Coordinator{
		store:     s,
		transport: transport,
		logger:    opts.Logger,
		queue:     newTaskQueue(),
	}
}

func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Run drains the task queue until ctx is done. Tasks still queued at that
// point fail with ErrStopped. Run must be called at most once.
func (c *Coordinator) Run(ctx context.Context) {
	defer func() {
		for _, t := range c.queue.Close() {
			t.setState(TaskFailed, ErrStopped)
		}
	}()
	for {
		t, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}
		c.execute(ctx, t)
	}
}

func (c *Coordinator) execute(ctx context.Context, t *task) {
	t.setState(TaskRunning, nil)
	applied, err := c.runRecovered(ctx, t)
	switch {
	case err != nil:
		if !t.barrier {
			c.failed.Add(1)
		}
		c.logf("task %s (%s) failed: %v", t.id, t.name, err)
		t.setState(TaskFailed, err)
	case applied:
		c.applied.Add(1)
		t.setState(TaskApplied, nil)
	default:
		if !t.barrier {
			c.skipped.Add(1)
		}
		t.setState(TaskSkipped, nil)
	}
}

func (c *Coordinator) runRecovered(ctx context.Context, t *task) (applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			applied, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return t.run(ctx)
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Queued:  c.queue.Depth(),
		Applied: c.applied.Load(),
		Skipped: c.skipped.Load(),
		Failed:  c.failed.Load(),
	}
}

func newTask(name string, run func(ctx context.Context) (bool, error)) *task {
	return &task{
		id:    uuid.NewString(),
		name:  name,
		run:   run,
		state: TaskQueued,
		done:  make(chan struct{}),
	}
}

func (c *Coordinator) submit(name string, run func(ctx context.Context) (bool, error)) *task {
	return c.enqueue(newTask(name, run))
}

func (c *Coordinator) enqueue(t *task) *task {
	if !c.queue.Enqueue(t) {
		t.setState(TaskFailed, ErrStopped)
	}
	return t
}

// reconcile runs fetch and merges its result into the store, unless the
// store moved on while fetch was in flight.
func (c *Coordinator) reconcile(ctx context.Context, fetch func(ctx context.Context) ([]bookmark.Bookmark, error)) (bool, error) {
	baseline := c.store.Current()
	remoteBookmarks, err := fetch(ctx)
	if err != nil {
		return false, err
	}
	merged := Merge(baseline.Bookmarks, remoteBookmarks)
	if _, ok := c.store.CompareAndReplace(baseline.Version, merged); !ok {
		c.logf("discarding remote bookmarks fetched at version %d", baseline.Version)
		return false, nil
	}
	return true, nil
}

// Merge keeps local bookmarks the remote side cannot know about, followed by
// the remote ones. On a title clash the local bookmark wins.
func Merge(local, remoteBookmarks []bookmark.Bookmark) []bookmark.Bookmark {
	merged := make([]bookmark.Bookmark, 0, len(local)+len(remoteBookmarks))
	for _, b := range local {
		if !bookmark.Synced(b) {
			merged = append(merged, b)
		}
	}
	merged = append(merged, remoteBookmarks...)
	return bookmark.Dedupe(merged)
}

// Update schedules a full refresh from the remote service.
func (c *Coordinator) Update() {
	c.submit("update", func(ctx context.Context) (bool, error) {
		return c.reconcile(ctx, func(ctx context.Context) ([]bookmark.Bookmark, error) {
			return c.transport.Fetch(ctx, false)
		})
	})
}

// Delete removes every bookmark titled like b and, if b is synced, deletes
// it remotely in the background.
func (c *Coordinator) Delete(b bookmark.Bookmark) {
	c.store.Update(func(list []bookmark.Bookmark) []bookmark.Bookmark {
		out := list[:0]
		for _, existing := range list {
			if !existing.HasTitle(b.Title) {
				out = append(out, existing)
			}
		}
		return out
	})

	if c.transport.Authorized() && bookmark.Syncable(b) {
		title := b.Title
		c.submit("delete", func(ctx context.Context) (bool, error) {
			return c.reconcile(ctx, func(ctx context.Context) ([]bookmark.Bookmark, error) {
				return c.transport.Delete(ctx, title)
			})
		})
	}
}

// Rename replaces the first bookmark titled like existing with a copy titled
// newTitle, or prepends that copy if there is none.
func (c *Coordinator) Rename(existing bookmark.Bookmark, newTitle string) error {
	if strings.TrimSpace(newTitle) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidInput)
	}
	renamed := existing
	renamed.Title = newTitle
	syncable := bookmark.Syncable(renamed)
	if syncable {
		renamed = renamed.Migrate()
	}

	key := bookmark.Key(newTitle)
	c.store.Update(func(list []bookmark.Bookmark) []bookmark.Bookmark {
		out := make([]bookmark.Bookmark, 0, len(list)+1)
		placed := false
		for _, b := range list {
			if !placed && b.HasTitle(existing.Title) {
				out = append(out, renamed)
				placed = true
				continue
			}
			if b.Key() == key {
				continue
			}
			out = append(out, b)
		}
		if !placed {
			out = append([]bookmark.Bookmark{renamed}, out...)
		}
		return out
	})

	if !c.transport.Authorized() {
		return nil
	}
	titleChanged := existing.Title != newTitle
	oldTitle := existing.Title
	switch {
	case !syncable && titleChanged:
		c.submit("rename-delete", func(ctx context.Context) (bool, error) {
			return c.reconcile(ctx, func(ctx context.Context) ([]bookmark.Bookmark, error) {
				return c.transport.Delete(ctx, oldTitle)
			})
		})
	case syncable:
		c.submit("rename", func(ctx context.Context) (bool, error) {
			return c.reconcile(ctx, func(ctx context.Context) ([]bookmark.Bookmark, error) {
				if titleChanged {
					if _, err := c.transport.Delete(ctx, oldTitle); err != nil {
						return nil, err
					}
				}
				return c.transport.Add(ctx, renamed)
			})
		})
	}
	return nil
}

func (c *Coordinator) Save(b bookmark.Bookmark) error {
	return c.Rename(b, b.Title)
}

// Restore pushes the service's default bookmarks that are missing locally
// and then refreshes. It waits for the remote work and returns its error.
func (c *Coordinator) Restore(ctx context.Context) error {
	t := c.submit("restore", func(ctx context.Context) (bool, error) {
		defaults, err := c.transport.Fetch(ctx, true)
		if err != nil {
			return false, fmt.Errorf("fetch default bookmarks: %w", err)
		}
		for _, d := range defaults {
			if d.Immutable {
				continue
			}
			if _, ok := c.store.ByTitle(d.Title); ok {
				continue
			}
			if _, err := c.transport.Add(ctx, d); err != nil {
				return false, fmt.Errorf("restore bookmark %q: %w", d.Title, err)
			}
		}
		return c.reconcile(ctx, func(ctx context.Context) ([]bookmark.Bookmark, error) {
			return c.transport.Fetch(ctx, false)
		})
	})
	return t.wait(ctx)
}

// Flush waits until every task submitted before it has finished.
func (c *Coordinator) Flush(ctx context.Context) error {
	t := newTask("flush", func(context.Context) (bool, error) { return false, nil })
	t.barrier = true
	return c.enqueue(t).wait(ctx)
}

// IsBookmarkable reports whether filter could be saved as a new bookmark.
func (c *Coordinator) IsBookmarkable(filter bookmark.FeedFilter) bool {
	if !c.transport.CanChange() || filter.IsBasic() || filter.Likes != "" {
		return false
	}
	_, exists := c.store.ByFilter(filter)
	return !exists
}

func (c *Coordinator) ByTitle(title string) (bookmark.Bookmark, bool) {
	return c.store.ByTitle(title)
}

func (c *Coordinator) ByFilter(filter bookmark.FeedFilter) (bookmark.Bookmark, bool) {
	return c.store.ByFilter(filter)
}

func (c *Coordinator) Observe(ctx context.Context) <-chan []bookmark.Bookmark {
	return c.store.Observe(ctx)
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
