package persist

import (
	"context"
	"time"

	"github.com/agentworkforce/marksync/internal/bookmark"
	"github.com/agentworkforce/marksync/internal/store"
)

const (
	DefaultQuietWindow = 100 * time.Millisecond
	finalWriteTimeout  = 5 * time.Second
)

type PersisterOptions struct {
	QuietWindow time.Duration
	Logger      Logger
}

// Persister writes the store's snapshots back to a KV. Bursts of
// replacements within the quiet window collapse into one write of the latest
// list.
type Persister struct {
	kv     KV
	store  *store.Store
	quiet  time.Duration
	logger Logger
	// start is the snapshot the KV already holds.
	start store.Snapshot
}

func NewPersister(kv KV, s *store.Store, opts PersisterOptions) *Persister {
	quiet := opts.QuietWindow
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	return &Persister{
		kv:     kv,
		store:  s,
		quiet:  quiet,
		logger: opts.Logger,
		start:  s.Current(),
	}
}

// Run blocks until ctx is done. A write still pending at that point is
// flushed before Run returns.
func (p *Persister) Run(ctx context.Context) {
	start := p.start
	snapshots := p.store.Watch(ctx)

	timer := time.NewTimer(p.quiet)
	timer.Stop()
	defer timer.Stop()

	// last is the newest list seen; written is the newest one the KV accepted.
	last, written := start.Bookmarks, start.Bookmarks
	var pending []bookmark.Bookmark
	dirty := false
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				// Replacements racing with shutdown may never reach the
				// channel, so compare against the store itself.
				current := p.store.Current().Bookmarks
				if !bookmark.Equal(written, current) {
					flushCtx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
					p.write(flushCtx, current)
					cancel()
				}
				return
			}
			// the restored snapshot is already stored
			if snap.Version <= start.Version {
				continue
			}
			if bookmark.Equal(last, snap.Bookmarks) {
				continue
			}
			last, pending, dirty = snap.Bookmarks, snap.Bookmarks, true
			timer.Reset(p.quiet)
		case <-timer.C:
			if dirty {
				if p.write(ctx, pending) {
					written = pending
				}
				dirty = false
			}
		}
	}
}

// write stores bookmarks and reports whether the KV accepted them.
func (p *Persister) write(ctx context.Context, bookmarks []bookmark.Bookmark) bool {
	data, err := Encode(bookmarks)
	if err != nil {
		logf(p.logger, "failed to encode bookmarks: %v", err)
		return false
	}
	logf(p.logger, "persisting %d bookmarks", len(bookmarks))
	if err := p.kv.Set(ctx, StorageKey, data); err != nil {
		logf(p.logger, "failed to persist bookmarks: %v", err)
		return false
	}
	return true
}
