// Package store holds the current bookmark snapshot and broadcasts every
// replacement to its observers.
//
// Snapshots are never modified after publication. Writers are serialized by
// a single lock, readers load the latest snapshot without locking.
package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/marksync/internal/bookmark"
)

// Snapshot is the bookmark list as of one replacement. Version increases by
// one with every replacement and identifies the snapshot for optimistic
// commits. Bookmarks must be treated as read-only.
type Snapshot struct {
	Version   uint64
	Bookmarks []bookmark.Bookmark
}

type Store struct {
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func New(initial []bookmark.Bookmark) *Store {
	s := &Store{subs: map[*subscriber]struct{}{}}
	s.current.Store(&Snapshot{Bookmarks: slices.Clone(initial)})
	return s
}

func (s *Store) Current() Snapshot {
	return *s.current.Load()
}

// Replace publishes bookmarks as the new snapshot.
func (s *Store) Replace(bookmarks []bookmark.Bookmark) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(bookmarks)
}

// Update replaces the snapshot with fn applied to a copy of the current list.
// fn owns that copy and may filter it in place, so the copy must stay.
// fn runs under the writer lock and must not call back into the store.
func (s *Store) Update(fn func([]bookmark.Bookmark) []bookmark.Bookmark) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	return s.publishLocked(fn(slices.Clone(cur.Bookmarks)))
}

// CompareAndReplace publishes bookmarks only if the current snapshot still
// has the given version.
func (s *Store) CompareAndReplace(version uint64, bookmarks []bookmark.Bookmark) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	if cur.Version != version {
		return *cur, false
	}
	return s.publishLocked(bookmarks), true
}

func (s *Store) publishLocked(bookmarks []bookmark.Bookmark) Snapshot {
	prev := s.current.Load()
	next := &Snapshot{
		Version:   prev.Version + 1,
		Bookmarks: slices.Clone(bookmarks),
	}
	s.current.Store(next)
	for sub := range s.subs {
		sub.push(*next)
	}
	return *next
}

func (s *Store) ByTitle(title string) (bookmark.Bookmark, bool) {
	for _, b := range s.Current().Bookmarks {
		if b.HasTitle(title) {
			return b, true
		}
	}
	return bookmark.Bookmark{}, false
}

func (s *Store) ByFilter(filter bookmark.FeedFilter) (bookmark.Bookmark, bool) {
	for _, b := range s.Current().Bookmarks {
		if b.Filter.Equal(filter) {
			return b, true
		}
	}
	return bookmark.Bookmark{}, false
}

// Watch streams every snapshot in publication order, starting with the
// current one. The channel is closed when ctx is done.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot {
	sub := newSubscriber()
	s.mu.Lock()
	sub.push(*s.current.Load())
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	out := make(chan Snapshot)
	go func() {
		defer close(out)
		defer s.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
			}
			for _, snap := range sub.drain() {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Observe streams the sorted view of every snapshot, skipping views equal to
// the previously emitted one.
func (s *Store) Observe(ctx context.Context) <-chan []bookmark.Bookmark {
	snapshots := s.Watch(ctx)
	out := make(chan []bookmark.Bookmark)
	go func() {
		defer close(out)
		var last []bookmark.Bookmark
		emitted := false
		for snap := range snapshots {
			view := Sorted(snap.Bookmarks)
			if emitted && bookmark.Equal(last, view) {
				continue
			}
			select {
			case out <- view:
			case <-ctx.Done():
				return
			}
			last, emitted = view, true
		}
	}()
	return out
}

func (s *Store) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// Sorted returns trending bookmarks first, then everything by lower cased
// title.
func Sorted(bookmarks []bookmark.Bookmark) []bookmark.Bookmark {
	out := slices.Clone(bookmarks)
	slices.SortStableFunc(out, func(a, b bookmark.Bookmark) int {
		if a.Trending != b.Trending {
			if a.Trending {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	})
	return out
}

// subscriber buffers snapshots without bound so publishing never waits for
// a slow reader.
type subscriber struct {
	mu      sync.Mutex
	pending []Snapshot
	wake    chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{wake: make(chan struct{}, 1)}
}

func (s *subscriber) push(snap Snapshot) {
	s.mu.Lock()
	s.pending = append(s.pending, snap)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}
