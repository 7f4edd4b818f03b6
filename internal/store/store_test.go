package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marksync/internal/bookmark"
)

func titles(bookmarks []bookmark.Bookmark) []string {
	out := make([]string, 0, len(bookmarks))
	for _, b := range bookmarks {
		out = append(out, b.Title)
	}
	return out
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestReplaceAdvancesVersion(t *testing.T) {
	s := New([]bookmark.Bookmark{{Title: "a"}})
	assert.Equal(t, uint64(0), s.Current().Version)

	snap := s.Replace([]bookmark.Bookmark{{Title: "b"}})
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, []string{"b"}, titles(s.Current().Bookmarks))
}

func TestReplaceCopiesInput(t *testing.T) {
	in := []bookmark.Bookmark{{Title: "a"}}
	s := New(nil)
	s.Replace(in)
	in[0].Title = "mutated"
	assert.Equal(t, "a", s.Current().Bookmarks[0].Title)
}

func TestCompareAndReplaceRejectsStaleVersion(t *testing.T) {
	s := New(nil)
	base := s.Current().Version

	s.Replace([]bookmark.Bookmark{{Title: "local"}})

	_, ok := s.CompareAndReplace(base, []bookmark.Bookmark{{Title: "remote"}})
	assert.False(t, ok)
	assert.Equal(t, []string{"local"}, titles(s.Current().Bookmarks))

	snap, ok := s.CompareAndReplace(s.Current().Version, []bookmark.Bookmark{{Title: "remote"}})
	assert.True(t, ok)
	assert.Equal(t, uint64(2), snap.Version)
}

func TestUpdateInPlaceFilterLeavesOldSnapshot(t *testing.T) {
	s := New([]bookmark.Bookmark{{Title: "a"}, {Title: "b"}, {Title: "c"}})
	before := s.Current()

	after := s.Update(func(list []bookmark.Bookmark) []bookmark.Bookmark {
		out := list[:0]
		for _, b := range list {
			if b.Title != "a" {
				out = append(out, b)
			}
		}
		return out
	})

	assert.Equal(t, []string{"b", "c"}, titles(after.Bookmarks))
	assert.Equal(t, []string{"a", "b", "c"}, titles(before.Bookmarks))
}

func TestUpdateIsAtomicUnderConcurrency(t *testing.T) {
	s := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update(func(list []bookmark.Bookmark) []bookmark.Bookmark {
				return append(list, bookmark.Bookmark{Title: fmt.Sprintf("b%d", i)})
			})
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.Current().Bookmarks, 50)
	assert.Equal(t, uint64(50), s.Current().Version)
}

func TestByTitleIsCaseSensitive(t *testing.T) {
	s := New([]bookmark.Bookmark{{Title: "Cats"}})
	_, ok := s.ByTitle("cats")
	assert.False(t, ok)
	b, ok := s.ByTitle("Cats")
	assert.True(t, ok)
	assert.Equal(t, "Cats", b.Title)
}

func TestByFilter(t *testing.T) {
	filter := bookmark.FeedFilter{Feed: bookmark.FeedNew, Tags: "cats"}
	s := New([]bookmark.Bookmark{{Title: "Cats", Filter: filter}})
	b, ok := s.ByFilter(bookmark.FeedFilter{Feed: bookmark.FeedNew, Tags: "cats"})
	assert.True(t, ok)
	assert.Equal(t, "Cats", b.Title)
	_, ok = s.ByFilter(bookmark.FeedFilter{Feed: bookmark.FeedNew, Tags: "dogs"})
	assert.False(t, ok)
}

func TestObserveSortsTrendingFirst(t *testing.T) {
	s := New([]bookmark.Bookmark{
		{Title: "Zoo", Trending: false},
		{Title: "Ants", Trending: true},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view := receive(t, s.Observe(ctx))
	assert.Equal(t, []bookmark.Bookmark{
		{Title: "Ants", Trending: true},
		{Title: "Zoo", Trending: false},
	}, view)
}

func TestObserveSortsCaseInsensitively(t *testing.T) {
	view := Sorted([]bookmark.Bookmark{{Title: "beta"}, {Title: "Alpha"}, {Title: "gamma", Trending: true}})
	assert.Equal(t, []string{"gamma", "Alpha", "beta"}, titles(view))
}

func TestObserveSuppressesEqualViews(t *testing.T) {
	s := New([]bookmark.Bookmark{{Title: "a"}, {Title: "b"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	views := s.Observe(ctx)

	assert.Equal(t, []string{"a", "b"}, titles(receive(t, views)))

	// same content in a different order sorts to the same view
	s.Replace([]bookmark.Bookmark{{Title: "b"}, {Title: "a"}})
	s.Replace([]bookmark.Bookmark{{Title: "c"}})

	assert.Equal(t, []string{"c"}, titles(receive(t, views)))
}

func TestLateObserverReceivesCurrentValue(t *testing.T) {
	s := New(nil)
	s.Replace([]bookmark.Bookmark{{Title: "first"}})
	s.Replace([]bookmark.Bookmark{{Title: "second"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Equal(t, []string{"second"}, titles(receive(t, s.Observe(ctx))))
}

func TestWatchDeliversEverySnapshotInOrder(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := s.Watch(ctx)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.Replace([]bookmark.Bookmark{{Title: fmt.Sprintf("%d-%d", w, i)}})
			}
		}(w)
	}

	var last uint64
	for i := 0; i <= writers*perWriter; i++ {
		snap := receive(t, snapshots)
		if i > 0 {
			require.Equal(t, last+1, snap.Version)
		}
		last = snap.Version
	}
	wg.Wait()
	assert.Equal(t, uint64(writers*perWriter), last)
}

func TestWatchClosesOnCancel(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	snapshots := s.Watch(ctx)
	receive(t, snapshots)
	cancel()

	select {
	case _, ok := <-snapshots:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch channel not closed")
	}
}
