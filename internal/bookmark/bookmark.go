// Package bookmark defines the bookmark record and the policy deciding which
// bookmarks may be shared with the remote service.
package bookmark

import (
	"slices"

	"golang.org/x/text/cases"
)

// MaxTitleLength bounds stored titles. Longer titles are dropped on restore
// and never synced.
const MaxTitleLength = 255

type Bookmark struct {
	Title     string     `json:"title" yaml:"title"`
	Filter    FeedFilter `json:"filter" yaml:"filter"`
	Trending  bool       `json:"trending" yaml:"trending"`
	Link      string     `json:"link,omitempty" yaml:"link,omitempty"`
	Immutable bool       `json:"immutable" yaml:"immutable"`
}

// HasTitle compares titles exactly.
func (b Bookmark) HasTitle(title string) bool {
	return b.Title == title
}

// Key returns the case folded title used to detect duplicates.
func (b Bookmark) Key() string {
	return Key(b.Title)
}

// Key folds a title for case-insensitive comparison. A Caser keeps state,
// so every call gets its own.
func Key(title string) string {
	return cases.Fold().String(title)
}

// Migrate stamps the bookmark with the link derived from its filter.
func (b Bookmark) Migrate() Bookmark {
	b.Link = b.Filter.Link()
	return b
}

// Dedupe removes later bookmarks whose title folds to an already seen one.
func Dedupe(bookmarks []Bookmark) []Bookmark {
	seen := make(map[string]struct{}, len(bookmarks))
	out := make([]Bookmark, 0, len(bookmarks))
	for _, b := range bookmarks {
		key := b.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}
	return out
}

func Equal(a, b []Bookmark) bool {
	return slices.Equal(a, b)
}
