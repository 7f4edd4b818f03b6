package bookmark

import (
	"fmt"
	"net/url"
	"strings"
)

type FeedType string

const (
	FeedNew           FeedType = "NEW"
	FeedPromoted      FeedType = "PROMOTED"
	FeedStalk         FeedType = "STALK"
	FeedRandom        FeedType = "RANDOM"
	FeedControversial FeedType = "CONTROVERSIAL"
)

var knownFeedTypes = map[FeedType]struct{}{
	FeedNew:           {},
	FeedPromoted:      {},
	FeedStalk:         {},
	FeedRandom:        {},
	FeedControversial: {},
}

// Known reports whether t is one of the feed types this client understands.
func (t FeedType) Known() bool {
	_, ok := knownFeedTypes[t]
	return ok
}

// Listable reports whether feeds of this type have a stable, reproducible
// order and can therefore be shared between devices.
func (t FeedType) Listable() bool {
	return t == FeedNew || t == FeedPromoted
}

// FeedFilter is the query a bookmark reopens. The zero Feed means the
// default (promoted) feed.
type FeedFilter struct {
	Feed     FeedType
	Tags     string
	Username string
	Likes    string
}

func (f FeedFilter) normalized() FeedFilter {
	f.Feed = FeedType(strings.ToUpper(strings.TrimSpace(string(f.Feed))))
	if f.Feed == "" {
		f.Feed = FeedPromoted
	}
	f.Tags = strings.TrimSpace(f.Tags)
	f.Username = strings.TrimSpace(f.Username)
	f.Likes = strings.TrimSpace(f.Likes)
	return f
}

func (f FeedFilter) Equal(other FeedFilter) bool {
	return f.normalized() == other.normalized()
}

// IsBasic reports whether the filter is just a plain feed without any
// narrowing query.
func (f FeedFilter) IsBasic() bool {
	f = f.normalized()
	return f.Tags == "" && f.Username == "" && f.Likes == ""
}

// Link renders the path the remote side uses to identify a bookmark.
func (f FeedFilter) Link() string {
	f = f.normalized()
	var prefix string
	switch f.Feed {
	case FeedPromoted:
		prefix = "top"
	case FeedNew:
		prefix = "new"
	default:
		prefix = strings.ToLower(string(f.Feed))
	}
	parts := []string{prefix}
	if f.Username != "" {
		parts = append(parts, "user", url.PathEscape(f.Username))
	}
	if f.Tags != "" {
		parts = append(parts, url.PathEscape(f.Tags))
	}
	return strings.Join(parts, "/")
}

func (f FeedFilter) String() string {
	q := url.Values{}
	if f.Feed != "" {
		q.Set("feed", string(f.Feed))
	}
	if f.Tags != "" {
		q.Set("tags", f.Tags)
	}
	if f.Username != "" {
		q.Set("user", f.Username)
	}
	if f.Likes != "" {
		q.Set("likes", f.Likes)
	}
	return q.Encode()
}

func ParseFeedFilter(raw string) (FeedFilter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return FeedFilter{}, nil
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return FeedFilter{}, fmt.Errorf("parse feed filter %q: %w", raw, err)
	}
	return FeedFilter{
		Feed:     FeedType(strings.ToUpper(strings.TrimSpace(q.Get("feed")))),
		Tags:     q.Get("tags"),
		Username: q.Get("user"),
		Likes:    q.Get("likes"),
	}, nil
}

func (f FeedFilter) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FeedFilter) UnmarshalText(data []byte) error {
	parsed, err := ParseFeedFilter(string(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseLink reverses Link. Unknown prefixes are kept as the feed type.
func ParseLink(link string) FeedFilter {
	parts := strings.Split(strings.Trim(strings.TrimSpace(link), "/"), "/")
	var f FeedFilter
	switch parts[0] {
	case "", "top":
		f.Feed = FeedPromoted
	case "new":
		f.Feed = FeedNew
	default:
		f.Feed = FeedType(strings.ToUpper(parts[0]))
	}
	rest := parts[1:]
	if len(rest) >= 2 && rest[0] == "user" {
		f.Username = unescapePath(rest[1])
		rest = rest[2:]
	}
	if len(rest) > 0 {
		f.Tags = unescapePath(strings.Join(rest, "/"))
	}
	return f
}

func unescapePath(s string) string {
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}
