package bookmark

import "unicode/utf8"

// Syncable reports whether b may be pushed to or pulled from the remote
// service. Random or controversial orderings cannot be reproduced on another
// device, and the remote side rejects long titles and links.
func Syncable(b Bookmark) bool {
	feed := b.Filter.normalized().Feed
	if feed.Known() && !feed.Listable() {
		return false
	}
	return utf8.RuneCountInString(b.Title) < MaxTitleLength &&
		utf8.RuneCountInString(b.Filter.Link()) < MaxTitleLength
}

// Synced reports whether b is known to exist remotely.
func Synced(b Bookmark) bool {
	return b.Link != "" && Syncable(b)
}

// TitleFits reports whether the title is short enough to be kept at all.
func TitleFits(b Bookmark) bool {
	return utf8.RuneCountInString(b.Title) <= MaxTitleLength
}
