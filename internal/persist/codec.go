package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/marksync/internal/bookmark"
)

// StorageKey is the key the bookmark list is stored under.
const StorageKey = "Bookmarks.json"

const bookmarksSchemaURL = "https://schemas.marksync.dev/bookmarks.json"

const bookmarksSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string"},
			"filter": {"type": ["string", "null"]},
			"trending": {"type": "boolean"},
			"link": {"type": ["string", "null"]},
			"immutable": {"type": "boolean"}
		}
	}
}`

var compileBookmarksSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bookmarksSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(bookmarksSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(bookmarksSchemaURL)
})

func Encode(bookmarks []bookmark.Bookmark) (string, error) {
	if bookmarks == nil {
		bookmarks = []bookmark.Bookmark{}
	}
	data, err := json.Marshal(bookmarks)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses the stored form after checking it against the bookmark
// schema.
func Decode(data string) ([]bookmark.Bookmark, error) {
	schema, err := compileBookmarksSchema()
	if err != nil {
		return nil, fmt.Errorf("compile bookmark schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse stored bookmarks: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid stored bookmarks: %w", err)
	}
	var out []bookmark.Bookmark
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode stored bookmarks: %w", err)
	}
	return out, nil
}

// DropOversized removes bookmarks whose title is too long to keep.
func DropOversized(bookmarks []bookmark.Bookmark) []bookmark.Bookmark {
	out := make([]bookmark.Bookmark, 0, len(bookmarks))
	for _, b := range bookmarks {
		if bookmark.TitleFits(b) {
			out = append(out, b)
		}
	}
	return out
}

// Restore loads the stored bookmarks. Missing or unreadable state yields an
// empty list; the error is only logged. Titles clashing case-insensitively
// keep their first occurrence.
func Restore(ctx context.Context, kv KV, logger Logger) []bookmark.Bookmark {
	raw, ok, err := kv.Get(ctx, StorageKey)
	if err != nil {
		logf(logger, "failed to read stored bookmarks: %v", err)
		return []bookmark.Bookmark{}
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []bookmark.Bookmark{}
	}
	bookmarks, err := Decode(raw)
	if err != nil {
		logf(logger, "discarding stored bookmarks: %v", err)
		return []bookmark.Bookmark{}
	}
	restored := bookmark.Dedupe(DropOversized(bookmarks))
	logf(logger, "restored %d bookmarks", len(restored))
	return restored
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
