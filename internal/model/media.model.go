package model

import (
	"regexp"
	"strings"
	"time"
)

// MediaKind discriminates what a message's media reference actually is.
// Classification happens once, at the persistence boundary; downstream code
// switches on Kind instead of re-guessing from string shape.
type MediaKind string

const (
	MediaNone   MediaKind = "none"
	MediaURL    MediaKind = "url"    // object-storage URL, not yet uploaded to the aggregator
	MediaHandle MediaKind = "handle" // opaque aggregator media handle
)

type MediaRef struct {
	Kind  MediaKind `json:"kind"`
	Value string    `json:"value,omitempty"`
}

func NoMedia() MediaRef                 { return MediaRef{Kind: MediaNone} }
func MediaFromURL(url string) MediaRef  { return MediaRef{Kind: MediaURL, Value: url} }
func MediaFromHandle(h string) MediaRef { return MediaRef{Kind: MediaHandle, Value: h} }

// Handle returns the aggregator handle, or "" when the reference is not a
// resolved handle.
func (m MediaRef) Handle() string {
	if m.Kind == MediaHandle {
		return m.Value
	}
	return ""
}

// Aggregator handles are fixed-charset tokens with no URL scheme.
var handleShape = regexp.MustCompile(`^[A-Za-z0-9]{10,40}$`)

// ClassifyMediaRef maps the raw persisted column to a tagged MediaRef.
// Anything with an HTTP(S) scheme is an unresolved source URL; a bare token
// matching the handle charset is an already-resolved handle.
func ClassifyMediaRef(raw string) MediaRef {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return NoMedia()
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return MediaFromURL(raw)
	case handleShape.MatchString(raw):
		return MediaFromHandle(raw)
	default:
		// Unknown shape: treat as a URL-ish source so dispatch fails loudly
		// in media resolution instead of sending a bogus handle.
		return MediaFromURL(raw)
	}
}

// MediaAsset is one row of the media handle cache: a distinct source image
// resolved to the aggregator handle it uploaded as.
type MediaAsset struct {
	ID         int64     `json:"id"`
	SourceURL  string    `json:"source_url"`
	Handle     string    `json:"handle"`
	ResolvedAt time.Time `json:"resolved_at"`
}
