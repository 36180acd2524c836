// Package feed holds the post entity and the bounded, deduplicated feed
// that every participant keeps of the posts it has observed.
package feed

import "github.com/google/uuid"

// Post is one authored unit of content. Posts are immutable once authored;
// two posts with the same ID are the same logical post.
type Post struct {
	// ID is a random, content-independent identifier assigned at authoring time.
	ID string `json:"id"`
	// Author is the stable identity of the authoring peer, or the
	// relay-assigned identity of a browser author.
	Author string `json:"author"`
	// AuthorName is an optional human-readable label.
	AuthorName string `json:"author_name,omitempty"`
	// Content is UTF-8 text.
	Content string `json:"content"`
	// Timestamp is seconds since the UNIX epoch, set once at authoring time.
	Timestamp int64 `json:"timestamp"`
}

// NewPost creates a post with a fresh random ID.
func NewPost(author, authorName, content string, timestamp int64) Post {
	return Post{
		ID:         NewID(),
		Author:     author,
		AuthorName: authorName,
		Content:    content,
		Timestamp:  timestamp,
	}
}

// NewID returns a random post identifier (UUIDv4).
func NewID() string {
	return uuid.NewString()
}

// DisplayName returns AuthorName, or Author when no label is set.
func (p Post) DisplayName() string {
	if p.AuthorName != "" {
		return p.AuthorName
	}
	return p.Author
}
