package feed

// DefaultCapacity is the default number of posts a Store retains.
const DefaultCapacity = 1000

// Store is a bounded collection of posts ordered by arrival, newest first.
// Implementations must be safe for concurrent use and must never hold two
// posts with the same ID.
type Store interface {
	// Insert adds p at the head of the feed. It returns false and leaves the
	// store unchanged if a post with the same ID is already present. When the
	// store grows beyond its capacity the oldest arrivals are evicted.
	Insert(p Post) bool

	// Snapshot returns a point-in-time copy of the feed, newest first.
	Snapshot() []Post

	// Contains reports whether a post with the given ID is stored.
	Contains(id string) bool

	// Len returns the number of stored posts.
	Len() int

	// Reset replaces the whole feed with posts, given newest first.
	// Duplicate IDs in posts collapse to their newest occurrence.
	Reset(posts []Post)
}
