// Package arena provides the bump allocator that owns all working memory of a
// detection run. Allocations are carved from one contiguous buffer with
// explicit alignment, and only the most recent allocation may be resized.
package arena
