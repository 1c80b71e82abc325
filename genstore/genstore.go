// Package genstore records which cache generations exist and which request
// keys each one holds. storage/kv pairs a Registry with a byte provider,
// which cannot enumerate its own keys.
package genstore

import "context"

// Registry abstracts where generation metadata lives.
// Use Local for in-process storage, or Redis when entries must survive
// restarts and be shared by several processes.
type Registry interface {
	// Add records gen; created is false when it already existed.
	Add(ctx context.Context, gen string) (created bool, err error)
	// Contains reports whether gen was added and not removed.
	Contains(ctx context.Context, gen string) (bool, error)
	// List returns generations in the order they were added.
	List(ctx context.Context) ([]string, error)
	// Remove drops gen and its members; existed is false for unknown gens.
	Remove(ctx context.Context, gen string) (existed bool, err error)
	// Track adds key to gen's members.
	Track(ctx context.Context, gen, key string) error
	// Members returns gen's keys, sorted.
	Members(ctx context.Context, gen string) ([]string, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
