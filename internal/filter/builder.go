// Package filter turns a user's collection selection into the ordered list of
// (collection, generation id) pairs that scopes a knowledge search.
package filter

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/doctoknow/kbchat/internal/domain"
)

// DefaultSource looks up the default generation id for a collection path.
// The backend client implements it.
type DefaultSource interface {
	DefaultGenerationID(ctx context.Context, path string) (string, bool, error)
}

// cached lookup result, including "no default known" so a never-processed
// collection is not re-fetched on every build.
type defaultEntry struct {
	generationID string
	known        bool
}

// Builder derives filter pairs from collection selections, read-through
// caching the per-path defaults for the session's lifetime.
type Builder struct {
	source DefaultSource
	cache  *gocache.Cache
}

// NewBuilder creates a filter builder. ttl bounds how long a per-path default
// is reused before being looked up again.
func NewBuilder(source DefaultSource, ttl time.Duration) *Builder {
	return &Builder{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Build converts a selection into filter pairs.
//
// An explicit generation id always wins: the user named one specific
// ingestion run, so a single pair for the first selected path is returned no
// matter how many collections are selected. Otherwise each selected path
// contributes a pair using its default generation id; paths with no known
// default are dropped. If every path is dropped,
// domain.ErrNoIndexedCollections is returned so the caller can surface an
// explicit "no sources" message instead of running an unscoped search.
func (b *Builder) Build(ctx context.Context, sel domain.CollectionSelection) ([]domain.FilterPair, error) {
	if sel.Empty() {
		return nil, domain.ErrNoCollectionSelected
	}

	if sel.ExplicitGenerationID != "" {
		path := ""
		if len(sel.Paths) > 0 {
			path = sel.Paths[0]
		}
		return []domain.FilterPair{{Path: path, GenerationID: sel.ExplicitGenerationID}}, nil
	}

	pairs := make([]domain.FilterPair, 0, len(sel.Paths))
	seen := make(map[string]struct{}, len(sel.Paths))
	for _, path := range sel.Paths {
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}

		entry, err := b.lookup(ctx, path)
		if err != nil {
			return nil, err
		}
		if !entry.known {
			log.Debug().Str("path", path).Msg("collection has no default generation id, dropped from filter")
			continue
		}
		pairs = append(pairs, domain.FilterPair{Path: path, GenerationID: entry.generationID})
	}

	if len(pairs) == 0 {
		return nil, domain.ErrNoIndexedCollections
	}
	return pairs, nil
}

// Defaults reports the registration state of each path, for the UI to mark
// never-processed collections before the user asks anything.
func (b *Builder) Defaults(ctx context.Context, paths []string) ([]domain.CollectionDefault, error) {
	defaults := make([]domain.CollectionDefault, 0, len(paths))
	for _, path := range paths {
		entry, err := b.lookup(ctx, path)
		if err != nil {
			return nil, err
		}
		defaults = append(defaults, domain.CollectionDefault{
			Path:         path,
			Registered:   entry.known,
			GenerationID: entry.generationID,
		})
	}
	return defaults, nil
}

// Invalidate drops the cached default for one path, forcing a fresh lookup.
func (b *Builder) Invalidate(path string) {
	b.cache.Delete(path)
}

func (b *Builder) lookup(ctx context.Context, path string) (defaultEntry, error) {
	if cached, ok := b.cache.Get(path); ok {
		return cached.(defaultEntry), nil
	}

	generationID, known, err := b.source.DefaultGenerationID(ctx, path)
	if err != nil {
		return defaultEntry{}, fmt.Errorf("failed to look up default generation id for %q: %w", path, err)
	}

	entry := defaultEntry{generationID: generationID, known: known}
	b.cache.SetDefault(path, entry)
	return entry, nil
}
