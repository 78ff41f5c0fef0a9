package places

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/normalize"
	"github.com/routecast/routecast/internal/store"
)

// resolverLRUSize bounds the in-process name → id cache. Route requests
// concentrate on few distinct places, so a small cache absorbs most
// lookups.
const resolverLRUSize = 1024

// PlaceSeeder creates places that do not exist yet. Optional: a nil
// seeder turns unknown names into ErrNotFound.
type PlaceSeeder interface {
	GetOrSeed(ctx context.Context, name, country string) (int64, error)
}

// Resolver maps place names to ids: LRU, then Postgres, then seeding.
type Resolver struct {
	db        SeedDB
	seeder    PlaceSeeder
	seedCheck func(ctx context.Context) bool
	ids       *lru.Cache[string, int64]
	log       zerolog.Logger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithSeedCheck gates seeding at runtime, typically bound to the
// seeder_enabled feature flag.
func WithSeedCheck(check func(ctx context.Context) bool) ResolverOption {
	return func(r *Resolver) { r.seedCheck = check }
}

// NewResolver builds a Resolver. seeder may be nil.
func NewResolver(db SeedDB, seeder PlaceSeeder, log zerolog.Logger, opts ...ResolverOption) *Resolver {
	ids, _ := lru.New[string, int64](resolverLRUSize)
	r := &Resolver{
		db:     db,
		seeder: seeder,
		ids:    ids,
		log:    log.With().Str("component", "place-resolver").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the place id for a name. ErrNotFound means the name
// is unknown and could not be seeded.
func (r *Resolver) Resolve(ctx context.Context, name, country string) (int64, error) {
	norm := normalize.Normalize(name)
	if norm == "" {
		return 0, ErrNotFound
	}
	key := norm + "|" + country

	if id, ok := r.ids.Get(key); ok {
		return id, nil
	}

	id, err := r.db.FindPlace(ctx, norm, "", country)
	switch {
	case err == nil:
		r.ids.Add(key, id)
		return id, nil
	case !errors.Is(err, store.ErrNotFound):
		return 0, err
	}

	if r.seeder == nil || (r.seedCheck != nil && !r.seedCheck(ctx)) {
		return 0, ErrNotFound
	}

	id, err = r.seeder.GetOrSeed(ctx, name, country)
	if err != nil {
		return 0, err
	}
	r.ids.Add(key, id)
	return id, nil
}

// Forget drops a cached name so the next resolve hits the store again.
func (r *Resolver) Forget(name, country string) {
	r.ids.Remove(normalize.Normalize(name) + "|" + country)
}
