// Package registry is the template for singleton catalog actors (item
// definitions, modifier pool, season registry): a single writer activation
// keyed by a well-known identity, persisted through C3, fronted by a
// stateless-worker reader that caches the whole catalog in memory and
// refreshes on TTL expiry or an explicit InvalidateCache call from the
// writer after any mutation (spec.md §4.11).
package registry

import (
	"context"
	"encoding/json"
	"time"

	titancache "github.com/titan-game/titan/infrastructure/cache"
	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/internal/identity"
	"github.com/titan-game/titan/internal/persistence"
)

// ServiceID is the persistence service namespace registries write under.
const ServiceID = "registry"

// Catalog is the opaque payload a registry holds; callers marshal their own
// domain type (item definitions, modifier pool entries, ...) into Entries.
type Catalog struct {
	Entries json.RawMessage
	Version int64
}

// Writer is the singleton writer-actor side: all mutations funnel through
// here so there is exactly one place that calls Write against C3.
type Writer struct {
	provider     persistence.Provider
	identity     identity.ID
	reader       *Reader
	logger       *logging.Logger
	knownVersion int64
}

// NewWriter constructs a Writer bound to one well-known identity (e.g.
// identity.NewString("item-catalog", "singleton")). reader may be nil if no
// reader-side cache needs invalidating (tests, offline tools).
func NewWriter(provider persistence.Provider, id identity.ID, reader *Reader) *Writer {
	return &Writer{provider: provider, identity: id, reader: reader, logger: logging.NewFromEnv("registry")}
}

// Load reads the current catalog, returning an empty version-0 catalog if
// none has been written yet (spec.md §9's "absent state initializes
// defaults").
func (w *Writer) Load(ctx context.Context) (Catalog, error) {
	payload, version, found, err := w.provider.Read(ctx, w.identity, ServiceID)
	if err != nil {
		return Catalog{}, err
	}
	if !found {
		w.knownVersion = 0
		return Catalog{Entries: json.RawMessage("{}"), Version: 0}, nil
	}
	w.knownVersion = version
	return Catalog{Entries: json.RawMessage(payload), Version: version}, nil
}

// Replace overwrites the entire catalog (used by seeding and admin
// overwrite operations) and invalidates the reader cache on success.
func (w *Writer) Replace(ctx context.Context, entries json.RawMessage) error {
	newVersion, err := w.provider.Write(ctx, w.identity, ServiceID, []byte(entries), w.knownVersion)
	if err != nil {
		return err
	}
	w.knownVersion = newVersion
	if w.reader != nil {
		w.reader.InvalidateCache()
	}
	return nil
}

// Reader is the stateless-worker side: it caches the whole catalog for a
// configurable duration, refreshing on expiry or InvalidateCache.
type Reader struct {
	provider persistence.Provider
	identity identity.ID
	cache    *titancache.TTLCache
	logger   *logging.Logger
}

// NewReader constructs a Reader sharing the writer's identity and backing
// store but with its own refresh cadence.
func NewReader(provider persistence.Provider, id identity.ID, ttl time.Duration) *Reader {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Reader{
		provider: provider,
		identity: id,
		cache:    titancache.NewTTLCache(ttl),
		logger:   logging.NewFromEnv("registry"),
	}
}

const cacheKey = "catalog"

// Get returns the cached catalog, refreshing from the backing store on a
// cache miss or after InvalidateCache.
func (r *Reader) Get(ctx context.Context) (Catalog, error) {
	if cached, ok := r.cache.Get(ctx, cacheKey); ok {
		catalog, ok := cached.(Catalog)
		if !ok {
			return Catalog{}, titanerrors.CorruptState("registry-cache-entry", nil)
		}
		return catalog, nil
	}

	payload, version, found, err := r.provider.Read(ctx, r.identity, ServiceID)
	if err != nil {
		return Catalog{}, err
	}
	catalog := Catalog{Entries: json.RawMessage("{}")}
	if found {
		catalog = Catalog{Entries: json.RawMessage(payload), Version: version}
	}

	r.cache.Set(ctx, cacheKey, catalog)
	return catalog, nil
}

// InvalidateCache forces the next Get to re-read from the backing store.
// Called by the writer after every successful mutation.
func (r *Reader) InvalidateCache() {
	r.cache.InvalidateAll()
}
