package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/cache"
)

// Cache keyspaces. A subscription is present under ResourceCachePrefix iff it
// is currently active, and its id appears in exactly one type list under
// TypeCachePrefix.
const (
	ResourceCachePrefix = "sx-resources-"
	TypeCachePrefix     = "sx-types-"
)

var (
	// ErrCacheConsistency marks a save attempted with a missing id or an
	// unextractable resource type. It is a programming/data error and is
	// raised, not swallowed.
	ErrCacheConsistency = errors.New("subscription cache consistency error")
	// ErrEmptyResourceType marks an IDsForType call with an empty type,
	// which is a caller error rather than "no subscriptions".
	ErrEmptyResourceType = errors.New("resource type is empty")
)

// Index maintains the mapping from subscription id to cached document and the
// reverse mapping from resource type to interested subscription ids.
type Index struct {
	store  cache.Store
	logger zerolog.Logger
}

func NewIndex(store cache.Store, logger zerolog.Logger) *Index {
	return &Index{store: store, logger: logger}
}

// Load returns the cached subscription for id. Absence means the subscription
// is not currently active and monitored.
func (ix *Index) Load(ctx context.Context, id string) (*Subscription, bool, error) {
	val, ok, err := ix.store.Get(ctx, ResourceCachePrefix+id)
	if err != nil {
		return nil, false, fmt.Errorf("load cached subscription %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	sub, err := Parse(val)
	if err != nil {
		return nil, false, fmt.Errorf("cached subscription %s: %w", id, err)
	}
	return sub, true, nil
}

// Save caches the subscription and registers its id in the type index. Any
// prior entry for the id is removed first so a criteria change across an
// update cannot leave an orphaned type-index membership.
func (ix *Index) Save(ctx context.Context, sub *Subscription) error {
	id := sub.ID()
	resType, err := ExtractCriteriaResource(sub.Criteria())
	if id == "" || err != nil {
		return fmt.Errorf("%w: subscription id or criteria resource type is empty", ErrCacheConsistency)
	}

	if err := ix.Remove(ctx, id); err != nil {
		return err
	}
	if err := ix.store.Set(ctx, ResourceCachePrefix+id, sub.JSON()); err != nil {
		return fmt.Errorf("cache subscription %s: %w", id, err)
	}

	ids, err := ix.IDsForType(ctx, resType)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			ix.logger.Info().Str("subscription", id).Str("resource_type", resType).
				Msg("subscription added to active monitor")
			return nil
		}
	}
	ids = append(ids, id)
	if err := ix.writeTypeList(ctx, resType, ids); err != nil {
		return err
	}
	ix.logger.Info().Str("subscription", id).Str("resource_type", resType).
		Msg("subscription added to active monitor")
	return nil
}

// Remove deletes the subscription's cache entry and its type-index
// membership. It is a no-op when the id is not cached.
func (ix *Index) Remove(ctx context.Context, id string) error {
	sub, ok, err := ix.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if resType, err := ExtractCriteriaResource(sub.Criteria()); err == nil {
		ids, err := ix.IDsForType(ctx, resType)
		if err != nil {
			return err
		}
		kept := ids[:0]
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		if err := ix.writeTypeList(ctx, resType, kept); err != nil {
			return err
		}
	} else {
		// The cache entry still goes; the stale type-list membership is
		// harmless since readers skip ids with no cache entry.
		ix.logger.Warn().Err(err).Str("subscription", id).Str("criteria", sub.Criteria()).
			Msg("cached criteria no longer parses, skipping type-index cleanup")
	}

	if err := ix.store.Delete(ctx, ResourceCachePrefix+id); err != nil {
		return fmt.Errorf("delete cached subscription %s: %w", id, err)
	}
	ix.logger.Info().Str("subscription", id).Msg("subscription removed from the active processing cache")
	return nil
}

// IDsForType returns the ordered subscription ids watching resType. Unknown
// types yield an empty list; an empty resType is a caller error.
func (ix *Index) IDsForType(ctx context.Context, resType string) ([]string, error) {
	if resType == "" {
		ix.logger.Warn().Msg("IDsForType called with an empty resource type")
		return nil, ErrEmptyResourceType
	}
	val, ok, err := ix.store.Get(ctx, TypeCachePrefix+resType)
	if err != nil {
		return nil, fmt.Errorf("load type index %s: %w", resType, err)
	}
	if !ok {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(val), &ids); err != nil {
		return nil, fmt.Errorf("decode type index %s: %w", resType, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ResourceIDs enumerates every cached subscription id. Used by the
// administrative cache reload.
func (ix *Index) ResourceIDs(ctx context.Context) ([]string, error) {
	keys, err := ix.store.Keys(ctx, ResourceCachePrefix)
	if err != nil {
		return nil, fmt.Errorf("enumerate cached subscriptions: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(ResourceCachePrefix):])
	}
	return ids, nil
}

// The type list is rewritten wholesale on every membership change; concurrent
// writers to the same type can lose an entry (accepted, low contention).
func (ix *Index) writeTypeList(ctx context.Context, resType string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode type index %s: %w", resType, err)
	}
	if err := ix.store.Set(ctx, TypeCachePrefix+resType, string(data)); err != nil {
		return fmt.Errorf("write type index %s: %w", resType, err)
	}
	return nil
}
