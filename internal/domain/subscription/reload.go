package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

const reloadQuery = "Subscription?status=active&_count=1000"

// ReloadGuard admits at most one reload at a time.
type ReloadGuard interface {
	// TryAcquire returns ok=false when a reload is already running.
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// RedisReloadGuard serializes reloads across processes with a Redis lock.
type RedisReloadGuard struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

func NewRedisReloadGuard(rdb *redis.Client) *RedisReloadGuard {
	return &RedisReloadGuard{
		locker: redislock.New(rdb),
		key:    "sx-reload-lock",
		ttl:    5 * time.Minute,
	}
}

func (g *RedisReloadGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	lock, err := g.locker.Obtain(ctx, g.key, g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain reload lock: %w", err)
	}
	return func() { _ = lock.Release(context.Background()) }, true, nil
}

// LocalReloadGuard serializes reloads within one process.
type LocalReloadGuard struct {
	mu sync.Mutex
}

func (g *LocalReloadGuard) TryAcquire(_ context.Context) (func(), bool, error) {
	if !g.mu.TryLock() {
		return nil, false, nil
	}
	return g.mu.Unlock, true, nil
}

// Reloader rebuilds the subscription cache from the server's active
// subscriptions.
type Reloader struct {
	index  *Index
	server ServerClient
	guard  ReloadGuard
	logger zerolog.Logger
}

func NewReloader(index *Index, server ServerClient, guard ReloadGuard, logger zerolog.Logger) *Reloader {
	return &Reloader{index: index, server: server, guard: guard, logger: logger}
}

// ErrReloadRunning is returned by Start when a reload is already in flight.
var ErrReloadRunning = errors.New("subscription cache reload is currently running")

// Start launches a reload in the background. Only one reload runs at a time;
// a second call while one is in flight returns ErrReloadRunning.
func (r *Reloader) Start(ctx context.Context) error {
	release, ok, err := r.guard.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReloadRunning
	}
	go func() {
		defer release()
		if err := r.reload(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("subscription cache reload failed")
		}
	}()
	return nil
}

// Run performs a reload synchronously, honoring the same guard.
func (r *Reloader) Run(ctx context.Context) error {
	release, ok, err := r.guard.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReloadRunning
	}
	defer release()
	return r.reload(ctx)
}

func (r *Reloader) reload(ctx context.Context) error {
	r.logger.Info().Msg("clearing subscription cache")
	ids, err := r.index.ResourceIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.index.Remove(ctx, id); err != nil {
			return err
		}
	}

	r.logger.Info().Msg("reloading subscription cache")
	resp, err := r.server.Call(ctx, fhir.CallOptions{Path: reloadQuery})
	if err != nil {
		return fmt.Errorf("reload query: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("reload query returned %s", resp)
	}

	var bundle struct {
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := resp.JSON(&bundle); err != nil {
		return fmt.Errorf("decode reload bundle: %w", err)
	}

	loaded := 0
	for _, entry := range bundle.Entry {
		sub, err := Parse(string(entry.Resource))
		if err != nil {
			r.logger.Error().Err(err).Msg("skipping unparsable subscription during reload")
			continue
		}
		if err := r.index.Save(ctx, sub); err != nil {
			r.logger.Error().Err(err).Str("subscription", sub.ID()).
				Msg("skipping subscription that failed to cache during reload")
			continue
		}
		loaded++
	}
	r.logger.Info().Int("loaded", loaded).Msg("subscription cache has been reloaded")
	return nil
}
