package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/jellydator/ttlcache/v3"

	"github.com/renja-g/CrateSync/internal/provider"
)

type metadataKey struct {
	releaseID int64
	provider  string
}

// Memory is a process-local Store. Metadata records expire after ttl so a
// long-running process does not keep stale checks forever; freshness itself
// is decided by the caller.
type Memory struct {
	mu        sync.RWMutex
	releases  map[int64]provider.Release
	providers map[int64]mapset.Set[string]

	metadata *ttlcache.Cache[metadataKey, MetadataRecord]
	stop     sync.Once
}

func NewMemory(ttl time.Duration) *Memory {
	m := &Memory{
		releases:  make(map[int64]provider.Release),
		providers: make(map[int64]mapset.Set[string]),
		metadata: ttlcache.New(
			ttlcache.WithTTL[metadataKey, MetadataRecord](ttl),
			ttlcache.WithDisableTouchOnHit[metadataKey, MetadataRecord](),
		),
	}
	go m.metadata.Start()
	return m
}

func (m *Memory) PutReleases(_ context.Context, releases []provider.Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range releases {
		m.releases[r.ID] = r
	}
	return nil
}

func (m *Memory) Releases(context.Context) ([]provider.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.releases))
	slices.SortFunc(out, func(a, b provider.Release) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) Release(_ context.Context, id int64) (provider.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[id]
	if !ok {
		return provider.Release{}, fmt.Errorf("release %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) PutMetadata(_ context.Context, rec MetadataRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.providers[rec.ReleaseID]
	if !ok {
		set = mapset.New[string]()
		m.providers[rec.ReleaseID] = set
	}
	set.Add(rec.Provider)
	m.metadata.Set(metadataKey{rec.ReleaseID, rec.Provider}, rec, ttlcache.DefaultTTL)
	return nil
}

func (m *Memory) Metadata(_ context.Context, id int64) ([]MetadataRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.providers[id]
	var out []MetadataRecord
	for _, p := range set.Slice() {
		item := m.metadata.Get(metadataKey{id, p})
		if item == nil {
			// Expired.
			set.Remove(p)
			continue
		}
		out = append(out, item.Value())
	}
	if set != nil && set.IsEmpty() {
		delete(m.providers, id)
	}
	slices.SortFunc(out, func(a, b MetadataRecord) int { return cmp.Compare(a.Provider, b.Provider) })
	return out, nil
}

func (m *Memory) LastChecked(_ context.Context, id int64, p string) (time.Time, bool, error) {
	item := m.metadata.Get(metadataKey{id, p})
	if item == nil {
		return time.Time{}, false, nil
	}
	return item.Value().CheckedAt, true, nil
}

func (m *Memory) Close() error {
	m.stop.Do(m.metadata.Stop)
	return nil
}
