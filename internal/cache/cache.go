// Package cache keeps raw store bytes close to the server: compressed chunk
// payloads in a byte-bounded bigcache and array metadata in a small LRU.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ChunkCacheSizeMB int
	ChunkTTL         time.Duration
	MaxChunkSize     int
	MetaCacheSize    int
}

// Manager manages the chunk and metadata caches.
type Manager struct {
	chunkCache   *bigcache.BigCache
	metaCache    *lru.Cache[string, []byte]
	maxChunkSize int
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = 10 * time.Minute
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 1 << 20
	}
	if cfg.MetaCacheSize <= 0 {
		cfg.MetaCacheSize = 256
	}

	chunkCacheConfig := bigcache.Config{
		Shards:             shardCount(cfg.ChunkCacheSizeMB, cfg.MaxChunkSize),
		LifeWindow:         cfg.ChunkTTL,
		CleanWindow:        cfg.ChunkTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       cfg.MaxChunkSize,
		HardMaxCacheSize:   cfg.ChunkCacheSizeMB,
		Verbose:            false,
	}

	chunkCache, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	metaCache, err := lru.New[string, []byte](cfg.MetaCacheSize)
	if err != nil {
		chunkCache.Close()
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	return &Manager{
		chunkCache:   chunkCache,
		metaCache:    metaCache,
		maxChunkSize: cfg.MaxChunkSize,
	}, nil
}

// shardCount picks the largest power-of-two shard count, up to 256, for
// which every shard can still hold a few maximum-size chunks.
func shardCount(sizeMB, maxChunkSize int) int {
	if sizeMB <= 0 {
		return 256
	}
	shards := 256
	for shards > 1 && sizeMB*(1<<20)/shards < 4*maxChunkSize {
		shards /= 2
	}
	return shards
}

// GetChunk retrieves compressed chunk bytes.
func (m *Manager) GetChunk(key string) ([]byte, bool) {
	data, err := m.chunkCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetChunk stores compressed chunk bytes. Chunks larger than the configured
// maximum chunk size are silently skipped.
func (m *Manager) SetChunk(key string, data []byte) error {
	if len(data) > m.maxChunkSize {
		return nil
	}
	return m.chunkCache.Set(key, data)
}

// GetMeta retrieves raw metadata bytes.
func (m *Manager) GetMeta(key string) ([]byte, bool) {
	return m.metaCache.Get(key)
}

// SetMeta stores raw metadata bytes.
func (m *Manager) SetMeta(key string, data []byte) {
	m.metaCache.Add(key, data)
}

// ChunkKey generates a cache key for a chunk object of a store.
func ChunkKey(store, path string) string {
	return "chunk:" + store + ":" + path
}

// MetaKey generates a cache key for a metadata object of a store.
func MetaKey(store, path string) string {
	return "meta:" + store + ":" + path
}

// Reset drops every cached entry.
func (m *Manager) Reset() error {
	m.metaCache.Purge()
	return m.chunkCache.Reset()
}

// Stats contains cache statistics.
type Stats struct {
	ChunkEntries int   `json:"chunk_entries"`
	ChunkBytes   int   `json:"chunk_bytes"`
	ChunkHits    int64 `json:"chunk_hits"`
	ChunkMisses  int64 `json:"chunk_misses"`
	MetaEntries  int   `json:"meta_entries"`
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	s := m.chunkCache.Stats()
	return Stats{
		ChunkEntries: m.chunkCache.Len(),
		ChunkBytes:   m.chunkCache.Capacity(),
		ChunkHits:    s.Hits,
		ChunkMisses:  s.Misses,
		MetaEntries:  m.metaCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.chunkCache.Close()
}
