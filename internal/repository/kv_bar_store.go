package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"FinBacktest/internal/domain/models"
	domrepo "FinBacktest/internal/domain/repository"
	"FinBacktest/pkg/cache"
)

const barKeyPrefix = "bars"

// KVBarStore persists cache entries in a pkg/cache Service (memory, Redis or layered),
// one msgpack blob per symbol.
type KVBarStore struct {
	c   cache.Service
	ttl time.Duration
}

var _ domrepo.BarStore = (*KVBarStore)(nil)

// NewKVBarStore wraps a cache service. ttl <= 0 keeps entries until evicted.
func NewKVBarStore(c cache.Service, ttl time.Duration) *KVBarStore {
	return &KVBarStore{c: c, ttl: ttl}
}

func (s *KVBarStore) Load(ctx context.Context, symbol string) (*models.CacheEntry, error) {
	data, err := s.c.Get(ctx, cache.GenerateKey(barKeyPrefix, symbol))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, domrepo.ErrNotFound
		}
		return nil, fmt.Errorf("kv load %s: %w", symbol, err)
	}
	var entry models.CacheEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("kv decode %s: %w", symbol, err)
	}
	// msgpack decodes timestamps in the local zone
	entry.Start, entry.End, entry.FetchedAt = entry.Start.UTC(), entry.End.UTC(), entry.FetchedAt.UTC()
	for i := range entry.Bars {
		entry.Bars[i].Timestamp = entry.Bars[i].Timestamp.UTC()
	}
	return &entry, nil
}

func (s *KVBarStore) Save(ctx context.Context, entry *models.CacheEntry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", entry.Symbol, err)
	}
	if err := s.c.Set(ctx, cache.GenerateKey(barKeyPrefix, entry.Symbol), data, s.ttl); err != nil {
		return fmt.Errorf("kv save %s: %w", entry.Symbol, err)
	}
	return nil
}

func (s *KVBarStore) Delete(ctx context.Context, symbol string) error {
	return s.c.Delete(ctx, cache.GenerateKey(barKeyPrefix, symbol))
}

func (s *KVBarStore) Close() error {
	return s.c.Close()
}
