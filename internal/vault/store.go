package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CacheStore keeps vault entries in a domain.Cache (LRU or Redis), letting
// the cache TTL enforce expiry.
type CacheStore struct {
	cache domain.Cache
	now   func() time.Time
}

// NewCacheStore wraps cache as a vault store.
func NewCacheStore(cache domain.Cache) *CacheStore {
	return &CacheStore{cache: cache, now: time.Now}
}

// PutVaultEntry stores entry until its expiry.
func (s *CacheStore) PutVaultEntry(ctx context.Context, entry *domain.VaultEntry) error {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("vault entry already expired")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal vault entry: %w", err)
	}
	return s.cache.Set(ctx, domain.NamespaceVault, entry.Token, data, ttl)
}

// GetVaultEntry returns nil, nil when the token is unknown or evicted.
func (s *CacheStore) GetVaultEntry(ctx context.Context, token string) (*domain.VaultEntry, error) {
	data, err := s.cache.Get(ctx, domain.NamespaceVault, token)
	if err != nil || data == nil {
		return nil, err
	}
	var entry domain.VaultEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt vault entry: %w", err)
	}
	return &entry, nil
}

// DeleteVaultEntry removes an entry.
func (s *CacheStore) DeleteVaultEntry(ctx context.Context, token string) error {
	return s.cache.Delete(ctx, domain.NamespaceVault, token)
}
