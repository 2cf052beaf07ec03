package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// HashToken returns the hex SHA-256 digest used to key a raw bearer token
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RedisTokenCache implements TokenCache. Records live under the owning
// tenant's namespace; a small index entry maps a hash to its tenant so a
// lookup needs only the hash.
type RedisTokenCache struct {
	store     internal.KeyStore
	keyGen    internal.KeyGenerator
	ttl       internal.TTLPolicy
	margin    time.Duration
	validator *internal.InputValidator
	*settings
}

var _ TokenCache = (*RedisTokenCache)(nil)

// NewTokenCache creates a token validation cache over store
func NewTokenCache(store internal.KeyStore, config *internal.Config, opts ...Option) *RedisTokenCache {
	if config == nil {
		config = internal.DefaultConfig()
	}
	return &RedisTokenCache{
		store:     store,
		keyGen:    internal.NewKeyGenerator(config.KeyPrefix),
		ttl:       internal.NewTTLPolicy(config.TTL).WithBase(internal.CategoryToken, config.Token.CacheTTL),
		margin:    config.Token.SafetyMargin,
		validator: internal.NewInputValidator(),
		settings:  newSettings(opts),
	}
}

// Lookup returns the cached validation result for tokenHash. Any store
// failure, undecodable record or expired token is a miss.
func (tc *RedisTokenCache) Lookup(ctx context.Context, tokenHash string) (*models.ValidatedToken, bool) {
	if err := tc.validator.ValidateTokenHash(tokenHash); err != nil {
		return nil, false
	}

	indexKey, err := tc.keyGen.IndexKey(internal.CategoryToken, tokenHash)
	if err != nil {
		return nil, false
	}
	idx := tc.store.Get(ctx, indexKey)
	if !idx.Found {
		tc.lookupMissed(ctx, "", idx.Err)
		return nil, false
	}

	tenantID := string(idx.Value)
	ctx = internal.WithTenant(ctx, tenantID)
	recordKey, err := tc.keyGen.BuildKey(tenantID, internal.CategoryToken, tokenHash)
	if err != nil {
		tc.deleteQuietly(ctx, indexKey)
		return nil, false
	}
	rec := tc.store.Get(ctx, recordKey)
	if !rec.Found {
		tc.lookupMissed(ctx, tenantID, rec.Err)
		return nil, false
	}

	var token models.ValidatedToken
	if err := json.Unmarshal(rec.Value, &token); err != nil {
		tc.emit(ctx, internal.Event{
			Category:       internal.EventCacheDecodeFailure,
			TenantID:       tenantID,
			OperationClass: string(internal.ClassCache),
			Operation:      "token_lookup",
			Outcome:        internal.OutcomeTreatedAsMiss,
			Err:            internal.NewSerializationError(recordKey, "failed to decode validated token", err),
		})
		tc.metrics.ObserveLookup(internal.CategoryToken, internal.LookupMiss)
		tc.deleteQuietly(ctx, recordKey, indexKey)
		return nil, false
	}

	if token.TenantID != tenantID || token.Expired(tc.now()) {
		tc.metrics.ObserveLookup(internal.CategoryToken, internal.LookupMiss)
		tc.deleteQuietly(ctx, recordKey, indexKey)
		return nil, false
	}

	tc.metrics.ObserveLookup(internal.CategoryToken, internal.LookupHit)
	return &token, true
}

// Store caches a successful verification and returns the TTL written. The
// TTL never outlives the token minus the safety margin; zero means nothing
// was written.
func (tc *RedisTokenCache) Store(ctx context.Context, tokenHash string, token *models.ValidatedToken) time.Duration {
	if token == nil {
		return 0
	}
	if err := tc.validator.ValidateTokenHash(tokenHash); err != nil {
		tc.logger.Warn("refusing to cache token", zap.Error(err))
		return 0
	}
	if err := tc.validator.ValidateTenantID(token.TenantID); err != nil {
		tc.logger.Warn("refusing to cache token", zap.Error(err))
		return 0
	}

	ctx = internal.WithTenant(ctx, token.TenantID)

	ttl := tc.EffectiveTTL(token)
	if ttl <= 0 {
		tc.logger.Debug("token too close to expiry to cache",
			zap.String("tenant_id", token.TenantID),
			zap.Int64("expires_at", token.ExpiresAt))
		return 0
	}

	recordKey, err := tc.keyGen.BuildKey(token.TenantID, internal.CategoryToken, tokenHash)
	if err != nil {
		tc.logger.Warn("failed to build token key", zap.Error(err))
		return 0
	}
	indexKey, err := tc.keyGen.IndexKey(internal.CategoryToken, tokenHash)
	if err != nil {
		tc.logger.Warn("failed to build token index key", zap.Error(err))
		return 0
	}

	data, err := json.Marshal(token)
	if err != nil {
		tc.logger.Warn("failed to encode validated token", zap.Error(err))
		return 0
	}

	// The record goes first so a visible index entry always has a record behind it
	if err := tc.store.Set(ctx, recordKey, data, ttl); err != nil {
		tc.storeFailed(ctx, token.TenantID, "token_store", err)
		return 0
	}
	if err := tc.store.Set(ctx, indexKey, []byte(token.TenantID), ttl); err != nil {
		tc.storeFailed(ctx, token.TenantID, "token_store", err)
		return 0
	}
	return ttl
}

// EffectiveTTL returns min(policy TTL, expires-at - now - safety margin).
// Token records do not track tenant activity, so the undiscounted TTL applies.
func (tc *RedisTokenCache) EffectiveTTL(token *models.ValidatedToken) time.Duration {
	limit := tc.ttl.ResolveTTL(internal.CategoryToken, false)
	remaining := time.Unix(token.ExpiresAt, 0).Sub(tc.now()) - tc.margin
	if remaining < limit {
		return remaining
	}
	return limit
}

// Invalidate removes one cached token. Failures are logged and swallowed.
func (tc *RedisTokenCache) Invalidate(ctx context.Context, tokenHash string) {
	if err := tc.validator.ValidateTokenHash(tokenHash); err != nil {
		return
	}
	indexKey, err := tc.keyGen.IndexKey(internal.CategoryToken, tokenHash)
	if err != nil {
		return
	}

	keys := []string{indexKey}
	idx := tc.store.Get(ctx, indexKey)
	if idx.Found {
		ctx = internal.WithTenant(ctx, string(idx.Value))
		if recordKey, err := tc.keyGen.BuildKey(string(idx.Value), internal.CategoryToken, tokenHash); err == nil {
			keys = append(keys, recordKey)
		}
	}

	if _, err := tc.store.Delete(ctx, keys...); err != nil {
		tc.storeFailed(ctx, string(idx.Value), "token_invalidate", err)
	}
}

// InvalidateAllForTenant removes every cached token of the tenant through
// its namespace pattern and returns the number of records removed. Index
// entries left behind resolve to a miss and expire on their own.
func (tc *RedisTokenCache) InvalidateAllForTenant(ctx context.Context, tenantID string) int64 {
	if err := tc.validator.ValidateTenantID(tenantID); err != nil {
		tc.logger.Warn("refusing to invalidate tokens", zap.Error(err))
		return 0
	}
	ctx = internal.WithTenant(ctx, tenantID)
	pattern, err := tc.keyGen.BuildPattern(tenantID, internal.CategoryToken)
	if err != nil {
		return 0
	}

	removed, err := tc.store.DeleteByPattern(ctx, pattern)
	if err != nil {
		tc.storeFailed(ctx, tenantID, "token_invalidate_tenant", err)
		return removed
	}
	tc.logger.Info("invalidated tenant tokens", zap.String("tenant_id", tenantID), zap.Int64("removed", removed))
	return removed
}

func (tc *RedisTokenCache) lookupMissed(ctx context.Context, tenantID string, err error) {
	if err == nil {
		tc.metrics.ObserveLookup(internal.CategoryToken, internal.LookupMiss)
		return
	}
	tc.metrics.ObserveLookup(internal.CategoryToken, internal.LookupDegraded)
	tc.emit(ctx, internal.Event{
		Category:       internal.EventCacheStoreFailure,
		TenantID:       tenantID,
		OperationClass: string(internal.ClassCache),
		Operation:      "token_lookup",
		Outcome:        internal.OutcomeTreatedAsMiss,
		Err:            err,
	})
}

func (tc *RedisTokenCache) storeFailed(ctx context.Context, tenantID, op string, err error) {
	tc.logger.Warn("token cache write failed",
		zap.String("tenant_id", tenantID),
		zap.String("operation", op),
		zap.Error(err))
	tc.emit(ctx, internal.Event{
		Category:       internal.EventCacheStoreFailure,
		TenantID:       tenantID,
		OperationClass: string(internal.ClassCache),
		Operation:      op,
		Outcome:        internal.OutcomeDegraded,
		Err:            err,
	})
}

func (tc *RedisTokenCache) deleteQuietly(ctx context.Context, keys ...string) {
	if _, err := tc.store.Delete(ctx, keys...); err != nil {
		tc.logger.Debug("failed to delete stale token entry", zap.Strings("keys", keys), zap.Error(err))
	}
}
