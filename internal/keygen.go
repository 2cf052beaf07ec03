package internal

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Category is a class of cached data. Every category is tenant scoped.
type Category string

const (
	CategoryTask       Category = "task"
	CategoryTaskList   Category = "tasklist"
	CategoryOverdue    Category = "overdue"
	CategoryStatistics Category = "stats"
	CategoryToken      Category = "jwt"
	CategoryRateLimit  Category = "ratelimit"
	CategoryActivity   Category = "activity"
)

// ListCategories are the derived collections dropped after any task mutation
var ListCategories = []Category{CategoryTaskList, CategoryOverdue, CategoryStatistics}

const (
	tenantSegment = "t"
	systemSegment = "sys"
	indexSegment  = "idx"
	maxKeyLength  = 512
)

// KeyGenerator builds tenant-scoped cache keys and patterns
type KeyGenerator interface {
	BuildKey(tenantID string, category Category, identifier string, subKey ...string) (string, error)
	BuildPattern(tenantID string, category Category) (string, error)
	IndexKey(category Category, identifier string) (string, error)
	SystemKey(name string) string
	Prefix() string
}

// DefaultKeyGenerator implements KeyGenerator.
// Format: {prefix}:t:{tenant}:{category}:{identifier}[:{subKey}]
type DefaultKeyGenerator struct {
	prefix string
}

// NewKeyGenerator creates a key generator for the given prefix
func NewKeyGenerator(prefix string) KeyGenerator {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &DefaultKeyGenerator{prefix: escapeSegment(prefix)}
}

// Prefix returns the namespace prefix shared by every key
func (kg *DefaultKeyGenerator) Prefix() string {
	return kg.prefix
}

// BuildKey generates a cache key for one entry of a tenant's category
func (kg *DefaultKeyGenerator) BuildKey(tenantID string, category Category, identifier string, subKey ...string) (string, error) {
	if tenantID == "" {
		return "", NewValidationError("tenant ID cannot be empty", nil)
	}
	if category == "" {
		return "", NewValidationError("category cannot be empty", nil)
	}
	if identifier == "" {
		return "", NewValidationError("identifier cannot be empty", nil)
	}

	parts := []string{
		kg.prefix,
		tenantSegment,
		escapeSegment(tenantID),
		escapeSegment(string(category)),
		escapeSegment(identifier),
	}
	for _, sk := range subKey {
		if sk == "" {
			continue
		}
		parts = append(parts, escapeSegment(sk))
	}

	key := strings.Join(parts, ":")
	if len(key) > maxKeyLength {
		return "", NewKeyInvalidError(key, fmt.Sprintf("key exceeds maximum length of %d characters", maxKeyLength))
	}
	return key, nil
}

// BuildPattern returns a SCAN pattern matching all and only the tenant's keys in a category
func (kg *DefaultKeyGenerator) BuildPattern(tenantID string, category Category) (string, error) {
	if tenantID == "" {
		return "", NewValidationError("tenant ID cannot be empty", nil)
	}
	if category == "" {
		return "", NewValidationError("category cannot be empty", nil)
	}
	return strings.Join([]string{
		kg.prefix,
		tenantSegment,
		escapeSegment(tenantID),
		escapeSegment(string(category)),
		"*",
	}, ":"), nil
}

// IndexKey returns a lookup key that points at a tenant-scoped record
func (kg *DefaultKeyGenerator) IndexKey(category Category, identifier string) (string, error) {
	if identifier == "" {
		return "", NewValidationError("identifier cannot be empty", nil)
	}
	return strings.Join([]string{kg.prefix, indexSegment, escapeSegment(string(category)), escapeSegment(identifier)}, ":"), nil
}

// SystemKey returns a key outside every tenant namespace, used for probes
func (kg *DefaultKeyGenerator) SystemKey(name string) string {
	return strings.Join([]string{kg.prefix, systemSegment, escapeSegment(name)}, ":")
}

// escapeSegment query-escapes a key segment. The encoding is injective and
// leaves no ':' or glob metacharacters ('*', '?', '[', ']', '\') behind.
func escapeSegment(s string) string {
	return url.QueryEscape(s)
}

// TTLPolicy maps categories to base TTLs with an activity discount.
// A policy is immutable once built.
type TTLPolicy struct {
	base           map[Category]time.Duration
	noExpiry       map[Category]bool
	activeDiscount float64
}

// NewTTLPolicy builds a policy from the TTL configuration
func NewTTLPolicy(cfg TTLConfig) TTLPolicy {
	base := map[Category]time.Duration{
		CategoryTask:       cfg.Task,
		CategoryTaskList:   cfg.TaskList,
		CategoryOverdue:    cfg.Overdue,
		CategoryStatistics: cfg.Statistics,
		CategoryActivity:   cfg.ActivityWindow,
	}
	noExpiry := make(map[Category]bool, len(cfg.NoExpiryCategories))
	for _, c := range cfg.NoExpiryCategories {
		noExpiry[c] = true
	}
	return TTLPolicy{base: base, noExpiry: noExpiry, activeDiscount: cfg.ActivityDiscount}
}

// Base returns the configured TTL for a category
func (p TTLPolicy) Base(category Category) time.Duration {
	return p.base[category]
}

// WithBase returns a copy of the policy with the base TTL of category set to d
func (p TTLPolicy) WithBase(category Category, d time.Duration) TTLPolicy {
	base := make(map[Category]time.Duration, len(p.base)+1)
	for c, v := range p.base {
		base[c] = v
	}
	base[category] = d
	return TTLPolicy{base: base, noExpiry: p.noExpiry, activeDiscount: p.activeDiscount}
}

// AllowsNoExpiry reports whether a zero TTL may be written for the category
func (p TTLPolicy) AllowsNoExpiry(category Category) bool {
	return p.noExpiry[category]
}

// ResolveTTL returns the TTL to write for a category. Active tenants get the
// discounted TTL, which stays at least one second and strictly below the base.
func (p TTLPolicy) ResolveTTL(category Category, isActiveTenant bool) time.Duration {
	base := p.base[category]
	if !isActiveTenant || base <= 0 {
		return base
	}

	discount := p.activeDiscount
	if discount <= 0 || discount >= 1 {
		discount = DefaultActivityDiscount
	}

	// the epsilon keeps floor(300*0.7) at 210 despite binary rounding
	seconds := int64(math.Floor(base.Seconds()*discount + 1e-9))
	reduced := time.Duration(seconds) * time.Second
	if reduced < time.Second {
		reduced = time.Second
	}
	if reduced >= base {
		reduced = base - time.Second
		if reduced <= 0 {
			reduced = base / 2
		}
	}
	return reduced
}
