// Package directory resolves actor/manager/role identities against an
// external directory service. Lookups degrade gracefully: a directory
// outage never fails an engine operation, it only yields an Unresolved
// snapshot (spec §5, "Directory adapter").
package directory

import (
	"context"
	"log"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

// Adapter resolves directory identities. Implementations must never
// return an error for a normal "not found" or "service unavailable"
// outcome; they report it through UserSnapshot.Unresolved instead, the
// way the teacher's repository layer translates gorm.ErrRecordNotFound
// into a typed AppError rather than propagating a raw driver error.
type Adapter interface {
	Resolve(ctx context.Context, userID string) entity.UserSnapshot
	ResolveManager(ctx context.Context, userID string) entity.UserSnapshot
	ResolveByRole(ctx context.Context, role string) []entity.UserSnapshot
}

// cacheEntry pairs a snapshot with its fetch time for TTL expiry.
type cacheEntry struct {
	snapshot entity.UserSnapshot
	fetched  time.Time
}

// Source is the underlying directory lookup a CachedAdapter wraps: an
// HR system, LDAP, or similar. It is allowed to return an error; the
// CachedAdapter is what turns that into graceful degradation.
type Source interface {
	Lookup(ctx context.Context, userID string) (entity.UserSnapshot, error)
	LookupManager(ctx context.Context, userID string) (entity.UserSnapshot, error)
	LookupByRole(ctx context.Context, role string) ([]entity.UserSnapshot, error)
}

// CachedAdapter wraps a Source with a bounded-TTL in-memory cache and
// unresolved-on-failure degradation.
type CachedAdapter struct {
	source Source
	ttl    time.Duration
	clock  func() time.Time

	userCache    map[string]cacheEntry
	managerCache map[string]cacheEntry
}

func NewCachedAdapter(source Source, ttl time.Duration) *CachedAdapter {
	return &CachedAdapter{
		source:       source,
		ttl:          ttl,
		clock:        time.Now,
		userCache:    make(map[string]cacheEntry),
		managerCache: make(map[string]cacheEntry),
	}
}

func (a *CachedAdapter) Resolve(ctx context.Context, userID string) entity.UserSnapshot {
	if userID == "" {
		return entity.UnresolvedManager
	}
	if e, ok := a.userCache[userID]; ok && a.clock().Sub(e.fetched) < a.ttl {
		return e.snapshot
	}
	snap, err := a.source.Lookup(ctx, userID)
	if err != nil {
		log.Printf("[WARN] directory: lookup %q failed, returning unresolved: %v", userID, err)
		return entity.UserSnapshot{ID: userID, Unresolved: true, DisplayName: "Unknown user (directory unavailable)"}
	}
	a.userCache[userID] = cacheEntry{snapshot: snap, fetched: a.clock()}
	return snap
}

func (a *CachedAdapter) ResolveManager(ctx context.Context, userID string) entity.UserSnapshot {
	if userID == "" {
		return entity.UnresolvedManager
	}
	if e, ok := a.managerCache[userID]; ok && a.clock().Sub(e.fetched) < a.ttl {
		return e.snapshot
	}
	snap, err := a.source.LookupManager(ctx, userID)
	if err != nil {
		log.Printf("[WARN] directory: manager lookup for %q failed, returning unresolved: %v", userID, err)
		return entity.UnresolvedManager
	}
	a.managerCache[userID] = cacheEntry{snapshot: snap, fetched: a.clock()}
	return snap
}

func (a *CachedAdapter) ResolveByRole(ctx context.Context, role string) []entity.UserSnapshot {
	snaps, err := a.source.LookupByRole(ctx, role)
	if err != nil {
		log.Printf("[WARN] directory: role lookup for %q failed, returning empty set: %v", role, err)
		return nil
	}
	return snaps
}
