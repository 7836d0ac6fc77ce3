// Package cache is the expiring key/value layer in front of expensive
// analytics computations.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMiss is returned by Get when the key is absent or expired.
	ErrMiss = errors.New("cache miss")

	// ErrUnavailable wraps transport failures of the cache backend.
	ErrUnavailable = errors.New("cache unavailable")

	// ErrInvalidTTL is returned by Set for a non-positive time-to-live.
	// Every entry expires; there is no "keep forever".
	ErrInvalidTTL = errors.New("cache ttl must be positive")
)

// Cache stores opaque values with a time-to-live.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value for ttl, which must be positive.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// Scope names a family of cached values with a shared freshness contract.
type Scope string

// Scopes.
const (
	ScopeRealTime    Scope = "real-time"
	ScopeHome        Scope = "home"
	ScopePerformance Scope = "shipment-performance"
	ScopePredictive  Scope = "predictive"
	ScopeReport      Scope = "report"
)

// SubjectAnalytics is the key subject of analytics snapshots.
const SubjectAnalytics = "analytics"

// AnalyticsScopes lists the scopes refreshed by analytics jobs.
func AnalyticsScopes() []Scope {
	return []Scope{ScopeRealTime, ScopeHome, ScopePerformance, ScopePredictive}
}

// TTLFor returns how long a value of the given scope may be served.
func TTLFor(scope Scope) time.Duration {
	switch scope {
	case ScopeRealTime:
		return 60 * time.Second
	case ScopeHome:
		return 5 * time.Minute
	case ScopePerformance:
		return 10 * time.Minute
	case ScopePredictive:
		return 30 * time.Minute
	case ScopeReport:
		return time.Hour
	default:
		return time.Minute
	}
}

// Key identifies one cached value.
type Key struct {
	Subject string
	Scope   Scope
	UserID  uuid.UUID
	Params  map[string]string
}

// String renders <subject>:<scope>:<user>[:<fingerprint>].
func (k Key) String() string {
	s := k.Prefix()
	if len(k.Params) > 0 {
		s += ":" + Fingerprint(k.Params)
	}
	return s
}

// Prefix renders the key without its parameter fingerprint. Every key of the
// same subject, scope and user starts with it.
func (k Key) Prefix() string {
	return fmt.Sprintf("%s:%s:%s", k.Subject, k.Scope, k.UserID)
}

// Fingerprint hashes params into 16 hex characters. Map keys are sorted by
// the JSON encoder, so equal maps always give equal fingerprints.
func Fingerprint(params map[string]string) string {
	raw, _ := json.Marshal(params)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// ClearUser drops every cached analytics snapshot of userID.
func ClearUser(ctx context.Context, c Cache, userID uuid.UUID) (int64, error) {
	var total int64
	for _, scope := range AnalyticsScopes() {
		n, err := c.DeletePrefix(ctx, Key{Subject: SubjectAnalytics, Scope: scope, UserID: userID}.Prefix())
		if err != nil {
			return total, fmt.Errorf("clear %s cache: %w", scope, err)
		}
		total += n
	}
	return total, nil
}
