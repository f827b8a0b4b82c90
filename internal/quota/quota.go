// Package quota meters free-tier usage per user.
//
// The Gate exposes a read-then-act protocol: callers ask CheckAdmission
// before doing paid work and call RecordConsumption only once that work has
// succeeded. The two calls are not atomic with respect to each other, so two
// concurrent requests from a user one below the limit can both be admitted
// and push the count one past the limit. Stores do guarantee that each
// increment is atomic, so no consumption is ever lost.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/genai-studio/internal/metrics"
)

var (
	ErrNotFound      = errors.New("usage record not found")
	ErrQuotaExceeded = errors.New("free tier quota exceeded")
)

// UsageRecord is the per-user consumption counter. There is at most one
// record per user and its count never decreases through this package.
type UsageRecord struct {
	UserID    string    `json:"user_id"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	// Get returns ErrNotFound when the user has never consumed quota.
	Get(ctx context.Context, userID string) (*UsageRecord, error)
	// CreateOrIncrement creates the record with count 1 or atomically adds
	// one to it, returning the new count.
	CreateOrIncrement(ctx context.Context, userID string) (int, error)
}

// Resetter is implemented by stores that support the administrative reset
// performed when a user moves to a paid plan. The Gate never calls it.
type Resetter interface {
	Reset(ctx context.Context, userID string) error
}

type Gate struct {
	store   Store
	maxFree int
}

func NewGate(store Store, maxFree int) *Gate {
	return &Gate{store: store, maxFree: maxFree}
}

func (g *Gate) MaxFree() int {
	return g.maxFree
}

// CheckAdmission reports whether userID may start another generation.
// Requests without an identity are always admitted.
// TODO: confirm with product whether anonymous callers should stay unlimited.
func (g *Gate) CheckAdmission(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		metrics.Admissions.WithLabelValues("anonymous").Inc()
		return true, nil
	}

	count, err := g.CurrentUsage(ctx, userID)
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		return false, err
	}

	if count < g.maxFree {
		metrics.Admissions.WithLabelValues("admitted").Inc()
		return true, nil
	}
	metrics.Admissions.WithLabelValues("denied").Inc()
	return false, nil
}

// RecordConsumption counts one successful generation for userID. It is a
// no-op for anonymous requests.
func (g *Gate) RecordConsumption(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := g.store.CreateOrIncrement(ctx, userID); err != nil {
		return fmt.Errorf("failed to record consumption: %w", err)
	}
	return nil
}

// CurrentUsage returns the user's count, or 0 when there is no record or no
// identity.
func (g *Gate) CurrentUsage(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	rec, err := g.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return rec.Count, nil
}
