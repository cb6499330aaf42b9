package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Snapshot hash fields. observed_at is Unix nanoseconds.
const (
	fieldPrice       = "price"
	fieldTTC         = "ttc"
	fieldMomentum    = "momentum"
	fieldVolatility  = "volatility"
	fieldProbability = "probability"
	fieldBuffer      = "buffer"
	fieldObservedAt  = "observed_at"
)

// SnapshotCache implements domain.SnapshotProvider over hashes written by the
// market-data service at "snapshot:{tradeID}".
type SnapshotCache struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewSnapshotCache creates a SnapshotCache. maxAge is only used to report
// ErrDataStale when every returned snapshot is older than it; zero disables
// the check.
func NewSnapshotCache(c *Client, maxAge time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying(), maxAge: maxAge, now: time.Now}
}

func snapshotKey(tradeID string) string {
	return "snapshot:" + tradeID
}

// Get fetches snapshots for ids in one pipeline. Ids without a snapshot are
// left out of the result.
func (sc *SnapshotCache) Get(ctx context.Context, ids []string) (map[string]domain.MarketSnapshot, error) {
	if len(ids) == 0 {
		return map[string]domain.MarketSnapshot{}, nil
	}

	pipe := sc.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, snapshotKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get snapshots: %w: %w", domain.ErrDataUnavailable, err)
	}

	out := make(map[string]domain.MarketSnapshot, len(ids))
	stale := 0
	now := sc.now()
	for i, id := range ids {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		snap, ok := parseSnapshot(id, vals)
		if !ok {
			continue
		}
		if sc.maxAge > 0 && now.Sub(snap.ObservedAt) > sc.maxAge {
			stale++
		}
		out[id] = snap
	}

	if len(out) > 0 && stale == len(out) {
		return out, fmt.Errorf("redis: get snapshots: %w: all %d older than %s", domain.ErrDataStale, stale, sc.maxAge)
	}
	return out, nil
}

// Set writes snap with the given TTL. Used by tooling and tests; production
// snapshots are written by the market-data service.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.MarketSnapshot, ttl time.Duration) error {
	fields := map[string]any{
		fieldObservedAt: strconv.FormatInt(snap.ObservedAt.UnixNano(), 10),
	}
	put := func(name string, v *float64) {
		if v != nil {
			fields[name] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
	}
	put(fieldPrice, snap.Price)
	put(fieldTTC, snap.TTC)
	put(fieldMomentum, snap.Momentum)
	put(fieldVolatility, snap.Volatility)
	put(fieldProbability, snap.Probability)
	put(fieldBuffer, snap.Buffer)

	key := snapshotKey(snap.TradeID)
	pipe := sc.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.TradeID, err)
	}
	return nil
}

// parseSnapshot converts a hash into a snapshot. A hash without a valid
// observed_at is rejected; malformed numeric fields are treated as missing.
func parseSnapshot(id string, vals map[string]string) (domain.MarketSnapshot, bool) {
	ts, err := strconv.ParseInt(vals[fieldObservedAt], 10, 64)
	if err != nil || ts <= 0 {
		return domain.MarketSnapshot{}, false
	}
	return domain.MarketSnapshot{
		TradeID:     id,
		Price:       parseOptional(vals, fieldPrice),
		TTC:         parseOptional(vals, fieldTTC),
		Momentum:    parseOptional(vals, fieldMomentum),
		Volatility:  parseOptional(vals, fieldVolatility),
		Probability: parseOptional(vals, fieldProbability),
		Buffer:      parseOptional(vals, fieldBuffer),
		ObservedAt:  time.Unix(0, ts).UTC(),
	}, true
}

// parseOptional reads a numeric field. Missing, malformed, NaN and infinite
// values all come back nil.
func parseOptional(vals map[string]string, name string) *float64 {
	s, ok := vals[name]
	if !ok || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Compile-time interface check.
var _ domain.SnapshotProvider = (*SnapshotCache)(nil)
