package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDedup decorates a Store, moving IsAlertSent/RecordAlert and
// IsInCooldown/RecordCooldown onto a shared Redis instance so that a fleet
// of sentryd replicas watching the same upstream agree on dedup and
// cooldown state (spec §9: "multiple engine instances should not double
// alert"). Probe state, run history and the façade's "recent" views stay
// on the wrapped Store, which is expected to be a durable SQLStore.
type RedisDedup struct {
	inner  Store
	client *redis.Client
	prefix string
}

// NewRedisDedup wraps inner, routing dedup/cooldown keys through client
// under the given key prefix (e.g. "sentryd:").
func NewRedisDedup(inner Store, client *redis.Client, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "sentryd:"
	}
	return &RedisDedup{inner: inner, client: client, prefix: prefix}
}

func (r *RedisDedup) alertKey(alertID string) string { return r.prefix + "alert:" + alertID }
func (r *RedisDedup) cooldownKey(key string) string  { return r.prefix + "cooldown:" + key }

func (r *RedisDedup) Migrate(ctx context.Context) error {
	return r.inner.Migrate(ctx)
}

func (r *RedisDedup) LoadProbeState(ctx context.Context, probeID string) (ProbeState, error) {
	return r.inner.LoadProbeState(ctx, probeID)
}

func (r *RedisDedup) SaveProbeState(ctx context.Context, probeID string, state ProbeState) error {
	return r.inner.SaveProbeState(ctx, probeID, state)
}

// IsAlertSent mirrors MemoryStore/SQLStore exactly: the stored value is
// the sent_at timestamp, and ttl is applied by comparing elapsed time at
// lookup, not by relying on key expiry (ttl == 0 means permanent dedup,
// matching Store's contract).
func (r *RedisDedup) IsAlertSent(ctx context.Context, alertID string, ttl time.Duration) (bool, error) {
	sentAt, ok, err := r.getTimestamp(ctx, r.alertKey(alertID))
	if err != nil {
		return false, fmt.Errorf("state: redis is alert sent %q: %w", alertID, err)
	}
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		return true, nil
	}
	return time.Since(sentAt) < ttl, nil
}

func (r *RedisDedup) RecordAlert(ctx context.Context, alertID, probeID, ruleID string) error {
	// SetNX makes this insert-or-ignore: a racing second writer loses
	// silently, matching Store.RecordAlert's contract. The key itself
	// expires after memoryStoreHorizon purely to bound Redis memory
	// growth; dedup policy (permanent vs. ttl-bounded) is enforced by
	// IsAlertSent comparing the stored sent_at, not by this expiry.
	value := time.Now().UTC().Format(time.RFC3339Nano) + "|" + probeID + "|" + ruleID
	_, err := r.client.SetNX(ctx, r.alertKey(alertID), value, memoryStoreHorizon).Result()
	if err != nil {
		return fmt.Errorf("state: redis record alert %q: %w", alertID, err)
	}
	return nil
}

// IsInCooldown mirrors MemoryStore/SQLStore: the cooldown key never
// expires on its own (RecordCooldown stores it with a long bound-only
// horizon), and window is enforced here by comparing elapsed time
// against the stored last_sent_at, exactly like the other two backends.
func (r *RedisDedup) IsInCooldown(ctx context.Context, key string, window time.Duration) (bool, error) {
	lastSentAt, ok, err := r.getTimestamp(ctx, r.cooldownKey(key))
	if err != nil {
		return false, fmt.Errorf("state: redis is in cooldown %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	return time.Since(lastSentAt) < window, nil
}

func (r *RedisDedup) RecordCooldown(ctx context.Context, key string) error {
	// memoryStoreHorizon bounds Redis memory growth only; the 15-minute
	// cooldown window itself is enforced by IsInCooldown's elapsed-time
	// comparison above, not by this key's expiry.
	return r.client.Set(ctx, r.cooldownKey(key), time.Now().UTC().Format(time.RFC3339Nano), memoryStoreHorizon).Err()
}

// getTimestamp reads key and parses its leading RFC3339Nano timestamp
// via parseStoredTimestamp. Returns ok=false, not an error, for a
// missing key.
func (r *RedisDedup) getTimestamp(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := parseStoredTimestamp(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// parseStoredTimestamp extracts the RFC3339Nano prefix from a value
// written by RecordAlert ("<ts>|<probeId>|<ruleId>") or RecordCooldown
// ("<ts>"). Factored out of getTimestamp so the format can be unit
// tested without a live Redis connection.
func parseStoredTimestamp(raw string) (time.Time, error) {
	if idx := strings.IndexByte(raw, '|'); idx >= 0 {
		raw = raw[:idx]
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}
	return ts, nil
}

func (r *RedisDedup) RecordRun(ctx context.Context, probeID string, status RunStatus, durationMs int64, errorMessage string) error {
	return r.inner.RecordRun(ctx, probeID, status, durationMs, errorMessage)
}

func (r *RedisDedup) RecentAlerts(ctx context.Context, limit int) ([]DedupRecord, error) {
	return r.inner.RecentAlerts(ctx, limit)
}

func (r *RedisDedup) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	return r.inner.RecentRuns(ctx, limit)
}

func (r *RedisDedup) Close(ctx context.Context) error {
	if err := r.client.Close(); err != nil {
		return err
	}
	return r.inner.Close(ctx)
}

var _ Store = (*RedisDedup)(nil)
