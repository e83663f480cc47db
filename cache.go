package swiftbuy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// FlowCache persists learned checkout flows per domain. Load is best-effort:
// a miss or a storage failure comes back as (nil, nil) because a cold cache
// only means the oracle does more work. Save is upsert-with-merge; callers
// invoke it once, after a verified success. No locking across concurrent
// runs — last successful write wins, learned selectors are advisory.
type FlowCache interface {
	Load(ctx context.Context, domain string) (*CheckoutFlow, error)
	Save(ctx context.Context, domain string, selectors map[FieldType]string, steps []RecordedStep, platform Platform) error
}

// NopFlowCache disables learning. Every run pays full oracle cost.
type NopFlowCache struct{}

func (NopFlowCache) Load(context.Context, string) (*CheckoutFlow, error) { return nil, nil }
func (NopFlowCache) Save(context.Context, string, map[FieldType]string, []RecordedStep, Platform) error {
	return nil
}

// SQLiteFlowCache is the default store: one table keyed by domain, JSON
// columns for the selector map and the recorded steps.
type SQLiteFlowCache struct {
	db  *sql.DB
	log *zap.Logger
}

const flowSchema = `
CREATE TABLE IF NOT EXISTS checkout_flows (
	domain          TEXT PRIMARY KEY,
	platform        TEXT NOT NULL DEFAULT 'unknown',
	form_selectors  TEXT NOT NULL DEFAULT '{}',
	add_to_cart     TEXT NOT NULL DEFAULT '[]',
	success_count   INTEGER NOT NULL DEFAULT 0,
	last_success_at TIMESTAMP,
	status          TEXT NOT NULL DEFAULT 'active'
);`

// NewSQLiteFlowCache opens (and migrates) the flow database at path. Use
// ":memory:" for tests.
func NewSQLiteFlowCache(path string, log *zap.Logger) (*SQLiteFlowCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flow cache db: %w", err)
	}
	// One connection: keeps ":memory:" databases coherent and sidesteps
	// SQLITE_BUSY between concurrent runs on the same host.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(flowSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate flow cache schema: %w", err)
	}
	return &SQLiteFlowCache{db: db, log: log}, nil
}

func (c *SQLiteFlowCache) Close() error { return c.db.Close() }

func (c *SQLiteFlowCache) Load(ctx context.Context, domain string) (*CheckoutFlow, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT domain, platform, form_selectors, add_to_cart, success_count, last_success_at, status
		 FROM checkout_flows WHERE domain = ?`, domain)

	var (
		flow          CheckoutFlow
		selectorsJSON string
		stepsJSON     string
		lastSuccess   sql.NullString
	)
	err := row.Scan(&flow.Domain, &flow.Platform, &selectorsJSON, &stepsJSON,
		&flow.SuccessCount, &lastSuccess, &flow.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		c.log.Warn("flow cache load failed, degrading to cold start",
			zap.String("domain", domain), zap.Error(err))
		return nil, nil
	}
	if err := json.Unmarshal([]byte(selectorsJSON), &flow.FormSelectors); err != nil {
		flow.FormSelectors = map[FieldType]string{}
	}
	if err := json.Unmarshal([]byte(stepsJSON), &flow.AddToCartSteps); err != nil {
		flow.AddToCartSteps = nil
	}
	if lastSuccess.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, lastSuccess.String); perr == nil {
			flow.LastSuccessAt = t
		}
	}
	return &flow, nil
}

func (c *SQLiteFlowCache) Save(ctx context.Context, domain string, selectors map[FieldType]string, steps []RecordedStep, platform Platform) error {
	existing, _ := c.Load(ctx, domain)

	var flow *CheckoutFlow
	if existing == nil {
		flow = NewCheckoutFlow(domain, selectors, steps, platform)
	} else {
		flow = MergeFlow(existing, selectors, steps, platform)
	}

	selectorsJSON, err := json.Marshal(flow.FormSelectors)
	if err != nil {
		return fmt.Errorf("failed to encode selectors: %w", err)
	}
	stepsJSON, err := json.Marshal(flow.AddToCartSteps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO checkout_flows (domain, platform, form_selectors, add_to_cart, success_count, last_success_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
			platform = excluded.platform,
			form_selectors = excluded.form_selectors,
			add_to_cart = excluded.add_to_cart,
			success_count = excluded.success_count,
			last_success_at = excluded.last_success_at`,
		flow.Domain, string(flow.Platform), string(selectorsJSON), string(stepsJSON),
		flow.SuccessCount, flow.LastSuccessAt.UTC().Format(time.RFC3339Nano), string(flow.Status))
	if err != nil {
		return fmt.Errorf("failed to persist flow for %s: %w", domain, err)
	}
	return nil
}

// RedisFlowCache stores each flow as one JSON blob keyed by domain. Used
// when several engine instances share learning across hosts.
type RedisFlowCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

const redisFlowKeyPrefix = "swiftbuy:flow:"

// NewRedisFlowCache connects to the given address. ttl of zero means flows
// never expire.
func NewRedisFlowCache(addr string, ttl time.Duration, log *zap.Logger) *RedisFlowCache {
	return &RedisFlowCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		log:    log,
	}
}

func (c *RedisFlowCache) Close() error { return c.client.Close() }

func (c *RedisFlowCache) Load(ctx context.Context, domain string) (*CheckoutFlow, error) {
	data, err := c.client.Get(ctx, redisFlowKeyPrefix+domain).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.log.Warn("flow cache load failed, degrading to cold start",
			zap.String("domain", domain), zap.Error(err))
		return nil, nil
	}
	var flow CheckoutFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		c.log.Warn("flow cache record corrupt, ignoring",
			zap.String("domain", domain), zap.Error(err))
		return nil, nil
	}
	return &flow, nil
}

func (c *RedisFlowCache) Save(ctx context.Context, domain string, selectors map[FieldType]string, steps []RecordedStep, platform Platform) error {
	existing, _ := c.Load(ctx, domain)

	var flow *CheckoutFlow
	if existing == nil {
		flow = NewCheckoutFlow(domain, selectors, steps, platform)
	} else {
		flow = MergeFlow(existing, selectors, steps, platform)
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to encode flow: %w", err)
	}
	if err := c.client.Set(ctx, redisFlowKeyPrefix+domain, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist flow for %s: %w", domain, err)
	}
	return nil
}
