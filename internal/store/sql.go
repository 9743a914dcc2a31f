package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlDB implements Store over database/sql. Queries are written with '?'
// placeholders and rebound for drivers that number them.
type sqlDB struct {
	db       *sql.DB
	numbered bool
}

func (s *sqlDB) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlDB) GetGrant(ctx context.Context, subjectID, tenantID string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT subject_id,tenant_id,enabled,allow_bot_access,token_limit,max_requests_per_day,updated_at FROM grants WHERE subject_id = ? AND tenant_id = ?`), subjectID, tenantID)
	var g Grant
	var updated int64
	if err := row.Scan(&g.SubjectID, &g.TenantID, &g.Enabled, &g.AllowBotAccess, &g.TokenLimit, &g.MaxRequestsPerDay, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get grant: %w", err)
	}
	g.UpdatedAt = time.Unix(updated, 0).UTC()
	return &g, nil
}

func (s *sqlDB) PutGrant(ctx context.Context, g *Grant) error {
	updated := g.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO grants(subject_id,tenant_id,enabled,allow_bot_access,token_limit,max_requests_per_day,updated_at) VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (subject_id, tenant_id) DO UPDATE SET enabled = excluded.enabled, allow_bot_access = excluded.allow_bot_access,
		token_limit = excluded.token_limit, max_requests_per_day = excluded.max_requests_per_day, updated_at = excluded.updated_at`),
		g.SubjectID, g.TenantID, g.Enabled, g.AllowBotAccess, g.TokenLimit, g.MaxRequestsPerDay, updated.Unix())
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

func (s *sqlDB) ListEnabledBots(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT g.subject_id FROM grants g JOIN bots b ON b.id = g.subject_id WHERE g.tenant_id = ? AND g.enabled = ? ORDER BY g.subject_id`), tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("list enabled bots: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list enabled bots: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlDB) RevokeToken(ctx context.Context, rt RevokedToken) error {
	var expires int64
	if !rt.ExpiresAt.IsZero() {
		expires = rt.ExpiresAt.Unix()
	}
	revokedAt := rt.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO revoked_tokens(token_id,revoked_at,expires_at,reason) VALUES(?,?,?,?) ON CONFLICT (token_id) DO NOTHING`),
		rt.TokenID, revokedAt.Unix(), expires, rt.Reason)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *sqlDB) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM revoked_tokens WHERE token_id = ?`), tokenID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return true, nil
}

// ConsumeUsage relies on the conditional UPDATE: the row lock taken by the
// update serializes writers on the same counter, and the predicate is
// re-evaluated against the committed value.
func (s *sqlDB) ConsumeUsage(ctx context.Context, key UsageKey, amount, limit int64) (bool, int64, error) {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO usage_counters(subject_id,tenant_id,bot_id,period,used) VALUES(?,?,?,?,0) ON CONFLICT (subject_id, tenant_id, bot_id, period) DO NOTHING`),
		key.SubjectID, key.TenantID, key.BotID, key.Period)
	if err != nil {
		return false, 0, fmt.Errorf("init usage counter: %w", err)
	}

	var used int64
	err = s.db.QueryRowContext(ctx, s.q(`UPDATE usage_counters SET used = used + ? WHERE subject_id = ? AND tenant_id = ? AND bot_id = ? AND period = ? AND used + ? <= ? RETURNING used`),
		amount, key.SubjectID, key.TenantID, key.BotID, key.Period, amount, limit).Scan(&used)
	switch {
	case err == nil:
		return true, used, nil
	case errors.Is(err, sql.ErrNoRows):
		used, err = s.GetUsage(ctx, key)
		return false, used, err
	default:
		return false, 0, fmt.Errorf("consume usage: %w", err)
	}
}

func (s *sqlDB) GetUsage(ctx context.Context, key UsageKey) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT used FROM usage_counters WHERE subject_id = ? AND tenant_id = ? AND bot_id = ? AND period = ?`),
		key.SubjectID, key.TenantID, key.BotID, key.Period).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return used, nil
}

func (s *sqlDB) CreateBot(ctx context.Context, b *Bot) error {
	caps, err := json.Marshal(b.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	if b.Capabilities == nil {
		caps = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO bots(id,name,secret_hash,website,capabilities,contact_email,max_tokens_per_request,created_at) VALUES(?,?,?,?,?,?,?,?)`),
		b.ID, b.Name, b.SecretHash, b.Website, string(caps), b.ContactEmail, b.MaxTokensPerRequest, b.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	return nil
}

func (s *sqlDB) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id,name,secret_hash,website,capabilities,contact_email,max_tokens_per_request,created_at FROM bots WHERE id = ?`), id)
	var b Bot
	var caps string
	var created int64
	if err := row.Scan(&b.ID, &b.Name, &b.SecretHash, &b.Website, &caps, &b.ContactEmail, &b.MaxTokensPerRequest, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get bot: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &b.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	b.CreatedAt = time.Unix(created, 0).UTC()
	return &b, nil
}

func (s *sqlDB) CreateClient(ctx context.Context, c *Client) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO clients(id,name,api_key_hash,api_key_prefix,rate_limit_per_minute,active,created_at) VALUES(?,?,?,?,?,?,?)`),
		c.ID, c.Name, c.APIKeyHash, c.APIKeyPrefix, c.RateLimitPerMinute, c.Active, c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func (s *sqlDB) GetClientsByKeyPrefix(ctx context.Context, prefix string) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id,name,api_key_hash,api_key_prefix,rate_limit_per_minute,active,created_at FROM clients WHERE api_key_prefix = ? AND active = ?`), prefix, true)
	if err != nil {
		return nil, fmt.Errorf("get clients: %w", err)
	}
	defer rows.Close()
	var clients []*Client
	for rows.Next() {
		var c Client
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimitPerMinute, &c.Active, &created); err != nil {
			return nil, fmt.Errorf("get clients: %w", err)
		}
		c.CreatedAt = time.Unix(created, 0).UTC()
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

func (s *sqlDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlDB) Close() error                   { return s.db.Close() }
