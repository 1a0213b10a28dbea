package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys
		 (id, key_hash, key_prefix, tenant_id, name, admin, rate_limit, token_limit,
		  cost_limit, expires_at, blocked, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.TenantID, nullStr(key.Name),
		boolToInt(key.Admin), key.RateLimit, key.TokenLimit, key.CostLimit,
		timeToStr(key.ExpiresAt), boolToInt(key.Blocked), timeToStr(key.LastUsedAt),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash. This is the hot
// path for request authentication.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, tenant_id, name, admin, rate_limit, token_limit,
		 cost_limit, expires_at, blocked, last_used_at, created_at
		 FROM api_keys WHERE key_hash = ?`, hash,
	)
	return scanKey(row)
}

// ListKeys returns API keys, optionally scoped to a tenant.
func (s *Store) ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.APIKey, error) {
	query := `SELECT id, key_hash, key_prefix, tenant_id, name, admin, rate_limit, token_limit,
		 cost_limit, expires_at, blocked, last_used_at, created_at
		 FROM api_keys`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates the mutable fields of an API key. The hash, prefix,
// and tenant binding are immutable after creation.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, admin=?, rate_limit=?, token_limit=?, cost_limit=?,
		 expires_at=?, blocked=? WHERE id=?`,
		nullStr(key.Name), boolToInt(key.Admin), key.RateLimit, key.TokenLimit,
		key.CostLimit, timeToStr(key.ExpiresAt), boolToInt(key.Blocked), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last-used timestamp for a key.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var name, expiresAt, lastUsedAt sql.NullString
	var admin, blocked int
	var createdAt string

	err := sc.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.TenantID, &name,
		&admin, &k.RateLimit, &k.TokenLimit, &k.CostLimit,
		&expiresAt, &blocked, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Name = name.String
	k.Admin = admin != 0
	k.Blocked = blocked != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(nullStr(createdAt)); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
