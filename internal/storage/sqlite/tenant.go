package sqlite

import (
	"context"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *gateway.Tenant) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Plan, t.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*gateway.Tenant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, plan, created_at FROM tenants WHERE id=?`, id,
	)
	return scanTenant(row)
}

// ListTenants returns tenants ordered by name.
func (s *Store) ListTenants(ctx context.Context, offset, limit int) ([]*gateway.Tenant, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, plan, created_at FROM tenants ORDER BY name LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*gateway.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DeleteTenant removes a tenant. Keys and webhooks cascade.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM tenants WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

func scanTenant(sc scanner) (*gateway.Tenant, error) {
	var t gateway.Tenant
	var createdAt string

	if err := sc.Scan(&t.ID, &t.Name, &t.Plan, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	if ts := parseTime(nullStr(createdAt)); ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}
