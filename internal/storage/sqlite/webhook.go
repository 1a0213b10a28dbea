package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
)

// CreateWebhook inserts a new webhook registration.
func (s *Store) CreateWebhook(ctx context.Context, w *gateway.Webhook) error {
	events, err := marshalJSON(w.Events)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO webhooks (id, tenant_id, url, events, created_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.TenantID, w.URL, events, w.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListWebhooks returns all webhooks, optionally scoped to a tenant.
func (s *Store) ListWebhooks(ctx context.Context, tenantID string) ([]*gateway.Webhook, error) {
	query := `SELECT id, tenant_id, url, events, created_at FROM webhooks`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []*gateway.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

// DeleteWebhook removes a webhook.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "webhook")
}

func scanWebhook(sc scanner) (*gateway.Webhook, error) {
	var w gateway.Webhook
	var eventsJSON sql.NullString
	var createdAt string

	if err := sc.Scan(&w.ID, &w.TenantID, &w.URL, &eventsJSON, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	events, err := unmarshalStringSlice(eventsJSON)
	if err != nil {
		return nil, err
	}
	w.Events = events
	if t := parseTime(nullStr(createdAt)); t != nil {
		w.CreatedAt = *t
	}
	return &w, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}
