// Package storage defines persistence interfaces for the gateway. Only
// tenants, API keys, webhooks, and usage history are persisted; all other
// gateway state is process-local.
package storage

import (
	"context"

	gateway "github.com/modelmux/modelmux/internal"
)

// TenantStore manages tenant persistence.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *gateway.Tenant) error
	GetTenant(ctx context.Context, id string) (*gateway.Tenant, error)
	ListTenants(ctx context.Context, offset, limit int) ([]*gateway.Tenant, error)
	DeleteTenant(ctx context.Context, id string) error
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// WebhookStore manages webhook persistence.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *gateway.Webhook) error
	ListWebhooks(ctx context.Context, tenantID string) ([]*gateway.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	SumUsageCost(ctx context.Context, keyID string) (float64, error)
}

// Store combines all storage interfaces.
type Store interface {
	TenantStore
	APIKeyStore
	WebhookStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
