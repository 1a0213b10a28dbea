package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Existing
// rows are left untouched so re-running at every startup is safe.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	if err := ensureTenant(ctx, store, "default", "Default"); err != nil {
		return err
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		tenantID := k.TenantID
		if tenantID == "" {
			tenantID = "default"
		}
		if err := ensureTenant(ctx, store, tenantID, tenantID); err != nil {
			return err
		}

		hash := gateway.HashKey(k.Key)
		if existing, _ := store.GetKeyByHash(ctx, hash); existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		key := &gateway.APIKey{
			ID:         uuid.Must(uuid.NewV7()).String(),
			KeyHash:    hash,
			KeyPrefix:  prefix,
			TenantID:   tenantID,
			Name:       k.Name,
			Admin:      k.Admin,
			RateLimit:  k.RateLimit,
			TokenLimit: k.TokenLimit,
			CostLimit:  k.CostLimit,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}
	return nil
}

func ensureTenant(ctx context.Context, store storage.Store, id, name string) error {
	_, err := store.GetTenant(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return err
	}
	t := &gateway.Tenant{ID: id, Name: name, Plan: "free", CreatedAt: time.Now().UTC()}
	if err := store.CreateTenant(ctx, t); err != nil {
		return err
	}
	slog.Info("bootstrapped tenant", "id", id)
	return nil
}
