package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/engine/auth"
	"coordline/internal/repo"
)

type providerInput struct {
	ID           string   `json:"id" validate:"notblank,max=128"`
	Name         string   `json:"name" validate:"notblank"`
	ServiceTypes []string `json:"service_types" validate:"dive,notblank"`
}

// UpsertProvider replicates one entry of the provider directory. The engine reads
// eligibility from the replica and never decides verification itself.
func (e Engine) UpsertProvider(ctx context.Context, actor Actor, p domain.Provider) (domain.Provider, error) {
	const op = "upsert_provider"
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	if err := e.check(providerInput{ID: p.ID, Name: p.Name, ServiceTypes: p.ServiceTypes}); err != nil {
		return domain.Provider{}, err
	}
	if err := auth.Require(actor, auth.PermProviderSync); err != nil {
		return domain.Provider{}, err
	}
	ts := domain.FormatTime(e.now())
	p.CreatedAt, p.UpdatedAt = ts, ts
	var out domain.Provider
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertProvider(ctx, tx, p); err != nil {
			return err
		}
		var err error
		out, err = e.Repo.GetProvider(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return domain.Provider{}, err
	}
	e.log().WithContext(ctx).Debug("provider_synced", "provider_id", out.ID, "eligible", out.Eligible())
	return out, nil
}

// GetProvider reads one provider from the directory replica.
func (e Engine) GetProvider(ctx context.Context, id string) (domain.Provider, error) {
	p, err := e.Repo.GetProvider(ctx, nil, id)
	if err != nil {
		return p, e.readErr(ctx, "get_provider", "provider", id, err)
	}
	return p, nil
}

// ListProviders lists the directory replica.
func (e Engine) ListProviders(ctx context.Context, f repo.ProviderFilters) ([]domain.Provider, error) {
	items, err := e.Repo.ListProviders(ctx, f)
	if err != nil {
		return nil, e.persistence(ctx, "list_providers", err)
	}
	return items, nil
}

type apiKeyInput struct {
	ActorID string `json:"actor_id" validate:"notblank"`
	Role    string `json:"role" validate:"oneof=admin coordinator provider client system"`
}

// CreateAPIKey issues a key that authenticates as (actorID, role). The plaintext key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor Actor, actorID string, role auth.Role, name string) (string, domain.APIKey, error) {
	const op = "create_api_key"
	if err := e.check(apiKeyInput{ActorID: actorID, Role: string(role)}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := auth.Require(actor, auth.PermAPIKeyManage); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "cl_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   strings.TrimSpace(actorID),
		Role:      string(role),
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: domain.FormatTime(e.now()),
	}
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ListAPIKeys lists key bindings, optionally for one actor. Hashes are never returned.
func (e Engine) ListAPIKeys(ctx context.Context, actor Actor, actorID string) ([]domain.APIKey, error) {
	if err := auth.Require(actor, auth.PermAPIKeyManage); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, strings.TrimSpace(actorID))
	if err != nil {
		return nil, e.persistence(ctx, "list_api_keys", err)
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes a key; requests presenting it are rejected from then on.
func (e Engine) RevokeAPIKey(ctx context.Context, actor Actor, id string) error {
	const op = "revoke_api_key"
	if strings.TrimSpace(id) == "" {
		return ValidationError{Field: "id", Message: "is required"}
	}
	if err := auth.Require(actor, auth.PermAPIKeyManage); err != nil {
		return err
	}
	return e.inTx(ctx, op, func(tx *sql.Tx) error {
		err := e.Repo.DeleteAPIKey(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "api_key", ID: id}
		}
		return err
	})
}
