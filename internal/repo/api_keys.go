package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"coordline/internal/domain"
)

const apiKeyColumns = `id, actor_id, role, name, key_hash, created_at`

// HashAPIKey is the stored form of a plaintext key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.ActorID, &k.Role, &k.Name, &k.KeyHash, &k.CreatedAt)
	return k, err
}

// InsertAPIKey stores a key binding. KeyHash must already be hashed.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("api key id required")
	case key.ActorID == "" || key.Role == "":
		return errors.New("api key must bind an actor and a role")
	case key.KeyHash == "":
		return errors.New("api key hash required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, key.Role, key.Name, key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash resolves the (actor, role) a presented key authenticates as.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// ListAPIKeys returns key bindings newest first, optionally for one actor.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key. ErrNotFound when nothing was deleted.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
