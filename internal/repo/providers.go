package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"coordline/internal/domain"
)

// UpsertProvider replicates a directory entry. created_at is kept from the first sync.
func (r Repo) UpsertProvider(ctx context.Context, tx *sql.Tx, p domain.Provider) error {
	types := p.ServiceTypes
	if types == nil {
		types = []string{}
	}
	payload, err := json.Marshal(types)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO providers(id,name,service_types,verified,active,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, service_types=excluded.service_types, verified=excluded.verified,
active=excluded.active, updated_at=excluded.updated_at`,
		p.ID, p.Name, string(payload), p.Verified, p.Active, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProvider(row rowScanner) (domain.Provider, error) {
	var p domain.Provider
	var types string
	err := row.Scan(&p.ID, &p.Name, &types, &p.Verified, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(types), &p.ServiceTypes); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) GetProvider(ctx context.Context, tx *sql.Tx, id string) (domain.Provider, error) {
	return scanProvider(r.q(tx).QueryRowContext(ctx, `SELECT id,name,service_types,verified,active,created_at,updated_at FROM providers WHERE id=?`, id))
}

type ProviderFilters struct {
	ServiceType  string
	EligibleOnly bool
}

func (r Repo) ListProviders(ctx context.Context, f ProviderFilters) ([]domain.Provider, error) {
	var clauses []string
	var args []any
	if f.ServiceType != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(providers.service_types) WHERE json_each.value=?)")
		args = append(args, f.ServiceType)
	}
	if f.EligibleOnly {
		clauses = append(clauses, "verified=1 AND active=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,service_types,verified,active,created_at,updated_at FROM providers `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type ProviderCounts struct {
	Total    int `json:"total"`
	Eligible int `json:"eligible"`
	Busy     int `json:"busy"`
}

// CountProviders reports directory size, how many may be assigned, and how many hold
// an active assignment right now.
func (r Repo) CountProviders(ctx context.Context) (ProviderCounts, error) {
	var c ProviderCounts
	err := r.DB.QueryRowContext(ctx, `SELECT
COUNT(*),
COALESCE(SUM(CASE WHEN verified=1 AND active=1 THEN 1 ELSE 0 END),0),
(SELECT COUNT(DISTINCT provider_id) FROM assignments WHERE is_active=1)
FROM providers`).Scan(&c.Total, &c.Eligible, &c.Busy)
	return c, err
}
