package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vaheed/resource-dispatcher/pkg/types"
)

type postgresStore struct {
	db *sql.DB
}

// NewPostgres creates a Store backed by PostgreSQL and applies migrations.
func NewPostgres(ctx context.Context, dsn string) (*postgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(1 * time.Hour)

	st := &postgresStore{db: db}
	if err := st.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

type migration struct {
	ID  string
	SQL string
}

var migrations = []migration{
	{
		ID: "0001_relation_data",
		SQL: `
CREATE TABLE IF NOT EXISTS relation_data (
	relation TEXT NOT NULL,
	app TEXT NOT NULL,
	version TEXT NOT NULL,
	payload JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (relation, app)
);`,
	},
}

func (p *postgresStore) init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (id TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	for _, m := range migrations {
		applied, err := p.isApplied(ctx, m.ID)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgresStore) isApplied(ctx context.Context, id string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE id=$1`, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *postgresStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`, m.ID, time.Now().UTC()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", m.ID, err)
	}
	return tx.Commit()
}

func (p *postgresStore) Close(ctx context.Context) error {
	return p.db.Close()
}

func (p *postgresStore) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *postgresStore) PutRelation(ctx context.Context, rd types.RelationData) error {
	payload, err := json.Marshal(rd.Data)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO relation_data (relation, app, version, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (relation, app) DO UPDATE
		SET version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, rd.Relation, rd.App, rd.Version, payload, stamp(rd.UpdatedAt))
	return handleSQLError(err)
}

func (p *postgresStore) DeleteRelation(ctx context.Context, relation, app string) error {
	var err error
	if app == "" {
		_, err = p.db.ExecContext(ctx, `DELETE FROM relation_data WHERE relation=$1`, relation)
	} else {
		_, err = p.db.ExecContext(ctx, `DELETE FROM relation_data WHERE relation=$1 AND app=$2`, relation, app)
	}
	return handleSQLError(err)
}

func (p *postgresStore) ListRelations(ctx context.Context) ([]types.RelationData, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT relation, app, version, payload, updated_at FROM relation_data ORDER BY relation, app`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.RelationData
	for rows.Next() {
		var (
			rd  types.RelationData
			raw []byte
		)
		if err := rows.Scan(&rd.Relation, &rd.App, &rd.Version, &raw, &rd.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &rd.Data); err != nil {
			return nil, fmt.Errorf("relation %s/%s: %w", rd.Relation, rd.App, err)
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

func handleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
