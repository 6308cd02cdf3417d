package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// Migrate brings the supervisor tables up to date. Migrations are strictly
// additive: tables are created if missing and absent columns are added
// with ALTER TABLE ADD COLUMN. Columns are never dropped or retyped.
func Migrate(ctx context.Context, db *bun.DB, log *slog.Logger) error {
	for _, model := range []any{(*ExternalServer)(nil), (*RegistryCacheEntry)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Columns added after the initial schema shipped. Fresh installs get
	// them from CreateTable; upgraded databases get them here.
	additive := map[string][]columnDef{
		"external_servers": {
			{"package_type", "VARCHAR"},
			{"source_url", "VARCHAR"},
			{"config_yaml", "VARCHAR"},
			{"transport_type", "VARCHAR"},
			{"server_url", "VARCHAR"},
		},
		"external_registry_cache": {
			{"latest_version", "VARCHAR"},
		},
	}

	for table, columns := range additive {
		existing, err := tableColumns(ctx, db, table)
		if err != nil {
			return fmt.Errorf("introspect %s: %w", table, err)
		}
		for _, col := range columns {
			if existing[col.name] {
				continue
			}
			ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.sqlType)
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
			}
			log.Info("added column", slog.String("table", table), slog.String("column", col.name))
		}
	}
	return nil
}

type columnDef struct {
	name    string
	sqlType string
}

// tableColumns returns the existing column names of a table, using PRAGMA
// on SQLite and information_schema on Postgres.
func tableColumns(ctx context.Context, db *bun.DB, table string) (map[string]bool, error) {
	columns := make(map[string]bool)

	if db.Dialect().Name() == dialect.SQLite {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt any
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return nil, err
			}
			columns[name] = true
		}
		return columns, rows.Err()
	}

	rows, err := db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = ?", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
