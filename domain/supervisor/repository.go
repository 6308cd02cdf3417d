package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// Repository handles database operations for external server records.
// Transactions are short; no row handles are cached.
type Repository struct {
	db bun.IDB
}

func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

// --- External servers ---

func (r *Repository) CreateServer(ctx context.Context, server *ExternalServer) error {
	now := time.Now()
	server.CreatedAt = now
	server.UpdatedAt = now
	_, err := r.db.NewInsert().Model(server).Exec(ctx)
	return err
}

func (r *Repository) UpdateServer(ctx context.Context, server *ExternalServer) error {
	server.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().Model(server).WherePK().Exec(ctx)
	return err
}

func (r *Repository) FindServerByID(ctx context.Context, id string) (*ExternalServer, error) {
	server := new(ExternalServer)
	err := r.db.NewSelect().Model(server).Where("es.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return server, nil
}

func (r *Repository) FindServerByNamespace(ctx context.Context, namespace string) (*ExternalServer, error) {
	server := new(ExternalServer)
	err := r.db.NewSelect().Model(server).Where("es.namespace = ?", namespace).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return server, nil
}

func (r *Repository) FindAllServers(ctx context.Context) ([]*ExternalServer, error) {
	var servers []*ExternalServer
	err := r.db.NewSelect().Model(&servers).Order("namespace ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return servers, nil
}

func (r *Repository) DeleteServer(ctx context.Context, id string) error {
	_, err := r.db.NewDelete().Model((*ExternalServer)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

// --- Registry cache ---

// UpsertRegistryCache stores the latest registry metadata for a server
// name.
func (r *Repository) UpsertRegistryCache(ctx context.Context, entry *RegistryCacheEntry) error {
	entry.UpdatedAt = time.Now()
	_, err := r.db.NewInsert().
		Model(entry).
		On("CONFLICT (server_name) DO UPDATE").
		Set("latest_version = EXCLUDED.latest_version").
		Set("metadata_json = EXCLUDED.metadata_json").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (r *Repository) FindRegistryCache(ctx context.Context, serverName string) (*RegistryCacheEntry, error) {
	entry := new(RegistryCacheEntry)
	err := r.db.NewSelect().Model(entry).Where("server_name = ?", serverName).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (r *Repository) ListRegistryCache(ctx context.Context) ([]*RegistryCacheEntry, error) {
	var entries []*RegistryCacheEntry
	err := r.db.NewSelect().Model(&entries).Order("server_name ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
