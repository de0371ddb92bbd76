package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"vfsindex/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Name Operations ---

// LookupName returns the id of an interned name.
// Returns common.ErrNotFound if the name has never been interned.
func (db *BunDB) LookupName(ctx context.Context, name string) (int64, error) {
	var model NameModel
	err := db.NewSelect().
		Model(&model).
		Column("id").
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, common.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return model.ID, nil
}

// NameByID returns the interned name for id.
// Returns common.ErrNotFound for unknown ids.
func (db *BunDB) NameByID(ctx context.Context, id int64) (string, error) {
	var model NameModel
	err := db.NewSelect().
		Model(&model).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.Name, nil
}

// InsertName interns name and returns its new id.
// Use RETURNING clause to get the id (libsql doesn't support LastInsertId).
// A concurrent insert of the same name makes the statement return no row;
// callers fall back to LookupName.
func (db *BunDB) InsertName(ctx context.Context, name string) (int64, error) {
	model := &NameModel{Name: name}
	_, err := db.NewInsert().
		Model(model).
		On("CONFLICT (name) DO NOTHING").
		Returning("id").
		Exec(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if err != nil || model.ID == 0 {
		return db.LookupName(ctx, name)
	}
	return model.ID, nil
}

// CountNames returns the number of interned names.
func (db *BunDB) CountNames(ctx context.Context) (int, error) {
	return db.NewSelect().Model((*NameModel)(nil)).Count(ctx)
}
