// Copyright 2026 vfsindex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"

	"vfsindex/internal/cache"
	"vfsindex/internal/common"
	"vfsindex/internal/util"
)

// NameTable interns strings to stable positive int32 ids.
// The empty string is always id 0 and never stored.
type NameTable struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
	cache *cache.NameCache
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first so journal_mode=WAL waits for locks instead of failing.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	// WAL with NORMAL sync survives process crashes; records.dat carries
	// its own connection status for everything else.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -2000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// OpenNameTable opens or creates names.db at path.
// A schema_info version other than NamesSchemaVersion yields ErrCorrupt.
func OpenNameTable(path string, cacheSize int) (*NameTable, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open name table: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := execStatements(db, namesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create name schema: %v", ErrCorrupt, err)
	}

	bunDB := NewBunDB(db)
	ctx := context.Background()
	version, err := bunDB.GetSchemaInfo(ctx, "version")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: read schema info: %v", ErrCorrupt, err)
	}
	switch version {
	case "":
		if err := execStatements(db, initNames, NamesSchemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize name table: %w", err)
		}
	case NamesSchemaVersion:
	default:
		db.Close()
		return nil, fmt.Errorf("%w: name table version %s, want %s", ErrCorrupt, version, NamesSchemaVersion)
	}

	return &NameTable{
		path:  path,
		db:    db,
		bunDB: bunDB,
		cache: cache.NewNameCache(cacheSize),
	}, nil
}

// Enumerate returns the id of name, interning it on first use.
func (nt *NameTable) Enumerate(name string) (int32, error) {
	if name == "" {
		return 0, nil
	}
	if id, ok := nt.cache.ID(name); ok {
		return id, nil
	}

	ctx := context.Background()
	id, err := nt.bunDB.LookupName(ctx, name)
	if errors.Is(err, common.ErrNotFound) {
		id, err = util.RetryWithResult(ctx, func() (int64, error) {
			return nt.bunDB.InsertName(ctx, name)
		}, util.DatabaseRetryOptions(ctx)...)
	}
	if err != nil {
		return 0, fmt.Errorf("enumerate %q: %w", name, err)
	}
	if id <= 0 || id > math.MaxInt32 {
		log.WithFields(log.Fields{"name": name, "id": id}).Error("name id out of range")
		return 0, fmt.Errorf("%w: name id %d out of range", ErrCorrupt, id)
	}

	nt.cache.Put(name, int32(id))
	return int32(id), nil
}

// ValueOf returns the name interned as id.
// Returns common.ErrNotFound for ids that were never handed out.
func (nt *NameTable) ValueOf(id int32) (string, error) {
	if id == 0 {
		return "", nil
	}
	if name, ok := nt.cache.Name(id); ok {
		return name, nil
	}
	name, err := nt.bunDB.NameByID(context.Background(), int64(id))
	if err != nil {
		return "", fmt.Errorf("name id %d: %w", id, err)
	}
	nt.cache.Put(name, id)
	return name, nil
}

// Count returns the number of interned names.
func (nt *NameTable) Count() (int, error) {
	return nt.bunDB.CountNames(context.Background())
}

// CacheStats returns statistics of the in-memory name cache.
func (nt *NameTable) CacheStats() cache.NameCacheStats {
	return nt.cache.Stats()
}

// Close checkpoints the WAL and closes the database.
func (nt *NameTable) Close() error {
	if nt.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	if rows, err := nt.db.Query("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.WithError(err).Warn("name table WAL checkpoint failed")
	} else {
		rows.Close()
	}
	err := nt.db.Close()
	nt.db = nil
	os.Remove(nt.path + "-wal")
	os.Remove(nt.path + "-shm")
	return err
}
