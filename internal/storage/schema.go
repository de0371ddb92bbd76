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
	"database/sql"
	"errors"
	"strings"
)

// RecordID identifies a record in records.dat. Ids are slot numbers.
type RecordID int32

const (
	// NullRecord is the header slot; it never names a file.
	NullRecord RecordID = 0
	// PseudoRoot holds the list of mounted roots.
	PseudoRoot RecordID = 1
	// firstRecord is the first id handed out by CreateRecord.
	firstRecord RecordID = 2
)

// FormatVersion is stored in the header slot of records.dat.
// A mismatch on open triggers a full rebuild.
const FormatVersion int32 = 1

// Connection status magic values in the header slot.
const (
	ConnectionConnected    int32 = 0x12ad34e
	ConnectionSafelyClosed int32 = 0x1f2f3f4f
)

// Record layout (big-endian).
const (
	RecordSize = 40

	offParent        = 0
	offName          = 4
	offFlags         = 8
	offAttributeHead = 12
	offCRC           = 16
	offTimestamp     = 24
	offModCount      = 32
	offLength        = 36
)

// Header layout, stored in slot 0.
const (
	offVersion          = 0
	offFreeListHead     = 4
	offGlobalModCount   = 8
	offConnectionStatus = 12
)

// Flags is the per-record flag word.
type Flags int32

const (
	FlagChildrenCached Flags = 1 << iota
	FlagIsDirectory
	FlagIsReadOnly
	FlagMustReloadContent
	// FlagFreeRecord marks a record sitting on the free list.
	FlagFreeRecord
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Backing file names inside a store directory.
const (
	RecordsFile    = "records.dat"
	AttributesFile = "attributes.dat"
	NamesFile      = "names.db"
	LockFile       = "store.lock"
)

// Well-known attribute names.
const (
	AttrChildren = "children"
	AttrRoots    = "roots"
	AttrContent  = "content"

	// attributeNamePrefix keeps attribute names apart from file names in the
	// shared name table; '/' never appears in a file name.
	attributeNamePrefix = "attr/"
)

var (
	ErrSelfParent        = errors.New("record cannot be its own parent")
	ErrCyclicParent      = errors.New("parent chain contains a cycle")
	ErrFreeRecord        = errors.New("record is on the free list")
	ErrInvalidRecord     = errors.New("invalid record id")
	ErrCorrupt           = errors.New("store is corrupt")
	ErrAttributeTooLarge = errors.New("attribute payload too large")
	ErrStoreLocked       = errors.New("store is locked by another process")
	ErrClosed            = errors.New("store is closed")
)

// NamesSchemaVersion is the version of the names.db schema.
const NamesSchemaVersion = "1"

// Default busy_timeout for names.db in milliseconds
const DefaultBusyTimeout = 5000

// Schema SQL for names.db
const namesSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Interned names; id 0 is reserved for the empty name
CREATE TABLE IF NOT EXISTS names (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);
`

const initNames = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'names');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		// Count placeholders in this statement
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
