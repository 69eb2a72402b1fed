/*
Copyright 2024 The blobvfs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sqlite

import (
	"database/sql"
	"fmt"
)

const requiredSchemaVersion = 1

// SchemaVersion returns the schema version this package requires.
func SchemaVersion() int { return requiredSchemaVersion }

// sqlCreateTables mirrors pkg/sorted/sqlite's dbschema.go rows/meta split:
// a meta table carrying the schema version, plus one table per row
// kind this store actually persists.
func sqlCreateTables() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS meta (
 metakey VARCHAR(255) NOT NULL PRIMARY KEY,
 value VARCHAR(255) NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS files (
 file_id INTEGER NOT NULL PRIMARY KEY,
 page_size INTEGER NOT NULL,
 file_size INTEGER NOT NULL,
 extent_count INTEGER NOT NULL,
 created_at INTEGER NOT NULL,
 updated_at INTEGER NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS extents (
 extent_id VARCHAR(255) NOT NULL PRIMARY KEY,
 file_id INTEGER NOT NULL,
 extent_index INTEGER NOT NULL,
 start_page INTEGER NOT NULL,
 page_count INTEGER NOT NULL,
 compressed INTEGER NOT NULL,
 stored_size INTEGER NOT NULL,
 checksum INTEGER NOT NULL,
 UNIQUE(file_id, extent_index))`,

		`CREATE INDEX IF NOT EXISTS extents_file_idx ON extents(file_id)`,

		`CREATE TABLE IF NOT EXISTS dirty_pages (
 file_id INTEGER NOT NULL,
 page_num INTEGER NOT NULL,
 data BLOB NOT NULL,
 PRIMARY KEY (file_id, page_num))`,
	}
}

// enableWAL returns the pragma pkg/sorted/sqlite's EnableWAL enables for
// write concurrency; modernc.org/sqlite supports it the same as
// mattn/go-sqlite3 does.
func enableWAL() string { return "PRAGMA journal_mode = WAL" }

// initDB creates the schema in a freshly opened database.
func initDB(db *sql.DB) error {
	for _, stmt := range sqlCreateTables() {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}
	if _, err := db.Exec(enableWAL()); err != nil {
		return fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	_, err := db.Exec(`REPLACE INTO meta (metakey, value) VALUES ('version', ?)`, fmt.Sprint(requiredSchemaVersion))
	return err
}
