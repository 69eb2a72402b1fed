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

// Package sqlite is a metastore.Store backed by an SQLite database
// file, grounded on pkg/sorted/sqlite (schema init + version check on
// open) and pkg/sorted/sqlkv (plain database/sql statements, no ORM).
// Uses modernc.org/sqlite, a CGo-free driver, instead of
// mattn/go-sqlite3 so the resulting binary needs no C toolchain.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/corestash/blobvfs/pkg/metastore"
)

// MetaStore is a metastore.Store backed by a single SQLite file.
type MetaStore struct {
	db *sql.DB
}

// Open opens (creating and initializing if necessary) the SQLite
// database at path.
func Open(path string) (*MetaStore, error) {
	fi, statErr := os.Stat(path)
	needsInit := os.IsNotExist(statErr) || (statErr == nil && fi.Size() == 0)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// sqlite's single-writer model means a connection pool just
	// serializes behind the database lock; cap it at one so
	// database/sql's own pooling doesn't hide SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	if needsInit {
		if err := initDB(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	ms := &MetaStore{db: db}
	version, err := ms.schemaVersion()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: reading schema version (re-init needed?): %w", err)
	}
	if version != requiredSchemaVersion {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema version is %d, expected %d", version, requiredSchemaVersion)
	}
	return ms, nil
}

func (m *MetaStore) Close() error { return m.db.Close() }

func (m *MetaStore) schemaVersion() (int, error) {
	var v int
	err := m.db.QueryRow(`SELECT value FROM meta WHERE metakey='version'`).Scan(&v)
	return v, err
}

func (m *MetaStore) UpsertFile(ctx context.Context, f metastore.FileRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO files (file_id, page_size, file_size, extent_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			page_size=excluded.page_size,
			file_size=excluded.file_size,
			extent_count=excluded.extent_count,
			updated_at=excluded.updated_at
	`, f.FileID, f.PageSize, f.FileSize, f.ExtentCount, f.CreatedAt, f.UpdatedAt)
	return err
}

func (m *MetaStore) GetFile(ctx context.Context, fileID uint64) (metastore.FileRecord, bool, error) {
	var f metastore.FileRecord
	f.FileID = fileID
	err := m.db.QueryRowContext(ctx, `
		SELECT page_size, file_size, extent_count, created_at, updated_at
		FROM files WHERE file_id = ?
	`, fileID).Scan(&f.PageSize, &f.FileSize, &f.ExtentCount, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return metastore.FileRecord{}, false, nil
	}
	if err != nil {
		return metastore.FileRecord{}, false, err
	}
	return f, true, nil
}

func (m *MetaStore) DeleteFile(ctx context.Context, fileID uint64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM extents WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dirty_pages WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MetaStore) UpsertExtent(ctx context.Context, e metastore.ExtentRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO extents (extent_id, file_id, extent_index, start_page, page_count, compressed, stored_size, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id, extent_index) DO UPDATE SET
			extent_id=excluded.extent_id,
			start_page=excluded.start_page,
			page_count=excluded.page_count,
			compressed=excluded.compressed,
			stored_size=excluded.stored_size,
			checksum=excluded.checksum
	`, e.ExtentID, e.FileID, e.ExtentIndex, e.StartPage, e.PageCount, e.Compressed, e.StoredSize, e.Checksum)
	return err
}

func (m *MetaStore) FindExtent(ctx context.Context, fileID uint64, pageNum int64) (metastore.ExtentRecord, bool, error) {
	e := metastore.ExtentRecord{FileID: fileID}
	err := m.db.QueryRowContext(ctx, `
		SELECT extent_id, extent_index, start_page, page_count, compressed, stored_size, checksum
		FROM extents
		WHERE file_id = ? AND start_page <= ? AND ? < start_page + page_count
	`, fileID, pageNum, pageNum).Scan(&e.ExtentID, &e.ExtentIndex, &e.StartPage, &e.PageCount, &e.Compressed, &e.StoredSize, &e.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return metastore.ExtentRecord{}, false, nil
	}
	if err != nil {
		return metastore.ExtentRecord{}, false, err
	}
	return e, true, nil
}

func (m *MetaStore) ListExtents(ctx context.Context, fileID uint64) ([]metastore.ExtentRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT extent_id, extent_index, start_page, page_count, compressed, stored_size, checksum
		FROM extents WHERE file_id = ? ORDER BY extent_index
	`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metastore.ExtentRecord
	for rows.Next() {
		e := metastore.ExtentRecord{FileID: fileID}
		if err := rows.Scan(&e.ExtentID, &e.ExtentIndex, &e.StartPage, &e.PageCount, &e.Compressed, &e.StoredSize, &e.Checksum); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m *MetaStore) DeleteExtent(ctx context.Context, fileID uint64, extentIndex int) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM extents WHERE file_id = ? AND extent_index = ?`, fileID, extentIndex)
	return err
}

func (m *MetaStore) DeleteExtentsForFile(ctx context.Context, fileID uint64) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM extents WHERE file_id = ?`, fileID)
	return err
}

func (m *MetaStore) PutDirtyPage(ctx context.Context, fileID uint64, pageNum int64, data []byte) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO dirty_pages (file_id, page_num, data) VALUES (?, ?, ?)
		ON CONFLICT(file_id, page_num) DO UPDATE SET data=excluded.data
	`, fileID, pageNum, data)
	return err
}

func (m *MetaStore) GetDirtyPage(ctx context.Context, fileID uint64, pageNum int64) ([]byte, bool, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx, `
		SELECT data FROM dirty_pages WHERE file_id = ? AND page_num = ?
	`, fileID, pageNum).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *MetaStore) ListDirtyPages(ctx context.Context, fileID uint64) (map[int64][]byte, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT page_num, data FROM dirty_pages WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]byte)
	for rows.Next() {
		var pageNum int64
		var data []byte
		if err := rows.Scan(&pageNum, &data); err != nil {
			return nil, err
		}
		out[pageNum] = data
	}
	return out, rows.Err()
}

func (m *MetaStore) DeleteDirtyPages(ctx context.Context, fileID uint64, pageNums []int64) error {
	if len(pageNums) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM dirty_pages WHERE file_id = ? AND page_num = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, pn := range pageNums {
		if _, err := stmt.ExecContext(ctx, fileID, pn); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *MetaStore) CountDirtyPages(ctx context.Context, fileID uint64) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dirty_pages WHERE file_id = ?`, fileID).Scan(&n)
	return n, err
}

var _ metastore.Store = (*MetaStore)(nil)
