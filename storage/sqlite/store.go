// Copyright 2025 Poiesic Systems
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

package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
	"github.com/poiesic/docingest/storage/sqlite/migrations"
)

// DatabaseFile is the file name of the metadata database inside its directory.
const DatabaseFile = "metadata.db"

// Store is the SQLite-backed metadata store.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.MetadataStore = (*Store)(nil)

// NewStore opens (creating if needed) the metadata database in dataDir
// and applies pending migrations.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, errors.New("metadata store: data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:   db,
		path: dbPath,
	}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping runs a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pinging metadata store: %w", err)
	}
	return nil
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_initial.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}

	return nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ==================== Chunks ====================

// ReplaceChunks upserts a document's rows and drops rows beyond them,
// in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, rows []core.ChunkRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND position >= ?`,
		documentID, len(rows)); err != nil {
		return fmt.Errorf("pruning chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, position, vector_id, content, start_offset,
			end_offset, overlap_start, token_estimate, model, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, position) DO UPDATE SET
			vector_id = excluded.vector_id,
			content = excluded.content,
			start_offset = excluded.start_offset,
			end_offset = excluded.end_offset,
			overlap_start = excluded.overlap_start,
			token_estimate = excluded.token_estimate,
			model = excluded.model,
			stored_at = excluded.stored_at
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.DocumentID != documentID {
			return fmt.Errorf("%w: row for %q in batch for %q", storage.ErrInvalidQuery, row.DocumentID, documentID)
		}
		if _, err := stmt.ExecContext(ctx, row.DocumentID, row.Position, row.VectorID.String(),
			row.Text, row.Start, row.End, row.OverlapStart, row.TokenEstimate,
			row.Model, toMicros(row.StoredAt)); err != nil {
			return fmt.Errorf("saving chunk %d: %w", row.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const chunkColumns = `document_id, position, vector_id, content, start_offset,
	end_offset, overlap_start, token_estimate, model, stored_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*core.ChunkRecord, error) {
	var (
		rec      core.ChunkRecord
		vectorID string
		storedAt int64
	)
	if err := row.Scan(&rec.DocumentID, &rec.Position, &vectorID, &rec.Text, &rec.Start,
		&rec.End, &rec.OverlapStart, &rec.TokenEstimate, &rec.Model, &storedAt); err != nil {
		return nil, err
	}
	var id uint64
	if _, err := fmt.Sscanf(vectorID, "%x", &id); err != nil {
		return nil, fmt.Errorf("parsing vector id %q: %w", vectorID, err)
	}
	rec.VectorID = core.ID(id)
	rec.StoredAt = fromMicros(storedAt)
	return &rec, nil
}

// GetChunks returns a document's rows ordered by position.
func (s *Store) GetChunks(ctx context.Context, documentID string) ([]core.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY position`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []core.ChunkRecord //nolint:prealloc // size unknown from query
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetChunk returns a single row.
func (s *Store) GetChunk(ctx context.Context, documentID string, position int) (*core.ChunkRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? AND position = ?`,
		documentID, position)
	rec, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting chunk: %w", err)
	}
	return rec, nil
}

// DeleteDocument removes every row of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}
