package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id        TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	source_type        TEXT NOT NULL,
	source_name        TEXT NOT NULL,
	source_uri         TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	content_hash       TEXT,
	converted          INTEGER NOT NULL DEFAULT 0,
	conversion_outcome TEXT NOT NULL DEFAULT '',
	last_seen_ts       TIMESTAMP,
	tombstoned         INTEGER NOT NULL DEFAULT 0,
	parent_document_id TEXT,
	is_attachment      INTEGER NOT NULL DEFAULT 0,
	extras             TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_documents_source
	ON documents(project_id, source_type, source_name);
CREATE INDEX IF NOT EXISTS idx_documents_parent
	ON documents(parent_document_id);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id    TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(document_id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	created_ts  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS conversion_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	ts          TIMESTAMP NOT NULL,
	outcome     TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conversion_events_document
	ON conversion_events(document_id, ts DESC);

CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// lockStripes serializes writers per document without a global write lock.
const lockStripes = 64

// SQLiteStore implements Store on a workspace SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	locks [lockStripes]sync.Mutex
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// migrate applies additive schema upgrades keyed by the version stored in
// the state table.
func migrate(db *sql.DB) error {
	var current int
	err := db.QueryRow(`SELECT value FROM state WHERE key = 'schema_version'`).Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("state db schema version %d is newer than supported %d", current, schemaVersion)
	}
	if current < schemaVersion {
		if _, err := db.Exec(
			`INSERT INTO state(key, value) VALUES('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			fmt.Sprint(schemaVersion)); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) lockFor(documentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(documentID))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Diff(ctx context.Context, projectID, sourceType, sourceName string, observed []Observation) (DiffResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, content_hash, tombstoned FROM documents
		 WHERE project_id = ? AND source_type = ? AND source_name = ?`,
		projectID, sourceType, sourceName)
	if err != nil {
		return DiffResult{}, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	type stored struct {
		hash       sql.NullString
		tombstoned bool
	}
	known := make(map[string]stored)
	for rows.Next() {
		var id string
		var st stored
		if err := rows.Scan(&id, &st.hash, &st.tombstoned); err != nil {
			return DiffResult{}, fmt.Errorf("scan document: %w", err)
		}
		known[id] = st
	}
	if err := rows.Err(); err != nil {
		return DiffResult{}, err
	}

	var out DiffResult
	seen := make(map[string]bool, len(observed))
	for _, obs := range observed {
		seen[obs.DocumentID] = true
		st, ok := known[obs.DocumentID]
		switch {
		case !ok || st.tombstoned || !st.hash.Valid:
			out.New = append(out.New, obs.DocumentID)
		case st.hash.String != obs.ContentHash:
			out.Updated = append(out.Updated, obs.DocumentID)
		default:
			out.Unchanged = append(out.Unchanged, obs.DocumentID)
		}
	}
	for id, st := range known {
		if !seen[id] && !st.tombstoned {
			out.Deleted = append(out.Deleted, id)
		}
	}
	return out, nil
}

func (s *SQLiteStore) CommitDocument(ctx context.Context, doc Document, chunkIDs []string) error {
	mu := s.lockFor(doc.DocumentID)
	mu.Lock()
	defer mu.Unlock()

	extras, err := json.Marshal(orEmpty(doc.Extras))
	if err != nil {
		return fmt.Errorf("marshal extras: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (document_id, project_id, source_type, source_name,
			source_uri, title, content_hash, converted, conversion_outcome,
			last_seen_ts, tombstoned, parent_document_id, is_attachment, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			title = excluded.title,
			content_hash = excluded.content_hash,
			converted = excluded.converted,
			conversion_outcome = excluded.conversion_outcome,
			last_seen_ts = excluded.last_seen_ts,
			tombstoned = 0,
			parent_document_id = excluded.parent_document_id,
			is_attachment = excluded.is_attachment,
			extras = excluded.extras`,
		doc.DocumentID, doc.ProjectID, doc.SourceType, doc.SourceName,
		doc.SourceURI, doc.Title, doc.ContentHash, doc.Converted,
		doc.ConversionOutcome, doc.LastSeen.UTC(), nullable(doc.ParentDocumentID),
		doc.IsAttachment, string(extras)); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, doc.DocumentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for i, id := range chunkIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (chunk_id, document_id, chunk_index) VALUES (?, ?, ?)`,
			id, doc.DocumentID, i); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Tombstone(ctx context.Context, documentID string) ([]string, error) {
	mu := s.lockFor(documentID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tombstone: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunkIDs, err := chunksForTx(ctx, tx, documentID)
	if err != nil {
		return nil, err
	}

	// Exactly one of content_hash / tombstoned holds per row.
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET tombstoned = 1, content_hash = NULL WHERE document_id = ?`,
		documentID); err != nil {
		return nil, fmt.Errorf("tombstone document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tombstone: %w", err)
	}
	return chunkIDs, nil
}

func (s *SQLiteStore) ChunksFor(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id FROM chunks WHERE document_id = ? ORDER BY chunk_index`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func chunksForTx(ctx context.Context, tx *sql.Tx, documentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT chunk_id FROM chunks WHERE document_id = ? ORDER BY chunk_index`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) MarkSeen(ctx context.Context, documentID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET last_seen_ts = ? WHERE document_id = ?`,
		ts.UTC(), documentID)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StaleDocuments(ctx context.Context, projectID, sourceType, sourceName string, seen []string) ([]string, error) {
	query := `SELECT document_id FROM documents
		WHERE project_id = ? AND source_type = ? AND source_name = ? AND tombstoned = 0`
	args := []any{projectID, sourceType, sourceName}
	if len(seen) > 0 {
		query += ` AND document_id NOT IN (?` + strings.Repeat(",?", len(seen)-1) + `)`
		for _, id := range seen {
			args = append(args, id)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale documents: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) RecordConversion(ctx context.Context, ev ConversionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversion_events (document_id, ts, outcome, detail) VALUES (?, ?, ?, ?)`,
		ev.DocumentID, ev.Time.UTC(), ev.Outcome, ev.Detail)
	if err != nil {
		return fmt.Errorf("record conversion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConversionHistory(ctx context.Context, documentID string, limit int) ([]ConversionEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, ts, outcome, detail FROM conversion_events
		 WHERE document_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversion events: %w", err)
	}
	defer rows.Close()

	var events []ConversionEvent
	for rows.Next() {
		var ev ConversionEvent
		if err := rows.Scan(&ev.DocumentID, &ev.Time, &ev.Outcome, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan conversion event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, documentID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, project_id, source_type, source_name, source_uri,
			title, COALESCE(content_hash, ''), converted, conversion_outcome,
			COALESCE(last_seen_ts, '0001-01-01 00:00:00'), tombstoned,
			COALESCE(parent_document_id, ''), is_attachment, extras
		FROM documents WHERE document_id = ?`, documentID)

	var doc Document
	var extras string
	if err := row.Scan(&doc.DocumentID, &doc.ProjectID, &doc.SourceType,
		&doc.SourceName, &doc.SourceURI, &doc.Title, &doc.ContentHash,
		&doc.Converted, &doc.ConversionOutcome, &doc.LastSeen, &doc.Tombstoned,
		&doc.ParentDocumentID, &doc.IsAttachment, &extras); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal([]byte(extras), &doc.Extras); err != nil {
		doc.Extras = map[string]string{}
	}
	return &doc, nil
}

func (s *SQLiteStore) ProjectStatus(ctx context.Context, projectID string) ([]SourceStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.source_type, d.source_name,
			COUNT(DISTINCT d.document_id),
			COUNT(c.chunk_id),
			COALESCE(MAX(d.last_seen_ts), '0001-01-01 00:00:00')
		FROM documents d
		LEFT JOIN chunks c ON c.document_id = d.document_id
		WHERE d.project_id = ? AND d.tombstoned = 0
		GROUP BY d.source_type, d.source_name
		ORDER BY d.source_type, d.source_name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query project status: %w", err)
	}
	defer rows.Close()

	var out []SourceStatus
	for rows.Next() {
		var st SourceStatus
		if err := rows.Scan(&st.SourceType, &st.SourceName, &st.DocumentCount,
			&st.ChunkCount, &st.LastRun); err != nil {
			return nil, fmt.Errorf("scan source status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetRunValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set run value: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RunValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get run value: %w", err)
	}
	return value, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
