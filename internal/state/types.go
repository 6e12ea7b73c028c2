// Package state persists per-document ingestion state in a workspace SQLite
// database. It is the source of truth for change detection and for the chunk
// ids that must be deleted when a document updates or disappears.
package state

import (
	"context"
	"time"
)

// Document is one row of the documents table.
type Document struct {
	DocumentID        string
	ProjectID         string
	SourceType        string
	SourceName        string
	SourceURI         string
	Title             string
	ContentHash       string
	Converted         bool
	ConversionOutcome string
	LastSeen          time.Time
	Tombstoned        bool
	ParentDocumentID  string
	IsAttachment      bool
	Extras            map[string]string
}

// Observation is what a connector reports about one document during a run.
type Observation struct {
	DocumentID  string
	ContentHash string
}

// DiffResult classifies observations against stored state.
type DiffResult struct {
	New       []string
	Updated   []string
	Unchanged []string
	Deleted   []string
}

// ConversionEvent records one conversion attempt for a document.
type ConversionEvent struct {
	DocumentID string
	Time       time.Time
	Outcome    string
	Detail     string
}

// SourceStatus summarizes one (source_type, source_name) pair for status output.
type SourceStatus struct {
	SourceType    string
	SourceName    string
	DocumentCount int
	ChunkCount    int
	LastRun       time.Time
}

// Store is the state-store contract used by the pipeline and the CLI.
type Store interface {
	// Diff classifies observed documents for a source against stored rows.
	// Deleted contains stored, non-tombstoned ids absent from observed.
	Diff(ctx context.Context, projectID, sourceType, sourceName string, observed []Observation) (DiffResult, error)

	// CommitDocument transactionally replaces the document's hash, chunk-id
	// set and last_seen timestamp. A tombstoned row is revived.
	CommitDocument(ctx context.Context, doc Document, chunkIDs []string) error

	// Tombstone marks the document deleted and returns the chunk ids to
	// remove from the vector store.
	Tombstone(ctx context.Context, documentID string) ([]string, error)

	// ChunksFor returns the committed chunk ids for a document in index order.
	ChunksFor(ctx context.Context, documentID string) ([]string, error)

	// MarkSeen bumps last_seen for unchanged documents.
	MarkSeen(ctx context.Context, documentID string, ts time.Time) error

	// StaleDocuments returns non-tombstoned document ids for the source that
	// are not in seen; used for the end-of-run tombstone sweep.
	StaleDocuments(ctx context.Context, projectID, sourceType, sourceName string, seen []string) ([]string, error)

	// RecordConversion appends a conversion event for the document.
	RecordConversion(ctx context.Context, ev ConversionEvent) error

	// ConversionHistory returns the most recent events for a document.
	ConversionHistory(ctx context.Context, documentID string, limit int) ([]ConversionEvent, error)

	// Get returns a document row.
	Get(ctx context.Context, documentID string) (*Document, error)

	// ProjectStatus summarizes sources for one project.
	ProjectStatus(ctx context.Context, projectID string) ([]SourceStatus, error)

	// SetRunValue / RunValue store run bookkeeping (last-run timestamps).
	SetRunValue(ctx context.Context, key, value string) error
	RunValue(ctx context.Context, key string) (string, error)

	Close() error
}
