// Package pipeline orchestrates one ingestion run. Connector streams flow
// through four bounded stages: produce, convert+chunk, embed, upsert. Change
// detection happens after conversion, so a document whose markdown rendering
// is unchanged costs no embedding call. Each document commits atomically:
// stale chunks are deleted, new points upserted, and the state row replaced
// in that order, so a crash can only leave extra points, never missing ones.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/thanhbn/qdrant-loader-sub001/internal/chunking"
	"github.com/thanhbn/qdrant-loader-sub001/internal/convert"
	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
	"github.com/thanhbn/qdrant-loader-sub001/internal/keyword"
	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
	"github.com/thanhbn/qdrant-loader-sub001/internal/source"
	"github.com/thanhbn/qdrant-loader-sub001/internal/state"
	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

// VectorStore is the slice of the vector store the pipeline writes to.
type VectorStore interface {
	Upsert(ctx context.Context, points []vectorstore.Point) error
	DeleteByIDs(ctx context.Context, chunkIDs []string) error
}

// KeywordIndex mirrors committed chunks for lexical retrieval. It is
// optional; a nil index disables mirroring.
type KeywordIndex interface {
	IndexChunks(ctx context.Context, entries []keyword.Entry) error
	DeleteChunks(ctx context.Context, chunkIDs []string) error
}

// Embedder is the slice of the LLM provider the pipeline uses.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	CountTokens(text string) int
}

// Config sizes the worker pools and queues.
type Config struct {
	ChunkWorkers  int
	EmbedWorkers  int
	UpsertWorkers int
	QueueSize     int

	// MaxTokensPerRequest bounds one embedding batch; MaxTokensPerChunk
	// truncates the text sent per chunk. Zero disables the bound.
	MaxTokensPerRequest int
	MaxTokensPerChunk   int

	// UpsertRetries is the number of extra attempts for transient vector
	// store failures.
	UpsertRetries int

	// LockPath, when set, is the workspace lock file. A held lock fails
	// the run instead of racing a concurrent ingest.
	LockPath string

	// Force reprocesses documents whose content hash is unchanged.
	Force bool
}

func (c Config) withDefaults() Config {
	if c.ChunkWorkers <= 0 {
		c.ChunkWorkers = 4
	}
	if c.EmbedWorkers <= 0 {
		c.EmbedWorkers = 2
	}
	if c.UpsertWorkers <= 0 {
		c.UpsertWorkers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Deps are the pipeline collaborators.
type Deps struct {
	State     state.Store
	Converter *convert.Converter
	Chunker   *chunking.Engine
	Embedder  Embedder
	Vectors   VectorStore
	Keyword   KeywordIndex
	Logger    *slog.Logger
}

// Source is one configured connector to run, with its project scope.
type Source struct {
	ProjectID string
	Connector source.Connector
	// Since, when non-nil, is the last successful run for this source.
	Since *time.Time
	// Convert enables binary-to-markdown conversion for this source.
	Convert bool
}

// Report summarizes one run.
type Report struct {
	DocumentsSeen int64
	Unchanged     int64
	Converted     int64
	Chunked       int64
	Embedded      int64
	Upserted      int64
	Tombstoned    int64
	Failed        int64
	EmbedRequests int64
	EmbedRetries  int64
	Duration      time.Duration
}

// Runner executes ingestion runs.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	seen      atomic.Int64
	unchanged atomic.Int64
	converted atomic.Int64
	chunked   atomic.Int64
	embedded  atomic.Int64
	upserted  atomic.Int64
	failed    atomic.Int64
	requests  atomic.Int64
}

// New creates a runner.
func New(cfg Config, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg.withDefaults(), deps: deps, logger: logger}
}

// sourceRun tracks one connector's progress across the run. seen is written
// only by that source's producer goroutine; errored sources skip the
// tombstone sweep because their enumeration may be incomplete.
type sourceRun struct {
	src     Source
	seen    []string
	errored bool
}

// job is one document on its way to the chunk stage.
type job struct {
	run *sourceRun
	doc *source.Document
}

// envelope carries everything needed for one document's atomic commit.
type envelope struct {
	row      state.Document
	hier     *source.Hierarchy
	mimeType string
	fileType string
	size     int64
	chunks   []chunking.Chunk
	// vectors is parallel to chunks once the embed stage filled it in.
	vectors [][]float32
}

// Run ingests all sources and returns the run report. Individual document
// failures are counted and logged; only context cancellation or a failed
// workspace lock abort the run.
func (r *Runner) Run(ctx context.Context, sources []Source) (*Report, error) {
	start := time.Now()
	retriesBefore := llm.RetryCount()
	for _, c := range []*atomic.Int64{
		&r.seen, &r.unchanged, &r.converted, &r.chunked,
		&r.embedded, &r.upserted, &r.failed, &r.requests,
	} {
		c.Store(0)
	}

	if r.cfg.LockPath != "" {
		lock := flock.New(r.cfg.LockPath)
		held, err := lock.TryLock()
		if err != nil {
			return nil, qerrors.Newf(qerrors.CodeStateMismatch, err, "acquire workspace lock %s", r.cfg.LockPath)
		}
		if !held {
			return nil, qerrors.New(qerrors.CodeStateMismatch, "another ingest holds the workspace lock", nil).
				WithSuggestion("wait for the running ingest to finish or remove a stale " + r.cfg.LockPath)
		}
		defer func() { _ = lock.Unlock() }()
	}

	runs := make([]*sourceRun, len(sources))
	for i, src := range sources {
		runs[i] = &sourceRun{src: src}
	}

	docs := make(chan job, r.cfg.QueueSize)
	embedQ := make(chan *envelope, r.cfg.QueueSize)
	upsertQ := make(chan *envelope, r.cfg.QueueSize)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(docs)
		for _, run := range runs {
			if err := r.produce(gctx, run, docs); err != nil {
				return err
			}
		}
		return nil
	})

	var chunkWG sync.WaitGroup
	for i := 0; i < r.cfg.ChunkWorkers; i++ {
		chunkWG.Add(1)
		g.Go(func() error {
			defer chunkWG.Done()
			return r.chunkWorker(gctx, docs, embedQ, upsertQ)
		})
	}

	var embedWG sync.WaitGroup
	for i := 0; i < r.cfg.EmbedWorkers; i++ {
		embedWG.Add(1)
		g.Go(func() error {
			defer embedWG.Done()
			return r.embedWorker(gctx, embedQ, upsertQ)
		})
	}

	// upsertQ is fed by both the chunk stage (empty documents) and the
	// embed stage, so it closes only after both drain.
	go func() {
		chunkWG.Wait()
		close(embedQ)
		embedWG.Wait()
		close(upsertQ)
	}()

	for i := 0; i < r.cfg.UpsertWorkers; i++ {
		g.Go(func() error {
			return r.upsertWorker(gctx, upsertQ)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	tombstoned, err := r.sweep(ctx, runs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		DocumentsSeen: r.seen.Load(),
		Unchanged:     r.unchanged.Load(),
		Converted:     r.converted.Load(),
		Chunked:       r.chunked.Load(),
		Embedded:      r.embedded.Load(),
		Upserted:      r.upserted.Load(),
		Tombstoned:    tombstoned,
		Failed:        r.failed.Load(),
		EmbedRequests: r.requests.Load(),
		EmbedRetries:  llm.RetryCount() - retriesBefore,
		Duration:      time.Since(start),
	}
	r.logger.Info("ingest run finished",
		slog.Int64("documents", report.DocumentsSeen),
		slog.Int64("unchanged", report.Unchanged),
		slog.Int64("upserted", report.Upserted),
		slog.Int64("tombstoned", report.Tombstoned),
		slog.Int64("failed", report.Failed),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// produce drains one connector into the docs queue, recording every observed
// document id for the end-of-run sweep.
func (r *Runner) produce(ctx context.Context, run *sourceRun, docs chan<- job) error {
	items, err := run.src.Connector.Documents(ctx, run.src.Since)
	if err != nil {
		run.errored = true
		r.failed.Add(1)
		r.logger.Error("source failed to start",
			slog.String("source_type", run.src.Connector.Type()),
			slog.String("source_name", run.src.Connector.Name()),
			slog.String("error", err.Error()))
		return nil
	}
	for item := range items {
		if item.Err != nil {
			run.errored = true
			r.failed.Add(1)
			r.logger.Warn("source item error",
				slog.String("source_type", run.src.Connector.Type()),
				slog.String("source_name", run.src.Connector.Name()),
				slog.String("error", item.Err.Error()))
			continue
		}
		doc := item.Doc
		if doc == nil || doc.Kind == source.KindFolder {
			continue
		}
		run.seen = append(run.seen, doc.ID())
		r.seen.Add(1)
		select {
		case docs <- job{run: run, doc: doc}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// chunkWorker converts, change-detects and chunks documents. Unchanged
// documents end here with a last_seen bump; empty documents bypass the
// embed stage and commit an empty chunk set.
func (r *Runner) chunkWorker(ctx context.Context, docs <-chan job, embedQ, upsertQ chan<- *envelope) error {
	for j := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, embeddable := r.prepare(ctx, j)
		if env == nil {
			continue
		}
		out := upsertQ
		if embeddable {
			out = embedQ
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) prepare(ctx context.Context, j job) (env *envelope, embeddable bool) {
	doc := j.doc
	docID := doc.ID()
	log := r.logger.With(
		slog.String("document_id", docID),
		slog.String("source_type", doc.SourceType),
		slog.String("uri", doc.URI))

	markdown := string(doc.Content)
	outcome, detail := "", ""
	if needsConversion(doc) {
		if !j.run.src.Convert {
			log.Debug("binary document skipped, conversion disabled")
			return nil, false
		}
		res := r.deps.Converter.Convert(ctx, convert.Input{
			Content:  doc.Content,
			MimeType: doc.MimeType,
			FileName: doc.Title,
			Metadata: doc.Metadata,
		})
		markdown, outcome, detail = res.Markdown, string(res.Outcome), res.Detail
		r.converted.Add(1)
		if err := r.deps.State.RecordConversion(ctx, state.ConversionEvent{
			DocumentID: docID,
			Time:       time.Now().UTC(),
			Outcome:    outcome,
			Detail:     detail,
		}); err != nil {
			log.Warn("record conversion", slog.String("error", err.Error()))
		}
	}

	sum := sha256.Sum256([]byte(markdown))
	hash := hex.EncodeToString(sum[:])

	prev, err := r.deps.State.Get(ctx, docID)
	if err != nil {
		r.failed.Add(1)
		log.Error("read document state", slog.String("error", err.Error()))
		return nil, false
	}
	if !r.cfg.Force && prev != nil && !prev.Tombstoned && prev.ContentHash == hash {
		if err := r.deps.State.MarkSeen(ctx, docID, time.Now().UTC()); err != nil {
			log.Warn("mark seen", slog.String("error", err.Error()))
		}
		r.unchanged.Add(1)
		return nil, false
	}

	chunks := r.deps.Chunker.Chunk(ctx, chunking.Document{
		ID:       docID,
		Content:  markdown,
		FileType: doc.FileType,
		MimeType: doc.MimeType,
		Metadata: doc.Metadata,
	})
	r.chunked.Add(int64(len(chunks)))

	env = &envelope{
		row: state.Document{
			DocumentID:        docID,
			ProjectID:         doc.ProjectID,
			SourceType:        doc.SourceType,
			SourceName:        doc.SourceName,
			SourceURI:         doc.URI,
			Title:             doc.Title,
			ContentHash:       hash,
			Converted:         outcome != "",
			ConversionOutcome: outcome,
			LastSeen:          time.Now().UTC(),
			ParentDocumentID:  doc.ParentID(),
			IsAttachment:      doc.Kind == source.KindAttachment,
			Extras:            doc.Metadata,
		},
		hier:     doc.Hierarchy,
		mimeType: doc.MimeType,
		fileType: doc.FileType,
		size:     doc.Size,
		chunks:   chunks,
	}
	return env, len(chunks) > 0
}

// needsConversion reports whether the document must pass through the
// converter before chunking.
func needsConversion(doc *source.Document) bool {
	if doc.Kind == source.KindBinary {
		return true
	}
	return doc.Kind == source.KindAttachment && !utf8.Valid(doc.Content)
}

// embedWorker fills in vectors, batching chunk texts under the per-request
// token budget. A failed embedding drops the envelope; the document's
// previous chunks stay committed and the next run retries it.
func (r *Runner) embedWorker(ctx context.Context, embedQ <-chan *envelope, upsertQ chan<- *envelope) error {
	for env := range embedQ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.embed(ctx, env); err != nil {
			r.failed.Add(1)
			r.logger.Error("embed document",
				slog.String("document_id", env.row.DocumentID),
				slog.String("error", err.Error()))
			continue
		}
		r.embedded.Add(int64(len(env.chunks)))
		select {
		case upsertQ <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) embed(ctx context.Context, env *envelope) error {
	env.vectors = make([][]float32, 0, len(env.chunks))

	batch := make([]string, 0, len(env.chunks))
	budget := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		r.requests.Add(1)
		vecs, err := r.deps.Embedder.Embed(ctx, batch)
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return qerrors.Newf(qerrors.CodeInternal, nil,
				"embedder returned %d vectors for %d texts", len(vecs), len(batch))
		}
		env.vectors = append(env.vectors, vecs...)
		batch = batch[:0]
		budget = 0
		return nil
	}

	for _, c := range env.chunks {
		text := c.Content
		if r.cfg.MaxTokensPerChunk > 0 {
			text = truncateToTokens(r.deps.Embedder, text, r.cfg.MaxTokensPerChunk)
		}
		tokens := r.deps.Embedder.CountTokens(text)
		if r.cfg.MaxTokensPerRequest > 0 && len(batch) > 0 && budget+tokens > r.cfg.MaxTokensPerRequest {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, text)
		budget += tokens
	}
	return flush()
}

// truncateToTokens trims text at rune boundaries until it fits the token
// limit.
func truncateToTokens(emb Embedder, text string, limit int) string {
	for emb.CountTokens(text) > limit && len(text) > 1 {
		cut := len(text) * 9 / 10
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			break
		}
		text = text[:cut]
	}
	return text
}

// upsertWorker performs the atomic per-document commit: delete stale points,
// upsert new ones, replace the state row, then mirror to the keyword index.
func (r *Runner) upsertWorker(ctx context.Context, upsertQ <-chan *envelope) error {
	for env := range upsertQ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.commit(ctx, env); err != nil {
			r.failed.Add(1)
			r.logger.Error("commit document",
				slog.String("document_id", env.row.DocumentID),
				slog.String("error", err.Error()))
			continue
		}
		r.upserted.Add(int64(len(env.chunks)))
	}
	return nil
}

func (r *Runner) commit(ctx context.Context, env *envelope) error {
	docID := env.row.DocumentID

	prevChunks, err := r.deps.State.ChunksFor(ctx, docID)
	if err != nil {
		return err
	}

	chunkIDs := make([]string, len(env.chunks))
	keep := make(map[string]bool, len(env.chunks))
	for i, c := range env.chunks {
		chunkIDs[i] = c.ID
		keep[c.ID] = true
	}
	var stale []string
	for _, id := range prevChunks {
		if !keep[id] {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if err := r.withRetry(ctx, func() error {
			return r.deps.Vectors.DeleteByIDs(ctx, stale)
		}); err != nil {
			return err
		}
		if r.deps.Keyword != nil {
			if err := r.deps.Keyword.DeleteChunks(ctx, stale); err != nil {
				r.logger.Warn("keyword delete", slog.String("error", err.Error()))
			}
		}
	}

	if len(env.chunks) > 0 {
		points := make([]vectorstore.Point, len(env.chunks))
		for i, c := range env.chunks {
			points[i] = vectorstore.Point{
				ChunkID: c.ID,
				Vector:  env.vectors[i],
				Payload: pointPayload(env, c),
			}
		}
		if err := r.withRetry(ctx, func() error {
			return r.deps.Vectors.Upsert(ctx, points)
		}); err != nil {
			return err
		}
	}

	if err := r.deps.State.CommitDocument(ctx, env.row, chunkIDs); err != nil {
		return err
	}

	if r.deps.Keyword != nil && len(env.chunks) > 0 {
		entries := make([]keyword.Entry, len(env.chunks))
		for i, c := range env.chunks {
			entries[i] = keyword.Entry{
				ChunkID:    c.ID,
				DocumentID: docID,
				ProjectID:  env.row.ProjectID,
				SourceType: env.row.SourceType,
				Content:    c.Content,
				Title:      env.row.Title,
			}
		}
		if err := r.deps.Keyword.IndexChunks(ctx, entries); err != nil {
			r.logger.Warn("keyword index", slog.String("error", err.Error()))
		}
	}
	return nil
}

// pointPayload builds the qdrant payload for one chunk. Hierarchy lists are
// flattened to comma-joined strings so the payload stays scalar-valued.
func pointPayload(env *envelope, c chunking.Chunk) map[string]any {
	row := env.row
	payload := map[string]any{
		"document_id":   row.DocumentID,
		"project_id":    row.ProjectID,
		"source_type":   row.SourceType,
		"source_name":   row.SourceName,
		"source_uri":    row.SourceURI,
		"title":         row.Title,
		"content":       c.Content,
		"chunk_index":   c.Index,
		"total_chunks":  c.Total,
		"is_attachment": row.IsAttachment,
		"mime_type":     env.mimeType,
		"file_type":     env.fileType,
		"file_size":     env.size,
	}
	if row.ParentDocumentID != "" {
		payload["parent_document_id"] = row.ParentDocumentID
	}
	if h := env.hier; h != nil {
		payload["hierarchy_depth"] = h.Depth
		payload["has_children"] = len(h.ChildrenIDs) > 0
		if len(h.Breadcrumb) > 0 {
			payload["breadcrumb"] = strings.Join(h.Breadcrumb, " > ")
		}
		if len(h.Ancestors) > 0 {
			payload["ancestors"] = strings.Join(h.Ancestors, ",")
		}
		if len(h.ChildrenIDs) > 0 {
			payload["children_ids"] = strings.Join(h.ChildrenIDs, ",")
		}
	}
	for k, v := range c.Metadata {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	for k, v := range row.Extras {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return payload
}

// withRetry retries transient vector store failures with linear backoff.
func (r *Runner) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.UpsertRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 500 * time.Millisecond
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !qerrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// sweep tombstones documents that disappeared from their source and removes
// their chunks. The sweep needs a full enumeration to compare against:
// sources that reported errors are skipped, and so are incremental runs
// (non-nil Since), where connectors omit documents unmodified since the
// watermark and absence from run.seen proves nothing. Both still record
// last_run so the next incremental cursor advances.
func (r *Runner) sweep(ctx context.Context, runs []*sourceRun) (int64, error) {
	var tombstoned int64
	for _, run := range runs {
		srcType := run.src.Connector.Type()
		srcName := run.src.Connector.Name()
		if run.errored {
			r.logger.Warn("skipping tombstone sweep for errored source",
				slog.String("source_type", srcType),
				slog.String("source_name", srcName))
			continue
		}
		if run.src.Since != nil {
			r.logger.Debug("skipping tombstone sweep for incremental run",
				slog.String("source_type", srcType),
				slog.String("source_name", srcName))
			r.recordLastRun(ctx, run)
			continue
		}
		stale, err := r.deps.State.StaleDocuments(ctx, run.src.ProjectID, srcType, srcName, run.seen)
		if err != nil {
			return tombstoned, err
		}
		for _, docID := range stale {
			chunkIDs, err := r.deps.State.Tombstone(ctx, docID)
			if err != nil {
				return tombstoned, err
			}
			if len(chunkIDs) > 0 {
				if err := r.withRetry(ctx, func() error {
					return r.deps.Vectors.DeleteByIDs(ctx, chunkIDs)
				}); err != nil {
					return tombstoned, err
				}
				if r.deps.Keyword != nil {
					if err := r.deps.Keyword.DeleteChunks(ctx, chunkIDs); err != nil {
						r.logger.Warn("keyword delete", slog.String("error", err.Error()))
					}
				}
			}
			tombstoned++
			r.logger.Info("tombstoned document",
				slog.String("document_id", docID),
				slog.Int("chunks", len(chunkIDs)))
		}
		r.recordLastRun(ctx, run)
	}
	return tombstoned, nil
}

func (r *Runner) recordLastRun(ctx context.Context, run *sourceRun) {
	key := "last_run:" + run.src.ProjectID + ":" + run.src.Connector.Type() + ":" + run.src.Connector.Name()
	if err := r.deps.State.SetRunValue(ctx, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		r.logger.Warn("record last run", slog.String("error", err.Error()))
	}
}

// LastRun reads the recorded last successful run for a source, for use as
// the connector's since cursor.
func LastRun(ctx context.Context, st state.Store, projectID, sourceType, sourceName string) *time.Time {
	val, err := st.RunValue(ctx, "last_run:"+projectID+":"+sourceType+":"+sourceName)
	if err != nil || val == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil
	}
	return &ts
}
