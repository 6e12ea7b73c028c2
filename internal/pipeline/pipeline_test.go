package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhbn/qdrant-loader-sub001/internal/chunking"
	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/convert"
	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
	"github.com/thanhbn/qdrant-loader-sub001/internal/source"
	"github.com/thanhbn/qdrant-loader-sub001/internal/state"
	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

type fakeConnector struct {
	docs    []*source.Document
	emitErr bool
	// mtimes, when set, makes the connector skip documents unmodified
	// since the cursor, the way the real connectors do.
	mtimes map[string]time.Time
}

func (f *fakeConnector) Documents(ctx context.Context, since *time.Time) (<-chan source.Item, error) {
	ch := make(chan source.Item, len(f.docs)+1)
	for _, d := range f.docs {
		if since != nil && f.mtimes != nil && f.mtimes[d.URI].Before(*since) {
			continue
		}
		ch <- source.Item{Doc: d}
	}
	if f.emitErr {
		ch <- source.Item{Err: fmt.Errorf("stream truncated")}
	}
	close(ch)
	return ch, nil
}

func (f *fakeConnector) Type() string { return "localfile" }
func (f *fakeConnector) Name() string { return "docs" }

type fakeVectors struct {
	mu          sync.Mutex
	points      map[string]vectorstore.Point
	deleted     []string
	failUpserts int
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{points: map[string]vectorstore.Point{}}
}

func (f *fakeVectors) Upsert(ctx context.Context, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts > 0 {
		f.failUpserts--
		return qerrors.New(qerrors.CodeNetwork, "vector store unavailable", nil)
	}
	for _, p := range points {
		f.points[p.ChunkID] = p
	}
	return nil
}

func (f *fakeVectors) DeleteByIDs(ctx context.Context, chunkIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range chunkIDs {
		delete(f.points, id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeVectors) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 2, 3}
	}
	return out, nil
}

func (f *fakeEmbedder) CountTokens(text string) int { return len(text)/4 + 1 }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	state   state.Store
	vectors *fakeVectors
	emb     *fakeEmbedder
	runner  *Runner
}

func newEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	chunkCfg := config.NewConfig().Global.Chunking
	engine := chunking.NewEngine(chunkCfg, nil, logger)
	t.Cleanup(engine.Close)

	vec := newFakeVectors()
	emb := &fakeEmbedder{}
	runner := New(cfg, Deps{
		State:     st,
		Converter: convert.New(convert.Config{}, nil),
		Chunker:   engine,
		Embedder:  emb,
		Vectors:   vec,
		Logger:    logger,
	})
	return &testEnv{state: st, vectors: vec, emb: emb, runner: runner}
}

func textDoc(uri, content string) *source.Document {
	return &source.Document{
		ProjectID:  "p1",
		SourceType: "localfile",
		SourceName: "docs",
		URI:        uri,
		Title:      uri,
		Kind:       source.KindText,
		Content:    []byte(content),
		FileType:   "txt",
		MimeType:   "text/plain",
	}
}

func runSource(t *testing.T, env *testEnv, conn *fakeConnector) *Report {
	t.Helper()
	report, err := env.runner.Run(context.Background(), []Source{
		{ProjectID: "p1", Connector: conn, Convert: true},
	})
	require.NoError(t, err)
	return report
}

func TestRunCommitsDocuments(t *testing.T) {
	env := newEnv(t, Config{})
	conn := &fakeConnector{docs: []*source.Document{
		textDoc("a.txt", "alpha document body"),
		textDoc("b.txt", "beta document body"),
	}}

	report := runSource(t, env, conn)

	assert.Equal(t, int64(2), report.DocumentsSeen)
	assert.Equal(t, int64(2), report.Upserted)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 2, env.vectors.count())

	chunks, err := env.state.ChunksFor(context.Background(), conn.docs[0].ID())
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	p, ok := env.vectors.points[chunks[0]]
	require.True(t, ok)
	assert.Equal(t, "alpha document body", p.Payload["content"])
	assert.Equal(t, "p1", p.Payload["project_id"])
	assert.Equal(t, "localfile", p.Payload["source_type"])
}

func TestSecondRunIsIdempotent(t *testing.T) {
	env := newEnv(t, Config{})
	conn := &fakeConnector{docs: []*source.Document{
		textDoc("a.txt", "alpha document body"),
		textDoc("b.txt", "beta document body"),
	}}

	runSource(t, env, conn)
	callsAfterFirst := env.emb.callCount()

	report := runSource(t, env, conn)

	assert.Equal(t, int64(2), report.Unchanged)
	assert.Zero(t, report.Upserted)
	assert.Zero(t, report.Tombstoned)
	assert.Equal(t, callsAfterFirst, env.emb.callCount())
}

func TestUpdatedDocumentReplacesChunks(t *testing.T) {
	env := newEnv(t, Config{})
	conn := &fakeConnector{docs: []*source.Document{textDoc("a.txt", "first version")}}
	runSource(t, env, conn)

	before, err := env.state.ChunksFor(context.Background(), conn.docs[0].ID())
	require.NoError(t, err)

	conn.docs[0].Content = []byte("second version, rewritten")
	report := runSource(t, env, conn)

	assert.Equal(t, int64(1), report.Upserted)

	// Chunk ids derive from document id and index, so the update overwrites
	// the same points in place.
	after, err := env.state.ChunksFor(context.Background(), conn.docs[0].ID())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, env.vectors.count())
	assert.Equal(t, "second version, rewritten", env.vectors.points[after[0]].Payload["content"])
}

func TestTombstoneSweep(t *testing.T) {
	env := newEnv(t, Config{})
	a := textDoc("a.txt", "alpha document body")
	b := textDoc("b.txt", "beta document body")
	runSource(t, env, &fakeConnector{docs: []*source.Document{a, b}})
	require.Equal(t, 2, env.vectors.count())

	report := runSource(t, env, &fakeConnector{docs: []*source.Document{a}})

	assert.Equal(t, int64(1), report.Tombstoned)
	assert.Equal(t, 1, env.vectors.count())

	row, err := env.state.Get(context.Background(), b.ID())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Tombstoned)
}

func TestIncrementalRunKeepsUnchangedDocuments(t *testing.T) {
	env := newEnv(t, Config{})
	a := textDoc("a.txt", "alpha document body")
	b := textDoc("b.txt", "beta document body")
	past := time.Now().Add(-time.Hour)
	conn := &fakeConnector{
		docs:   []*source.Document{a, b},
		mtimes: map[string]time.Time{"a.txt": past, "b.txt": past},
	}
	runSource(t, env, conn)
	require.Equal(t, 2, env.vectors.count())

	// Incremental run: the connector omits both documents because neither
	// changed since the cursor. Absence from the stream must not delete them.
	since := LastRun(context.Background(), env.state, "p1", "localfile", "docs")
	require.NotNil(t, since)
	report, err := env.runner.Run(context.Background(), []Source{
		{ProjectID: "p1", Connector: conn, Since: since, Convert: true},
	})
	require.NoError(t, err)

	assert.Zero(t, report.DocumentsSeen)
	assert.Zero(t, report.Tombstoned)
	assert.Equal(t, 2, env.vectors.count())
	for _, doc := range []*source.Document{a, b} {
		row, err := env.state.Get(context.Background(), doc.ID())
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.False(t, row.Tombstoned)
	}
}

func TestIncrementalRunAdvancesCursorAndIngestsChanges(t *testing.T) {
	env := newEnv(t, Config{})
	a := textDoc("a.txt", "alpha document body")
	b := textDoc("b.txt", "beta document body")
	past := time.Now().Add(-time.Hour)
	conn := &fakeConnector{
		docs:   []*source.Document{a, b},
		mtimes: map[string]time.Time{"a.txt": past, "b.txt": past},
	}
	runSource(t, env, conn)
	first := LastRun(context.Background(), env.state, "p1", "localfile", "docs")
	require.NotNil(t, first)

	// Only a changed after the cursor; b stays committed untouched.
	a.Content = []byte("alpha rewritten")
	conn.mtimes["a.txt"] = time.Now().Add(time.Hour)
	report, err := env.runner.Run(context.Background(), []Source{
		{ProjectID: "p1", Connector: conn, Since: first, Convert: true},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.DocumentsSeen)
	assert.Equal(t, int64(1), report.Upserted)
	assert.Zero(t, report.Tombstoned)
	assert.Equal(t, 2, env.vectors.count())

	chunks, err := env.state.ChunksFor(context.Background(), a.ID())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "alpha rewritten", env.vectors.points[chunks[0]].Payload["content"])

	// The cursor still advances on an incremental run.
	second := LastRun(context.Background(), env.state, "p1", "localfile", "docs")
	require.NotNil(t, second)
	assert.False(t, second.Before(*first))
}

func TestErroredSourceSkipsSweep(t *testing.T) {
	env := newEnv(t, Config{})
	a := textDoc("a.txt", "alpha document body")
	b := textDoc("b.txt", "beta document body")
	runSource(t, env, &fakeConnector{docs: []*source.Document{a, b}})

	// The truncated stream only produced one document; b must survive.
	report := runSource(t, env, &fakeConnector{docs: []*source.Document{a}, emitErr: true})

	assert.Zero(t, report.Tombstoned)
	assert.Equal(t, int64(1), report.Failed)
	assert.Equal(t, 2, env.vectors.count())
}

func TestEmptyDocumentCommitsEmptyChunkSet(t *testing.T) {
	env := newEnv(t, Config{})
	doc := textDoc("a.txt", "had content once")
	runSource(t, env, &fakeConnector{docs: []*source.Document{doc}})
	require.Equal(t, 1, env.vectors.count())

	doc.Content = []byte("   \n")
	report := runSource(t, env, &fakeConnector{docs: []*source.Document{doc}})

	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Tombstoned)
	assert.Equal(t, 0, env.vectors.count())

	chunks, err := env.state.ChunksFor(context.Background(), doc.ID())
	require.NoError(t, err)
	assert.Empty(t, chunks)

	row, err := env.state.Get(context.Background(), doc.ID())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.False(t, row.Tombstoned)
}

func TestUpsertRetriesTransientFailures(t *testing.T) {
	env := newEnv(t, Config{UpsertRetries: 3})
	env.vectors.failUpserts = 2

	report := runSource(t, env, &fakeConnector{docs: []*source.Document{
		textDoc("a.txt", "alpha document body"),
	}})

	assert.Zero(t, report.Failed)
	assert.Equal(t, int64(1), report.Upserted)
	assert.Equal(t, 1, env.vectors.count())
}

func TestUpsertGivesUpAfterRetries(t *testing.T) {
	env := newEnv(t, Config{UpsertRetries: 1})
	env.vectors.failUpserts = 5

	report := runSource(t, env, &fakeConnector{docs: []*source.Document{
		textDoc("a.txt", "alpha document body"),
	}})

	assert.Equal(t, int64(1), report.Failed)
	assert.Zero(t, report.Upserted)

	// Nothing committed, so the next run retries the document.
	chunks, err := env.state.ChunksFor(context.Background(), source.DocumentID("p1", "localfile", "docs", "a.txt"))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestBinarySkippedWhenConversionDisabled(t *testing.T) {
	env := newEnv(t, Config{})
	bin := textDoc("blob.bin", "\x00\x01\x02")
	bin.Kind = source.KindBinary
	bin.MimeType = "application/octet-stream"

	report, err := env.runner.Run(context.Background(), []Source{
		{ProjectID: "p1", Connector: &fakeConnector{docs: []*source.Document{bin}}, Convert: false},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.DocumentsSeen)
	assert.Zero(t, report.Converted)
	assert.Zero(t, report.Failed)
	assert.Zero(t, env.vectors.count())
}

func TestBinaryConvertedWhenEnabled(t *testing.T) {
	env := newEnv(t, Config{})
	csvDoc := textDoc("table.csv", "name,age\nana,30\n")
	csvDoc.Kind = source.KindBinary
	csvDoc.MimeType = "text/csv"

	report := runSource(t, env, &fakeConnector{docs: []*source.Document{csvDoc}})

	assert.Equal(t, int64(1), report.Converted)
	assert.Equal(t, int64(1), report.Upserted)

	history, err := env.state.ConversionHistory(context.Background(), csvDoc.ID(), 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(convert.OutcomeConverted), history[0].Outcome)
}

func TestWorkspaceLockExcludesConcurrentRun(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "ingest.lock")
	env := newEnv(t, Config{LockPath: lockPath})

	held := flock.New(lockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = held.Unlock() }()

	_, err = env.runner.Run(context.Background(), []Source{
		{ProjectID: "p1", Connector: &fakeConnector{docs: []*source.Document{textDoc("a.txt", "body")}}},
	})
	require.Error(t, err)
	assert.True(t, qerrors.Is(err, qerrors.New(qerrors.CodeStateMismatch, "", nil)))

	require.NoError(t, held.Unlock())
	report := runSource(t, env, &fakeConnector{docs: []*source.Document{textDoc("a.txt", "body")}})
	assert.Zero(t, report.Failed)
}

func TestTruncateToTokens(t *testing.T) {
	emb := &fakeEmbedder{}
	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'x'
	}
	out := truncateToTokens(emb, string(long), 100)
	assert.LessOrEqual(t, emb.CountTokens(out), 100)
	assert.NotEmpty(t, out)
}

func TestLastRunRoundTrip(t *testing.T) {
	env := newEnv(t, Config{})
	runSource(t, env, &fakeConnector{docs: []*source.Document{textDoc("a.txt", "body")}})

	ts := LastRun(context.Background(), env.state, "p1", "localfile", "docs")
	require.NotNil(t, ts)
	assert.WithinDuration(t, time.Now(), *ts, time.Minute)

	assert.Nil(t, LastRun(context.Background(), env.state, "p1", "git", "missing"))
}
