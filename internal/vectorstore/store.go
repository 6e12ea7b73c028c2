// Package vectorstore is the gateway to the Qdrant collection. One point
// per chunk; point ids are UUIDs derived from the chunk id so upserts are
// idempotent.
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// ErrVectorSizeMismatch reports an existing collection whose vector size
// differs from the configuration. `init --force` recreates in that case.
var ErrVectorSizeMismatch = qerrors.New(qerrors.CodeVectorSize,
	"collection exists with a different vector size", nil)

// Config locates the collection.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	VectorSize int
	Distance   string
	Timeout    time.Duration
}

// Point is one chunk ready for upsert.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload map[string]any // string, int, or bool values
}

// ScoredPoint is a search or retrieve result.
type ScoredPoint struct {
	ChunkID    string
	DocumentID string
	Content    string
	Score      float32
	Payload    map[string]string
}

// Store wraps the raw qdrant grpc clients.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	timeout     time.Duration
	logger      *slog.Logger
}

// New dials the qdrant endpoint. The API key, when set, travels as grpc
// metadata on every call.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := strings.TrimPrefix(strings.TrimPrefix(cfg.URL, "http://"), "https://")
	if addr == "" {
		return nil, qerrors.New(qerrors.CodeConfigInvalid, "qdrant url is empty", nil)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  cfg.Collection,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any,
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Collection() string { return s.collection }

// PointID maps a chunk id onto the UUID qdrant requires. Deterministic, so
// re-upserting a chunk replaces its point.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// EnsureCollection creates the collection when absent. An existing
// collection with a different vector size yields ErrVectorSizeMismatch.
func (s *Store) EnsureCollection(ctx context.Context, size int, distance string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, col := range list.Collections {
		if col.Name != s.collection {
			continue
		}
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
		if err != nil {
			return fmt.Errorf("inspect collection %s: %w", s.collection, err)
		}
		existing := existingVectorSize(info)
		if existing != 0 && existing != uint64(size) {
			return qerrors.Newf(qerrors.CodeVectorSize, nil,
				"collection %s has vector size %d, configured %d", s.collection, existing, size).
				WithSuggestion("run `qdrant-loader init --force` to recreate the collection")
		}
		return nil
	}
	return s.create(ctx, size, distance)
}

// RecreateCollection drops and recreates the collection. Used by
// `init --force`.
func (s *Store) RecreateCollection(ctx context.Context, size int, distance string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.collection}); err != nil {
		s.logger.Warn("delete collection before recreate",
			slog.String("collection", s.collection), slog.String("error", err.Error()))
	}
	return s.create(ctx, size, distance)
}

func (s *Store) create(ctx context.Context, size int, distance string) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(size),
					Distance: parseDistance(distance),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	s.logger.Info("created collection",
		slog.String("collection", s.collection), slog.Int("vector_size", size))
	return nil
}

func existingVectorSize(info *pb.GetCollectionInfoResponse) uint64 {
	if info.Result == nil || info.Result.Config == nil || info.Result.Config.Params == nil {
		return 0
	}
	vc := info.Result.Config.Params.GetVectorsConfig()
	if vc == nil {
		return 0
	}
	params := vc.GetParams()
	if params == nil {
		return 0
	}
	return params.Size
}

func parseDistance(name string) pb.Distance {
	switch strings.ToLower(name) {
	case "dot":
		return pb.Distance_Dot
	case "euclid", "euclidean":
		return pb.Distance_Euclid
	case "manhattan":
		return pb.Distance_Manhattan
	default:
		return pb.Distance_Cosine
	}
}

// Upsert writes points with wait=true so a following state commit observes
// them.
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	pbPoints := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		pbPoints = append(pbPoints, &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(p.ChunkID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: p.Vector},
			}},
			Payload: toPayload(p.ChunkID, p.Payload),
		})
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Points:         pbPoints,
		Wait:           &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes the points for the given chunk ids.
func (s *Store) DeleteByIDs(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*pb.PointId, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}})
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: ids},
		}},
		Wait: &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("delete %d points: %w", len(chunkIDs), err)
	}
	return nil
}

// DeleteByFilter removes every point matching f. f must be non-nil.
func (s *Store) DeleteByFilter(ctx context.Context, f *pb.Filter) error {
	if f == nil {
		return qerrors.New(qerrors.CodeInternal, "refusing to delete with a nil filter", nil)
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
			Filter: f,
		}},
		Wait: &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("delete by filter: %w", err)
	}
	return nil
}

// Search runs a similarity query, optionally constrained by f.
func (s *Store) Search(ctx context.Context, vector []float32, k int, f *pb.Filter) ([]ScoredPoint, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Filter:         f,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out := make([]ScoredPoint, 0, len(resp.Result))
	for _, point := range resp.Result {
		out = append(out, fromScored(point.Payload, point.Score))
	}
	return out, nil
}

// Retrieve fetches points by chunk id. Missing ids are absent from the
// result, not an error.
func (s *Store) Retrieve(ctx context.Context, chunkIDs []string) ([]ScoredPoint, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	ids := make([]*pb.PointId, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}})
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            ids,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve %d points: %w", len(chunkIDs), err)
	}
	out := make([]ScoredPoint, 0, len(resp.Result))
	for _, point := range resp.Result {
		out = append(out, fromScored(point.Payload, 0))
	}
	return out, nil
}

// Count returns the exact number of points matching f (all points when f is
// nil).
func (s *Store) Count(ctx context.Context, f *pb.Filter) (uint64, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collection,
		Filter:         f,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if resp.Result == nil {
		return 0, nil
	}
	return resp.Result.Count, nil
}

var waitTrue = true

// toPayload converts chunk metadata into qdrant values. The original chunk
// id is stored in the payload because point ids are UUID-mangled.
func toPayload(chunkID string, payload map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload)+1)
	out["chunk_id"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: chunkID}}
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
		}
	}
	return out
}

func fromScored(payload map[string]*pb.Value, score float32) ScoredPoint {
	sp := ScoredPoint{Score: score, Payload: make(map[string]string, len(payload))}
	for k, v := range payload {
		text := valueString(v)
		switch k {
		case "chunk_id":
			sp.ChunkID = text
		case "document_id":
			sp.DocumentID = text
			sp.Payload[k] = text
		case "content":
			sp.Content = text
		default:
			sp.Payload[k] = text
		}
	}
	return sp
}

func valueString(v *pb.Value) string {
	switch kind := v.Kind.(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return fmt.Sprintf("%d", kind.IntegerValue)
	case *pb.Value_BoolValue:
		return fmt.Sprintf("%t", kind.BoolValue)
	case *pb.Value_DoubleValue:
		return fmt.Sprintf("%g", kind.DoubleValue)
	default:
		return ""
	}
}
