package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporag/pkg/models"
)

// VectorStore is the contract the engine consumes from the external
// approximate-nearest-neighbor service. One namespace holds all chunks of
// one repository.
type VectorStore interface {
	EnsureNamespace(ctx context.Context, namespace string, dim int) error
	Upsert(ctx context.Context, namespace string, records []Record) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Hit, error)
	Scroll(ctx context.Context, namespace string) ([]models.Chunk, error)
	Count(ctx context.Context, namespace string) (int, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Record is one stored vector plus its chunk payload.
type Record struct {
	Chunk  models.Chunk
	Vector []float32
}

// Hit is one ranked result from a dense query.
type Hit struct {
	ID    string
	Score float64
	Chunk models.Chunk
}

// UpsertError wraps a vector store write failure. Transient errors are
// retried by the caller; permanent ones skip the offending chunk.
type UpsertError struct {
	Err       error
	Transient bool
}

func (e *UpsertError) Error() string { return "upsert: " + e.Err.Error() }
func (e *UpsertError) Unwrap() error { return e.Err }

// Config holds connection settings for the qdrant backend.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// Prefix namespaces collection names so several deployments can share
	// one qdrant instance.
	Prefix string

	UpsertTimeout time.Duration
	QueryTimeout  time.Duration
	MaxAttempts   int
}

// Store is the qdrant-backed VectorStore.
type Store struct {
	cfg    Config
	client *qdrant.Client
}

// New connects to qdrant over gRPC.
func New(cfg Config) (*Store, error) {
	if cfg.UpsertTimeout == 0 {
		cfg.UpsertTimeout = 15 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	return &Store{cfg: cfg, client: client}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) collection(namespace string) string {
	if s.cfg.Prefix == "" {
		return namespace
	}
	return s.cfg.Prefix + "__" + namespace
}

// indexedFields are the payload attributes indexed for server-side
// pre-filtering. Everything else in the payload is post-filter only.
var indexedFields = map[string]qdrant.FieldType{
	"category":     qdrant.FieldType_FieldTypeKeyword,
	"language":     qdrant.FieldType_FieldTypeKeyword,
	"sizeCategory": qdrant.FieldType_FieldTypeKeyword,
	"depth":        qdrant.FieldType_FieldTypeInteger,
}

// EnsureNamespace creates the namespace's collection and its payload
// indexes if they do not exist yet.
func (s *Store) EnsureNamespace(ctx context.Context, namespace string, dim int) error {
	coll := s.collection(namespace)
	exists, err := s.client.CollectionExists(ctx, coll)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", coll, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: coll,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", coll, err)
	}
	for field, ftype := range indexedFields {
		ft := ftype
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: coll,
			FieldName:      field,
			FieldType:      &ft,
		})
		if err != nil {
			return fmt.Errorf("index payload field %s: %w", field, err)
		}
	}
	log.Info().Str("collection", coll).Int("dim", dim).Msg("created vector store namespace")
	return nil
}

// Upsert writes the records, keyed by chunk id. The operation is
// idempotent: re-sending an unchanged record leaves the store unchanged.
// Transient backend failures are retried with full-jitter backoff.
func (s *Store) Upsert(ctx context.Context, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		points[i] = &qdrant.PointStruct{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: r.Chunk.ID},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: r.Vector},
				},
			},
			Payload: chunkPayload(r.Chunk),
		}
	}

	coll := s.collection(namespace)
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitterBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.UpsertTimeout)
		_, err := s.client.Upsert(callCtx, &qdrant.UpsertPoints{
			CollectionName: coll,
			Points:         points,
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return &UpsertError{Err: err}
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("collection", coll).Msg("upsert retry")
	}
	return &UpsertError{Err: lastErr, Transient: true}
}

// Query runs a dense search against the namespace, optionally narrowed by
// a server-side pre-filter.
func (s *Store) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	limit := uint64(topK)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection(namespace),
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         filter.toQdrant(),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", namespace, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:    r.GetId().GetUuid(),
			Score: float64(r.GetScore()),
			Chunk: payloadChunk(r.GetId().GetUuid(), r.GetPayload()),
		})
	}
	return hits, nil
}

// Scroll exports every chunk in the namespace. The lexical index and the
// selectivity histogram are rebuilt from this corpus.
func (s *Store) Scroll(ctx context.Context, namespace string) ([]models.Chunk, error) {
	coll := s.collection(namespace)
	limit := uint32(256)
	seen := make(map[string]struct{})
	var out []models.Chunk
	var offset *qdrant.PointId

	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: coll,
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &qdrant.WithPayloadSelector{
				SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", namespace, err)
		}
		added := 0
		var last *qdrant.PointId
		for _, p := range points {
			id := p.GetId().GetUuid()
			last = p.GetId()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, payloadChunk(id, p.GetPayload()))
			added++
		}
		if added == 0 || len(points) < int(limit) {
			return out, nil
		}
		offset = last
	}
}

// Count reports the number of chunks stored in the namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection(namespace),
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", namespace, err)
	}
	return int(n), nil
}

// DeleteNamespace drops the namespace's collection and everything in it.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := s.client.DeleteCollection(ctx, s.collection(namespace)); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

func chunkPayload(c models.Chunk) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		// pre-filterable, indexed
		"category":     qdrant.NewValueString(string(c.Category)),
		"language":     qdrant.NewValueString(c.Language),
		"depth":        qdrant.NewValueInt(int64(c.Depth)),
		"sizeCategory": qdrant.NewValueString(string(c.SizeClass)),
		// post-filter attributes
		"hasClassDef": qdrant.NewValueBool(c.HasClassDef),
		"hasFnDef":    qdrant.NewValueBool(c.HasFnDef),
		"hasImports":  qdrant.NewValueBool(c.HasImports),
		"hasTests":    qdrant.NewValueBool(c.HasTests),
		"complexity":  qdrant.NewValueInt(int64(c.Complexity)),
		"wordCount":   qdrant.NewValueInt(int64(c.WordCount)),
		// display fields
		"repoId":    qdrant.NewValueString(c.RepoID),
		"path":      qdrant.NewValueString(c.Path),
		"text":      qdrant.NewValueString(c.Text),
		"startLine": qdrant.NewValueInt(int64(c.StartLine)),
		"endLine":   qdrant.NewValueInt(int64(c.EndLine)),
	}
}

func payloadChunk(id string, p map[string]*qdrant.Value) models.Chunk {
	return models.Chunk{
		ID:          id,
		RepoID:      p["repoId"].GetStringValue(),
		Path:        p["path"].GetStringValue(),
		Text:        p["text"].GetStringValue(),
		StartLine:   int(p["startLine"].GetIntegerValue()),
		EndLine:     int(p["endLine"].GetIntegerValue()),
		Language:    p["language"].GetStringValue(),
		Category:    models.FileCategory(p["category"].GetStringValue()),
		Depth:       int(p["depth"].GetIntegerValue()),
		SizeClass:   models.SizeCategory(p["sizeCategory"].GetStringValue()),
		HasClassDef: p["hasClassDef"].GetBoolValue(),
		HasFnDef:    p["hasFnDef"].GetBoolValue(),
		HasImports:  p["hasImports"].GetBoolValue(),
		HasTests:    p["hasTests"].GetBoolValue(),
		Complexity:  int(p["complexity"].GetIntegerValue()),
		WordCount:   int(p["wordCount"].GetIntegerValue()),
	}
}

// jitterBackoff returns a full-jitter delay: uniform over
// [0, min(cap, base*2^attempt)].
func jitterBackoff(attempt int) time.Duration {
	const (
		base = 500 * time.Millisecond
		cap  = 15 * time.Second
	)
	max := base << uint(attempt)
	if max > cap {
		max = cap
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unavailable", "deadline", "timeout", "connection", "429", "too many requests", "resource exhausted", "internal"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
