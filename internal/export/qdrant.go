// Package export publishes a built index to external vector stores so other
// services can query the same vectors. Qdrant is the only target.
package export

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/kpmatch-go/internal/index"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
)

// pointNamespace seeds the deterministic point ids, so re-exporting a
// collection overwrites points instead of duplicating them.
var pointNamespace = uuid.MustParse("6f1c2a4e-2b7d-4f0e-9a55-4c1d8e7b3a90")

const defaultBatchSize = 128

// qdrantClient is the subset of *qdrant.Client used here.
type qdrantClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host defaults to localhost.
	Host string
	// Port is the gRPC port. Defaults to 6334.
	Port       int
	Collection string
	APIKey     string
	UseTLS     bool
	// BatchSize caps points per upsert. Zero uses 128.
	BatchSize int
}

// Qdrant publishes indexes into one collection.
type Qdrant struct {
	client     qdrantClient
	collection string
	batch      int
}

// NewQdrant connects to Qdrant. It does not touch the collection.
func NewQdrant(cfg *QdrantConfig) (*Qdrant, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection name is required")
	}
	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}
	return newQdrant(client, cfg.Collection, cfg.BatchSize), nil
}

func newQdrant(c qdrantClient, collection string, batch int) *Qdrant {
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Qdrant{client: c, collection: collection, batch: batch}
}

// Report summarises a publish.
type Report struct {
	Collection string `json:"collection"`
	Points     int    `json:"points"`
	Dim        int    `json:"dim"`
	Created    bool   `json:"created"`
	Recreated  bool   `json:"recreated"`
}

// PointID returns the Qdrant point id for a knowledge point id.
func PointID(kpID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(kpID)).String()
}

// Publish upserts every vector of idx with its knowledge point as payload.
// The collection is created when missing. When it exists with a different
// vector size it is dropped and recreated only if recreate is set.
func (q *Qdrant) Publish(ctx context.Context, idx *index.Index, store *knowledge.Store, recreate bool) (Report, error) {
	meta := idx.Metadata()
	rep := Report{Collection: q.collection, Dim: meta.Dim}

	created, recreated, err := q.ensureCollection(ctx, uint64(meta.Dim), recreate)
	if err != nil {
		return rep, err
	}
	rep.Created, rep.Recreated = created, recreated

	points := make([]*qdrant.PointStruct, 0, q.batch)
	flush := func() error {
		if len(points) == 0 {
			return nil
		}
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("qdrant: upsert failed after %d points: %w", rep.Points, err)
		}
		rep.Points += len(points)
		// The request may still reference the flushed slice.
		points = make([]*qdrant.PointStruct, 0, q.batch)
		return nil
	}

	for i := range idx.Len() {
		kp, ok := store.ByID(idx.ID(i))
		if !ok {
			return rep, fmt.Errorf("qdrant: index item %q is not in the knowledge store", idx.ID(i))
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(kp.ID)),
			Vectors: qdrant.NewVectors(idx.Vector(i)...),
			Payload: qdrant.NewValueMap(payload(kp, meta)),
		})
		if len(points) == q.batch {
			if err := flush(); err != nil {
				return rep, err
			}
		}
	}
	if err := flush(); err != nil {
		return rep, err
	}
	return rep, nil
}

func payload(kp knowledge.KnowledgePoint, meta index.Metadata) map[string]any {
	return map[string]any{
		"kp_id":       kp.ID,
		"topic":       kp.Topic,
		"category":    kp.Category,
		"subcategory": kp.Subcategory,
		"difficulty":  kp.Difficulty,
		"text":        knowledge.TextForEmbedding(kp),
		"model_id":    meta.ModelID,
		"fingerprint": meta.Fingerprint,
	}
}

func (q *Qdrant) ensureCollection(ctx context.Context, dim uint64, recreate bool) (created, recreated bool, err error) {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return false, false, fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.collection)
		if err != nil {
			return false, false, fmt.Errorf("qdrant: failed to read collection %q: %w", q.collection, err)
		}
		have := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if have == dim {
			return false, false, nil
		}
		if !recreate {
			return false, false, fmt.Errorf("qdrant: collection %q has vector size %d, index has %d (use --recreate)", q.collection, have, dim)
		}
		if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
			return false, false, fmt.Errorf("qdrant: failed to drop collection %q: %w", q.collection, err)
		}
		recreated = true
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return false, recreated, fmt.Errorf("qdrant: failed to create collection %q: %w", q.collection, err)
	}
	return !recreated, recreated, nil
}

// Name returns the dependency label used in readiness responses.
func (q *Qdrant) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (q *Qdrant) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
