// Clean Architecture: Adapter implementing ports.VectorStore backed by Qdrant.
package vectordb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

const (
	payloadContentKey = "text"
	payloadRecordKey  = "record_id"

	scrollPageSize = 256
)

// QdrantStore talks to a Qdrant server over gRPC.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      qdrantclient.PointsClient
	collections qdrantclient.CollectionsClient
}

// NewQdrantStore connects to the given gRPC address (host:port).
func NewQdrantStore(addr string) (*QdrantStore, error) {
	if addr == "" {
		addr = "localhost:6334"
	}
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      qdrantclient.NewPointsClient(conn),
		collections: qdrantclient.NewCollectionsClient(conn),
	}, nil
}

// Close tears down the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

// EnsureCollection creates the collection if it does not already exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, vectorSize uint64) error {
	existing, err := s.collections.List(ctx, &qdrantclient.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range existing.GetCollections() {
		if col.GetName() == collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &qdrantclient.CreateCollection{
		CollectionName: collection,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     vectorSize,
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}
	log.Info().Str("collection", collection).Uint64("vector_size", vectorSize).Msg("created qdrant collection")
	return nil
}

// Search ranks the collection's points by similarity to the embedding.
func (s *QdrantStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]entities.ScoredRecord, error) {
	resp, err := s.points.Search(ctx, &qdrantclient.SearchPoints{
		CollectionName: collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]entities.ScoredRecord, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		results = append(results, entities.ScoredRecord{
			Record: recordFromPayload(point.GetId(), point.GetPayload()),
			Score:  float64(point.GetScore()),
		})
	}
	return results, nil
}

// Get fetches a single record by id; (nil, nil) when absent.
func (s *QdrantStore) Get(ctx context.Context, collection, recordID string) (*entities.Record, error) {
	resp, err := s.points.Get(ctx, &qdrantclient.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrantclient.PointId{pointID(recordID)},
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant get failed: %w", err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, nil
	}
	point := resp.GetResult()[0]
	rec := recordFromPayload(point.GetId(), point.GetPayload())
	if rec.ID == "" {
		rec.ID = recordID
	}
	return &rec, nil
}

// FindByMetadata returns points whose payload field matches value, using
// Qdrant full-text matching so partial values match too.
func (s *QdrantStore) FindByMetadata(ctx context.Context, collection, field, value string, limit int) ([]entities.Record, error) {
	pageSize := uint32(limit)
	if limit <= 0 || limit > scrollPageSize {
		pageSize = scrollPageSize
	}
	resp, err := s.points.Scroll(ctx, &qdrantclient.ScrollPoints{
		CollectionName: collection,
		Limit:          &pageSize,
		Filter: &qdrantclient.Filter{
			Must: []*qdrantclient.Condition{{
				ConditionOneOf: &qdrantclient.Condition_Field{
					Field: &qdrantclient.FieldCondition{
						Key:   field,
						Match: &qdrantclient.Match{MatchValue: &qdrantclient.Match_Text{Text: value}},
					},
				},
			}},
		},
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll failed: %w", err)
	}

	out := make([]entities.Record, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		out = append(out, recordFromPayload(point.GetId(), point.GetPayload()))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Scan pages through every point in the collection.
func (s *QdrantStore) Scan(ctx context.Context, collection string) ([]entities.Record, error) {
	var (
		out    []entities.Record
		offset *qdrantclient.PointId
	)
	pageSize := uint32(scrollPageSize)
	for {
		resp, err := s.points.Scroll(ctx, &qdrantclient.ScrollPoints{
			CollectionName: collection,
			Limit:          &pageSize,
			Offset:         offset,
			WithPayload: &qdrantclient.WithPayloadSelector{
				SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant scroll failed: %w", err)
		}
		for _, point := range resp.GetResult() {
			out = append(out, recordFromPayload(point.GetId(), point.GetPayload()))
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

// Upsert writes records and their embeddings as Qdrant points.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, records []entities.Record, embeddings [][]float32) error {
	points := make([]*qdrantclient.PointStruct, 0, len(records))
	for i, r := range records {
		if i >= len(embeddings) {
			break
		}
		payload := map[string]*qdrantclient.Value{
			payloadContentKey: {Kind: &qdrantclient.Value_StringValue{StringValue: r.Content}},
			payloadRecordKey:  {Kind: &qdrantclient.Value_StringValue{StringValue: r.ID}},
		}
		for k, v := range r.Metadata {
			payload[k] = &qdrantclient.Value{Kind: &qdrantclient.Value_StringValue{StringValue: v}}
		}
		points = append(points, &qdrantclient.PointStruct{
			Id: pointID(r.ID),
			Vectors: &qdrantclient.Vectors{
				VectorsOptions: &qdrantclient.Vectors_Vector{
					Vector: &qdrantclient.Vector{Data: embeddings[i]},
				},
			},
			Payload: payload,
		})
	}
	if len(points) == 0 {
		return nil
	}

	_, err := s.points.Upsert(ctx, &qdrantclient.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

// pointID maps a record id onto a Qdrant point id. Qdrant only accepts
// numeric or UUID ids, so other ids are hashed into a stable UUID.
func pointID(recordID string) *qdrantclient.PointId {
	if n, err := strconv.ParseUint(recordID, 10, 64); err == nil {
		return &qdrantclient.PointId{PointIdOptions: &qdrantclient.PointId_Num{Num: n}}
	}
	if _, err := uuid.Parse(recordID); err == nil {
		return &qdrantclient.PointId{PointIdOptions: &qdrantclient.PointId_Uuid{Uuid: recordID}}
	}
	derived := uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordID))
	return &qdrantclient.PointId{PointIdOptions: &qdrantclient.PointId_Uuid{Uuid: derived.String()}}
}

func recordFromPayload(id *qdrantclient.PointId, payload map[string]*qdrantclient.Value) entities.Record {
	rec := entities.Record{Metadata: make(map[string]string)}
	for k, v := range payload {
		switch k {
		case payloadContentKey:
			rec.Content = v.GetStringValue()
		case payloadRecordKey:
			rec.ID = v.GetStringValue()
		default:
			rec.Metadata[k] = valueString(v)
		}
	}
	if rec.ID == "" && id != nil {
		switch opt := id.GetPointIdOptions().(type) {
		case *qdrantclient.PointId_Num:
			rec.ID = strconv.FormatUint(opt.Num, 10)
		case *qdrantclient.PointId_Uuid:
			rec.ID = opt.Uuid
		}
	}
	return rec
}

func valueString(v *qdrantclient.Value) string {
	switch kind := v.GetKind().(type) {
	case *qdrantclient.Value_StringValue:
		return kind.StringValue
	case *qdrantclient.Value_IntegerValue:
		return strconv.FormatInt(kind.IntegerValue, 10)
	case *qdrantclient.Value_DoubleValue:
		return strconv.FormatFloat(kind.DoubleValue, 'f', -1, 64)
	case *qdrantclient.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	default:
		return ""
	}
}
