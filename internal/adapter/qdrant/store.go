// Package qdrant stores article vectors in a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"newslens/internal/failure"
	"newslens/internal/vector"
)

type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dimension   int
}

// NewStore dials Qdrant. The collection is created with the given dimension by EnsureSchema.
func NewStore(host string, port int, collection string, dimension int) (*Store, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	s := newStore(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dimension)
	s.conn = conn
	return s, nil
}

func newStore(points pb.PointsClient, collections pb.CollectionsClient, collection string, dimension int) *Store {
	return &Store{
		points:      points,
		collections: collections,
		collection:  collection,
		dimension:   dimension,
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.collection})
	if err != nil {
		return fmt.Errorf("check collection %s: %w", s.collection, err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: uint64(s.dimension), Distance: pb.Distance_Cosine},
		}},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, rec vector.Record) error {
	topics := make([]*pb.Value, 0, len(rec.Topics))
	for _, t := range rec.Topics {
		topics = append(topics, stringValue(t))
	}

	payload := map[string]*pb.Value{
		"article_id": stringValue(rec.ArticleID),
		"url":        stringValue(rec.URL),
		"title":      stringValue(rec.Title),
		"summary":    stringValue(rec.Summary),
		"source":     stringValue(rec.Source),
		"topics":     {Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: topics}}},
		"updated_at": stringValue(rec.UpdatedAt.UTC().Format(time.RFC3339)),
	}
	if rec.PublishedAt != nil {
		payload["published_at"] = stringValue(rec.PublishedAt.UTC().Format(time.RFC3339))
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id:      pointID(rec.ArticleID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Vector}}},
			Payload: payload,
		}},
	})
	return err
}

func (s *Store) Query(ctx context.Context, vec []float32, limit int) ([]vector.Match, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, err
	}

	matches := make([]vector.Match, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		rec := recordFromPayload(pt.GetPayload())
		if rec.ArticleID == "" {
			rec.ArticleID = pt.GetId().GetUuid()
		}
		matches = append(matches, vector.Match{Record: rec, Score: pt.GetScore()})
	}
	return matches, nil
}

func (s *Store) Vector(ctx context.Context, articleID string) ([]float32, error) {
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            []*pb.PointId{pointID(articleID)},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.GetResult()) == 0 {
		return nil, failure.NotFound("vector "+articleID, nil)
	}

	data := resp.GetResult()[0].GetVectors().GetVector().GetData()
	if len(data) == 0 {
		return nil, failure.NotFound("vector "+articleID, nil)
	}
	return data, nil
}

// Dimension reports the vector size the collection was created with, even
// when it holds no points yet. A missing collection reports 0.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	exists, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.collection})
	if err != nil {
		return 0, fmt.Errorf("check collection %s: %w", s.collection, err)
	}
	if !exists.GetResult().GetExists() {
		return 0, nil
	}

	info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		return 0, err
	}
	return int(info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.collection, Exact: &exact})
	if err != nil {
		return 0, err
	}
	return int(resp.GetResult().GetCount()), nil
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func recordFromPayload(payload map[string]*pb.Value) vector.Record {
	rec := vector.Record{
		ArticleID: payload["article_id"].GetStringValue(),
		URL:       payload["url"].GetStringValue(),
		Title:     payload["title"].GetStringValue(),
		Summary:   payload["summary"].GetStringValue(),
		Source:    payload["source"].GetStringValue(),
		Topics:    []string{},
	}
	for _, v := range payload["topics"].GetListValue().GetValues() {
		rec.Topics = append(rec.Topics, v.GetStringValue())
	}
	if ts, err := time.Parse(time.RFC3339, payload["published_at"].GetStringValue()); err == nil {
		rec.PublishedAt = &ts
	}
	if ts, err := time.Parse(time.RFC3339, payload["updated_at"].GetStringValue()); err == nil {
		rec.UpdatedAt = ts
	}
	return rec
}

var _ vector.Index = (*Store)(nil)
