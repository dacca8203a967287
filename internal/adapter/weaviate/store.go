// Package weaviate stores article vectors in a Weaviate class.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"newslens/internal/failure"
	"newslens/internal/vector"
)

type Store struct {
	client *weaviate.Client
	class  string
}

func NewStore(client *weaviate.Client, className string) *Store {
	if className == "" {
		className = vector.DefaultClassName
	}
	return &Store{client: client, class: className}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.NewWeaviateSchema(s.client).Migrate(ctx, s.class)
}

// Upsert writes the record under the article id. Batch writes replace an
// existing object with the same id.
func (s *Store) Upsert(ctx context.Context, rec vector.Record) error {
	props := map[string]interface{}{
		"articleId": rec.ArticleID,
		"url":       rec.URL,
		"title":     rec.Title,
		"summary":   rec.Summary,
		"source":    rec.Source,
		"topics":    nonNil(rec.Topics),
		"updatedAt": rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.PublishedAt != nil {
		props["publishedAt"] = rec.PublishedAt.UTC().Format(time.RFC3339)
	}

	obj := &models.Object{
		Class:      s.class,
		ID:         strfmt.UUID(rec.ArticleID),
		Properties: props,
		Vector:     models.C11yVector(rec.Vector),
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return err
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			msgs := make([]string, 0, len(r.Result.Errors.Error))
			for _, e := range r.Result.Errors.Error {
				msgs = append(msgs, e.Message)
			}
			return fmt.Errorf("batch upsert %s: %s", rec.ArticleID, strings.Join(msgs, "; "))
		}
	}
	return nil
}

func articleFields(extra ...graphql.Field) []graphql.Field {
	fields := []graphql.Field{
		{Name: "articleId"},
		{Name: "url"},
		{Name: "title"},
		{Name: "summary"},
		{Name: "source"},
		{Name: "topics"},
		{Name: "publishedAt"},
		{Name: "updatedAt"},
	}
	return append(fields, extra...)
}

func (s *Store) Query(ctx context.Context, vec []float32, limit int) ([]vector.Match, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	res, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithNearVector(nearVector).
		WithLimit(limit).
		WithFields(articleFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}})...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var matches []vector.Match
	for _, props := range s.objects(res.Data, "Get") {
		m := vector.Match{Record: recordFromProps(props)}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if distance, ok := additional["distance"].(float64); ok {
				m.Score = float32(1 - distance)
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (s *Store) Vector(ctx context.Context, articleID string) ([]float32, error) {
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(s.class).
		WithID(articleID).
		WithVector().
		Do(ctx)
	if err != nil {
		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
			return nil, failure.NotFound("vector "+articleID, nil)
		}
		return nil, err
	}
	if len(objs) == 0 || len(objs[0].Vector) == 0 {
		return nil, failure.NotFound("vector "+articleID, nil)
	}
	return []float32(objs[0].Vector), nil
}

func (s *Store) Dimension(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithLimit(1).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	for _, props := range s.objects(res.Data, "Get") {
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if vec, ok := additional["vector"].([]interface{}); ok {
				return len(vec), nil
			}
		}
	}
	return 0, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(s.class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	for _, props := range s.objects(res.Data, "Aggregate") {
		if meta, ok := props["meta"].(map[string]interface{}); ok {
			if count, ok := meta["count"].(float64); ok {
				return int(count), nil
			}
		}
	}
	return 0, nil
}

func (s *Store) objects(data map[string]models.JSONObject, op string) []map[string]interface{} {
	root, ok := data[op].(map[string]interface{})
	if !ok {
		return nil
	}
	items, ok := root[s.class].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if props, ok := item.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out
}

func recordFromProps(props map[string]interface{}) vector.Record {
	rec := vector.Record{Topics: []string{}}
	rec.ArticleID, _ = props["articleId"].(string)
	rec.URL, _ = props["url"].(string)
	rec.Title, _ = props["title"].(string)
	rec.Summary, _ = props["summary"].(string)
	rec.Source, _ = props["source"].(string)
	if topics, ok := props["topics"].([]interface{}); ok {
		for _, t := range topics {
			if s, ok := t.(string); ok {
				rec.Topics = append(rec.Topics, s)
			}
		}
	}
	if raw, ok := props["publishedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.PublishedAt = &ts
		}
	}
	if raw, ok := props["updatedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.UpdatedAt = ts
		}
	}
	return rec
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ vector.Index = (*Store)(nil)
