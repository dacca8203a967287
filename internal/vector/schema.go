package vector

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

const DefaultClassName = "NewsArticle"

// SchemaClient is the subset of the Weaviate schema API used at startup.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// ArticleProperties lists the payload stored next to every article vector.
func ArticleProperties() []*models.Property {
	return []*models.Property{
		{Name: "articleId", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "url", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "title", DataType: []string{"text"}},
		{Name: "summary", DataType: []string{"text"}},
		{Name: "source", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "topics", DataType: []string{"text[]"}},
		{Name: "publishedAt", DataType: []string{"date"}},
		{Name: "updatedAt", DataType: []string{"date"}},
	}
}

// EnsureSchema creates the article class with cosine distance, or adds any
// properties missing from an existing class.
func EnsureSchema(ctx context.Context, client SchemaClient, className string) error {
	if className == "" {
		className = DefaultClassName
	}

	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return fmt.Errorf("check class %s: %w", className, err)
	}

	properties := ArticleProperties()

	if !exists {
		class := &models.Class{
			Class:       className,
			Description: "A news article embedding with denormalized metadata",
			Vectorizer:  "none",
			VectorIndexConfig: map[string]interface{}{
				"distance": "cosine",
			},
			Properties: properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return fmt.Errorf("get class %s: %w", className, err)
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return fmt.Errorf("add property %s: %w", p.Name, err)
			}
		}
	}

	return nil
}
