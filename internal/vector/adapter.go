package vector

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateSchema runs the article class migrations against a live weaviate
// schema endpoint.
type WeaviateSchema struct {
	client *weaviate.Client
}

func NewWeaviateSchema(client *weaviate.Client) *WeaviateSchema {
	return &WeaviateSchema{client: client}
}

func (w *WeaviateSchema) ClassExists(ctx context.Context, className string) (bool, error) {
	return w.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (w *WeaviateSchema) CreateClass(ctx context.Context, class *models.Class) error {
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", class.Class, err)
	}
	return nil
}

func (w *WeaviateSchema) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return w.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (w *WeaviateSchema) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return w.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

// Migrate brings the named class up to ArticleProperties.
func (w *WeaviateSchema) Migrate(ctx context.Context, className string) error {
	return EnsureSchema(ctx, w, className)
}
