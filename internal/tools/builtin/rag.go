package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/ashureev/pte-agent/internal/tools"
)

const (
	defaultTopK     = 3
	maxTopK         = 10
	documentPreview = 500
)

// Document is one retrieved chunk.
type Document struct {
	Title    string
	Content  string
	Distance float64
}

// Retriever finds documents similar to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}

// WeaviateConfig configures the vector store retriever.
type WeaviateConfig struct {
	Host   string
	Scheme string
	Class  string
}

// WeaviateRetriever runs nearText queries against one Weaviate class.
type WeaviateRetriever struct {
	client *weaviate.Client
	class  string
}

// NewWeaviateRetriever creates a retriever. The class must have a text2vec module configured.
func NewWeaviateRetriever(cfg WeaviateConfig) (*WeaviateRetriever, error) {
	if cfg.Host == "" {
		return nil, tools.ErrNotConfigured
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = "Document"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateRetriever{client: client, class: cfg.Class}, nil
}

// Ping checks that Weaviate is ready.
func (w *WeaviateRetriever) Ping(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate ready check: %w", err)
	}
	if !ready {
		return errors.New("weaviate is not ready")
	}
	return nil
}

// Retrieve implements Retriever.
func (w *WeaviateRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	nearText := w.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	fields := []graphql.Field{
		{Name: "title"},
		{Name: "content"},
		{Name: "_additional { distance }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}
	data := make(map[string]any, len(result.Data))
	for k, v := range result.Data {
		data[k] = v
	}
	return parseDocuments(data, w.class), nil
}

// parseDocuments extracts Get.<class> objects from a GraphQL response.
func parseDocuments(data map[string]any, class string) []Document {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	items, ok := get[class].([]any)
	if !ok {
		return nil
	}
	docs := make([]Document, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		doc := Document{}
		doc.Title, _ = obj["title"].(string)
		doc.Content, _ = obj["content"].(string)
		if add, ok := obj["_additional"].(map[string]any); ok {
			doc.Distance, _ = add["distance"].(float64)
		}
		docs = append(docs, doc)
	}
	return docs
}

func newRAG(deps Deps) (tools.Tool, error) {
	if deps.Retriever == nil {
		return nil, tools.ErrNotConfigured
	}
	return tools.New(tools.MustBuiltin("rag_retrieve"), func(ctx context.Context, in tools.Input) (string, error) {
		original := strings.TrimSpace(in.String("query"))
		if original == "" {
			return "", errors.New("query is empty")
		}
		topK := in.Int("top_k", defaultTopK)
		if topK <= 0 {
			topK = defaultTopK
		}
		if topK > maxTopK {
			topK = maxTopK
		}
		query, refined := searchQuery(ctx, deps, in)

		docs, err := deps.Retriever.Retrieve(ctx, query, topK)
		if err != nil {
			return "", fmt.Errorf("document retrieval failed: %w", err)
		}

		header := queryLine("document query", original, query, refined)
		if len(docs) == 0 {
			return fmt.Sprintf("%s\n\nno documents found for %q", header, query), nil
		}
		parts := make([]string, 0, len(docs))
		for i, d := range docs {
			title := d.Title
			if title == "" {
				title = "untitled"
			}
			parts = append(parts, fmt.Sprintf("[%d] %s\n%s", i+1, title, truncate(d.Content, documentPreview)))
		}
		return header + "\n\n" + strings.Join(parts, "\n\n---\n\n"), nil
	}), nil
}
