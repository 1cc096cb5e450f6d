package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/marees-france/mareesd/internal/models"
)

// MemoryDocumentStore is a DocumentStore backed by process memory. It is
// used in tests and as a fallback when no DynamoDB endpoint is configured.
type MemoryDocumentStore struct {
	mu  sync.RWMutex
	doc models.Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{doc: models.Document{}}
}

func (s *MemoryDocumentStore) Load(_ context.Context) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyDocument(s.doc), nil
}

func (s *MemoryDocumentStore) Save(_ context.Context, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = copyDocument(doc)
	return nil
}

func copyDocument(doc models.Document) models.Document {
	out := make(models.Document, len(doc))
	for harbor, raw := range doc {
		out[harbor] = append(json.RawMessage(nil), raw...)
	}
	return out
}
