package staging

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

type memObject struct {
	data        []byte
	contentType string
}

// MemoryStager keeps objects in process memory. Intended for development and tests.
type MemoryStager struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemoryStager() *MemoryStager {
	return &MemoryStager{objects: make(map[string]memObject)}
}

func (s *MemoryStager) Put(ctx context.Context, _ string, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ref := "mem://" + uuid.NewString()

	s.mu.Lock()
	s.objects[ref] = memObject{data: data, contentType: contentType}
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStager) Get(_ context.Context, ref string) (io.ReadCloser, string, error) {
	s.mu.RLock()
	obj, ok := s.objects[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

func (s *MemoryStager) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		return ErrNotFound
	}
	delete(s.objects, ref)
	return nil
}

// Len reports how many objects are currently staged.
func (s *MemoryStager) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
