package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type object struct {
	data        []byte
	contentType string
}

// Archive keeps archived bodies in memory and returns memory:// URIs.
type Archive struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewArchive creates an empty Archive.
func NewArchive() *Archive {
	return &Archive{objects: make(map[string]object)}
}

// PutObject stores a copy of data under path.
func (a *Archive) PutObject(_ context.Context, path, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[path] = object{data: body, contentType: contentType}
	return "memory://" + path, nil
}

// Object returns a copy of the stored body and its content type.
func (a *Archive) Object(path string) ([]byte, string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len reports how many objects are stored.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}
