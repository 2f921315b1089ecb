package remote

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory is an in-process Store for development and tests. Fail hooks let
// tests reject selected writes.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	blobs    map[string][]byte
	attempts int
	writes   int
	fail     func(op, path string) error
}

func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]map[string]any),
		blobs: make(map[string][]byte),
	}
}

// FailWhen installs a hook consulted before every write. op is "document" or
// "blob"; a non-nil return rejects the write.
func (m *Memory) FailWhen(fn func(op, path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *Memory) PutDocument(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.fail != nil {
		if err := m.fail("document", path); err != nil {
			return err
		}
	}
	m.docs[path] = Merge(m.docs[path], copyFields(fields))
	m.writes++
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, path string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(doc), nil
}

func (m *Memory) UploadBlob(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read blob: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.fail != nil {
		if err := m.fail("blob", path); err != nil {
			return "", err
		}
	}
	m.blobs[path] = b
	m.writes++
	return "mem://" + path, nil
}

// Attempts counts every write call, including rejected ones.
func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Writes counts acknowledged writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Document(path string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, false
	}
	return copyFields(doc), true
}

func (m *Memory) Blob(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[path]
	return b, ok
}

// Seed writes a document without counting it, for fixtures such as the
// pre-registered participant list.
func (m *Memory) Seed(path string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = Merge(m.docs[path], copyFields(fields))
}

func copyFields(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}
