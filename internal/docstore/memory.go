package docstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// MemoryClient keeps documents as encoded JSON so callers never share
// mutable state with the store.
type MemoryClient struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{docs: map[string][]byte{}}
}

func (c *MemoryClient) GetJSON(ctx context.Context, path string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := cleanDocPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	data, ok := c.docs[key]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (c *MemoryClient) PutJSON(ctx context.Context, path string, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := cleanDocPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.docs[key] = data
	c.mu.Unlock()
	return nil
}

func (c *MemoryClient) PatchJSON(ctx context.Context, path string, ops []PatchOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := cleanDocPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.docs[key]
	if !ok {
		return ErrNotFound
	}
	patched, err := ApplyPatchJSON(data, ops)
	if err != nil {
		return err
	}
	c.docs[key] = patched
	return nil
}

func (c *MemoryClient) DeleteJSON(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := cleanDocPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[key]; !ok {
		return ErrNotFound
	}
	delete(c.docs, key)
	return nil
}

// Paths lists stored document paths with the given prefix.
func (c *MemoryClient) Paths(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for key := range c.docs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

func cleanDocPath(path string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ErrInvalidPath
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", ErrInvalidPath
		}
	}
	return path, nil
}
