package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileClient stores each document as <root>/<path>.json. Writes go through
// a temp file and rename so a crash never leaves a torn document.
type FileClient struct {
	root string
	mu   sync.Mutex
}

func NewFileClient(root string) (*FileClient, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidPath
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileClient{root: root}, nil
}

func (c *FileClient) GetJSON(ctx context.Context, path string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := c.filePath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	data, err := os.ReadFile(file)
	c.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *FileClient) PutJSON(ctx context.Context, path string, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := c.filePath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFileAtomic(file, data)
}

func (c *FileClient) PatchJSON(ctx context.Context, path string, ops []PatchOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := c.filePath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	patched, err := ApplyPatchJSON(data, ops)
	if err != nil {
		return err
	}
	return writeFileAtomic(file, patched)
}

func (c *FileClient) DeleteJSON(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := c.filePath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (c *FileClient) filePath(path string) (string, error) {
	key, err := cleanDocPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, filepath.FromSlash(key)+".json"), nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
