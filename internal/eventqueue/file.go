package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileQueue persists pending records in one JSON file so they survive a
// restart of a single node deployment.
type FileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration

	mu    sync.Mutex
	items []Record
}

type fileQueueState struct {
	Items []Record `json:"items"`
}

func NewFileQueue(path string, capacity int) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file queue path is required")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &FileQueue{path: path, capacity: capacity, pollInterval: 10 * time.Millisecond}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) Publish(_ context.Context, records ...Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items)+len(records) > q.capacity {
		return ErrQueueFull
	}
	previous := q.items
	q.items = append(append([]Record(nil), q.items...), records...)
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	return nil
}

func (q *FileQueue) Dequeue(ctx context.Context) (Record, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Record{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Record{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Record{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *FileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FileQueue) Close() error {
	return nil
}

func (q *FileQueue) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var state fileQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	q.items = state.Items
	return nil
}

func (q *FileQueue) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(fileQueueState{Items: q.items})
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
