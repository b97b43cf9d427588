// Package docstore is the remote JSON document store the grouped message
// store writes buckets to. Documents are addressed by slash separated paths
// and mutated with JSON patch operations, including the store specific
// "hop" operations that create missing parents and increment counters.
package docstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidPatch = errors.New("invalid patch")
	ErrInvalidPath  = errors.New("invalid document path")
)

// HTTPError is a non-404 failure returned by a remote store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("docstore http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("docstore http %d: %s", e.StatusCode, e.Message)
}

const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"

	HopAdd    = "add"
	HopInc    = "inc"
	HopRemove = "remove"
)

// PatchOp is either a standard operation (Op set) or a hop operation (Hop
// set). Safe makes adds keep an existing value and removes tolerate a
// missing one, so replaying a patch is harmless.
type PatchOp struct {
	Op    string `json:"op,omitempty"`
	Hop   string `json:"hop,omitempty"`
	Path  string `json:"path"`
	Value any    `json:"value"`
	Safe  bool   `json:"safe,omitempty"`
}

func Add(path string, value any) PatchOp {
	return PatchOp{Op: OpAdd, Path: path, Value: value}
}

func Replace(path string, value any) PatchOp {
	return PatchOp{Op: OpReplace, Path: path, Value: value}
}

func Remove(path string) PatchOp {
	return PatchOp{Op: OpRemove, Path: path}
}

func SafeAdd(path string, value any) PatchOp {
	return PatchOp{Hop: HopAdd, Path: path, Value: value, Safe: true}
}

func SafeRemove(path string) PatchOp {
	return PatchOp{Hop: HopRemove, Path: path, Safe: true}
}

func Inc(path string, delta int) PatchOp {
	return PatchOp{Hop: HopInc, Path: path, Value: delta}
}

// Client is the contract consumed by the grouped message store.
type Client interface {
	GetJSON(ctx context.Context, path string, out any) error
	PutJSON(ctx context.Context, path string, body any) error
	PatchJSON(ctx context.Context, path string, ops []PatchOp) error
	DeleteJSON(ctx context.Context, path string) error
}
