package docstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApplyPatch applies ops to a decoded JSON document and returns the result.
// The input is not modified; a failing op leaves no partial changes.
func ApplyPatch(doc any, ops []PatchOp) (any, error) {
	root, err := cloneJSON(doc)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizeOps(ops)
	if err != nil {
		return nil, err
	}
	for i, op := range normalized {
		root, err = applyOp(root, op)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d (%s %s): %v", ErrInvalidPatch, i, opName(op), op.Path, err)
		}
	}
	return root, nil
}

// ApplyPatchJSON is ApplyPatch over an encoded document.
func ApplyPatchJSON(data []byte, ops []PatchOp) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	patched, err := ApplyPatch(doc, ops)
	if err != nil {
		return nil, err
	}
	return json.Marshal(patched)
}

func opName(op PatchOp) string {
	if op.Hop != "" {
		return "hop " + op.Hop
	}
	return op.Op
}

func cloneJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeOps turns typed values into plain JSON values.
func normalizeOps(ops []PatchOp) ([]PatchOp, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	var out []PatchOp
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func splitPointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", path)
	}
	parts := strings.Split(path[1:], "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return parts, nil
}

// EscapePointer escapes one reference token.
func EscapePointer(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// Pointer joins raw tokens into an escaped JSON pointer.
func Pointer(tokens ...string) string {
	var b strings.Builder
	for _, token := range tokens {
		b.WriteByte('/')
		b.WriteString(EscapePointer(token))
	}
	return b.String()
}

func applyOp(root any, op PatchOp) (any, error) {
	tokens, err := splitPointer(op.Path)
	if err != nil {
		return nil, err
	}
	if op.Hop != "" {
		return applyHop(root, tokens, op)
	}
	if len(tokens) == 0 {
		switch op.Op {
		case OpAdd, OpReplace:
			return op.Value, nil
		case OpRemove:
			return nil, fmt.Errorf("cannot remove document root")
		}
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
	parent, err := lookup(root, tokens[:len(tokens)-1])
	if err != nil {
		return nil, err
	}
	key := tokens[len(tokens)-1]
	switch op.Op {
	case OpAdd:
		if op.Safe && exists(parent, key) {
			return root, nil
		}
		return root, setChild(parent, key, op.Value, true)
	case OpReplace:
		if !exists(parent, key) {
			return nil, fmt.Errorf("path does not exist")
		}
		return root, setChild(parent, key, op.Value, false)
	case OpRemove:
		if !exists(parent, key) {
			if op.Safe {
				return root, nil
			}
			return nil, fmt.Errorf("path does not exist")
		}
		return root, removeChild(parent, key)
	}
	return nil, fmt.Errorf("unknown op %q", op.Op)
}

func applyHop(root any, tokens []string, op PatchOp) (any, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("hop operations need a non-root path")
	}
	if root == nil {
		root = map[string]any{}
	}
	switch op.Hop {
	case HopAdd, HopInc:
		parent, err := ensureObjects(root, tokens[:len(tokens)-1])
		if err != nil {
			return nil, err
		}
		key := tokens[len(tokens)-1]
		if op.Hop == HopAdd {
			if op.Safe && exists(parent, key) {
				return root, nil
			}
			return root, setChild(parent, key, op.Value, false)
		}
		delta, ok := op.Value.(float64)
		if !ok {
			return nil, fmt.Errorf("inc value must be a number")
		}
		current := 0.0
		if exists(parent, key) {
			value, _ := child(parent, key)
			number, ok := value.(float64)
			if !ok {
				return nil, fmt.Errorf("inc target is not a number")
			}
			current = number
		}
		return root, setChild(parent, key, current+delta, false)
	case HopRemove:
		parent, err := lookup(root, tokens[:len(tokens)-1])
		if err != nil {
			return root, nil
		}
		key := tokens[len(tokens)-1]
		if !exists(parent, key) {
			return root, nil
		}
		return root, removeChild(parent, key)
	}
	return nil, fmt.Errorf("unknown hop %q", op.Hop)
}

func lookup(node any, tokens []string) (any, error) {
	for _, token := range tokens {
		next, ok := child(node, token)
		if !ok {
			return nil, fmt.Errorf("path segment %q does not exist", token)
		}
		node = next
	}
	return node, nil
}

func ensureObjects(node any, tokens []string) (any, error) {
	for _, token := range tokens {
		next, ok := child(node, token)
		if !ok || next == nil {
			obj, isObj := node.(map[string]any)
			if !isObj {
				return nil, fmt.Errorf("cannot create %q inside a non-object", token)
			}
			created := map[string]any{}
			obj[token] = created
			next = created
		}
		node = next
	}
	return node, nil
}

func child(node any, token string) (any, bool) {
	switch typed := node.(type) {
	case map[string]any:
		value, ok := typed[token]
		return value, ok
	case []any:
		idx, err := strconv.Atoi(token)
		if err != nil || idx < 0 || idx >= len(typed) {
			return nil, false
		}
		return typed[idx], true
	}
	return nil, false
}

func exists(node any, token string) bool {
	_, ok := child(node, token)
	return ok
}

func setChild(node any, token string, value any, insert bool) error {
	switch typed := node.(type) {
	case map[string]any:
		typed[token] = value
		return nil
	case []any:
		// Arrays support in-place replacement only.
		idx, err := strconv.Atoi(token)
		if err != nil || idx < 0 || idx >= len(typed) {
			return fmt.Errorf("array index %q out of range", token)
		}
		if insert {
			return fmt.Errorf("array insertion is not supported")
		}
		typed[idx] = value
		return nil
	}
	return fmt.Errorf("parent is not a container")
}

func removeChild(node any, token string) error {
	switch typed := node.(type) {
	case map[string]any:
		delete(typed, token)
		return nil
	case []any:
		return fmt.Errorf("array removal is not supported")
	}
	return fmt.Errorf("parent is not a container")
}
