package docstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decoded(t *testing.T, doc any) map[string]any {
	t.Helper()
	out, ok := doc.(map[string]any)
	require.True(t, ok, "expected object, got %T", doc)
	return out
}

func TestApplyPatchStandardOps(t *testing.T) {
	doc := map[string]any{"messages": map[string]any{}, "toDate": "a"}

	out, err := ApplyPatch(doc, []PatchOp{
		Add("/messages/m1", map[string]any{"content": "hi"}),
		Replace("/toDate", "b"),
		Replace("/messages/m1/content", "hello"),
	})
	require.NoError(t, err)

	root := decoded(t, out)
	assert.Equal(t, "b", root["toDate"])
	assert.Equal(t, "hello", root["messages"].(map[string]any)["m1"].(map[string]any)["content"])
	assert.Empty(t, doc["messages"].(map[string]any), "input must not be mutated")
}

func TestApplyPatchSafeAddKeepsExistingValue(t *testing.T) {
	doc := map[string]any{"messages": map[string]any{"m1": map[string]any{"content": "first"}}}

	out, err := ApplyPatch(doc, []PatchOp{
		{Op: OpAdd, Path: "/messages/m1", Value: map[string]any{"content": "second"}, Safe: true},
		SafeAdd("/messages/m1", map[string]any{"content": "third"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "first", decoded(t, out)["messages"].(map[string]any)["m1"].(map[string]any)["content"])
}

func TestApplyPatchReplayIsHarmless(t *testing.T) {
	ops := []PatchOp{
		SafeAdd("/messages/m1", map[string]any{"content": "x"}),
		SafeAdd("/messages/m1/reactions/👍", map[string]any{}),
		SafeAdd("/messages/m1/reactions/👍/p1", map[string]any{"count": 1}),
		SafeRemove("/messages/m2"),
	}
	once, err := ApplyPatch(map[string]any{"messages": map[string]any{}}, ops)
	require.NoError(t, err)
	twice, err := ApplyPatch(once, ops)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestApplyPatchHopIncCreatesAndIncrements(t *testing.T) {
	out, err := ApplyPatch(map[string]any{}, []PatchOp{
		Inc("/blob-1/count", 1),
		Inc("/blob-1/count", 1),
		Inc("/blob-1/count", -1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, decoded(t, out)["blob-1"].(map[string]any)["count"])
}

func TestApplyPatchHopIncRejectsNonNumber(t *testing.T) {
	_, err := ApplyPatch(map[string]any{"count": "x"}, []PatchOp{Inc("/count", 1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPatch))
}

func TestApplyPatchFailureIsAtomic(t *testing.T) {
	doc := map[string]any{"a": 1.0}
	_, err := ApplyPatch(doc, []PatchOp{Replace("/a", 2), Remove("/missing")})
	require.Error(t, err)
	assert.Equal(t, 1.0, doc["a"])
}

func TestApplyPatchRemoveRequiresExistenceUnlessSafe(t *testing.T) {
	_, err := ApplyPatch(map[string]any{}, []PatchOp{Remove("/x")})
	require.Error(t, err)

	_, err = ApplyPatch(map[string]any{}, []PatchOp{{Op: OpRemove, Path: "/x", Safe: true}})
	require.NoError(t, err)
}

func TestApplyPatchAddNeedsExistingParent(t *testing.T) {
	_, err := ApplyPatch(map[string]any{}, []PatchOp{Add("/messages/m1", 1)})
	require.Error(t, err)
}

func TestPointerEscaping(t *testing.T) {
	assert.Equal(t, "/messages/a~1b/reactions/~0x", Pointer("messages", "a/b", "reactions", "~x"))

	out, err := ApplyPatch(map[string]any{}, []PatchOp{SafeAdd(Pointer("a/b", "c"), true)})
	require.NoError(t, err)
	assert.Equal(t, true, decoded(t, out)["a/b"].(map[string]any)["c"])
}
