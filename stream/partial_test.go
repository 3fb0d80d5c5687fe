package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/testutil"
	"github.com/BaSui01/extractflow/testutil/mocks"
	"github.com/BaSui01/extractflow/types"
)

type streamPerson struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func streamPersonSchema() *schema.Schema {
	return schema.New("person", schema.NewObjectSchema().
		AddProperty("name", schema.NewStringSchema()).
		AddProperty("age", schema.NewIntegerSchema()).
		AddRequired("name", "age"))
}

func streamOf(t *testing.T, deltas ...string) <-chan llm.StreamChunk {
	t.Helper()
	provider := mocks.NewMockProvider().WithStreamChunks(deltas...)
	ch, err := provider.Stream(testutil.TestContext(t), &llm.ChatRequest{Model: "mock"})
	require.NoError(t, err)
	return ch
}

func TestPartialDecoder_CoalescesOnResolvedPaths(t *testing.T) {
	// the second delta adds only a dangling key, so the resolved path
	// set is unchanged and no snapshot is emitted for it
	chunks := streamOf(t,
		`{"name":"Jason",`,
		`"age"`,
		`:25}`,
	)

	dec := NewPartialDecoder[streamPerson](streamPersonSchema())
	snapshots := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)

	require.Len(t, snapshots, 3)
	assert.Equal(t, []string{"name"}, snapshots[0].Resolved)
	assert.False(t, snapshots[0].Terminal)
	assert.ElementsMatch(t, []string{"name", "age"}, snapshots[1].Resolved)
	assert.False(t, snapshots[1].Terminal)
	assert.True(t, snapshots[2].Terminal)
}

func TestPartialDecoder_FieldsResolveIncrementally(t *testing.T) {
	chunks := streamOf(t,
		`{"name":"Ja`,
		`son","age":`,
		`25}`,
	)

	dec := NewPartialDecoder[streamPerson](streamPersonSchema())
	snapshots := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)
	require.NotEmpty(t, snapshots)

	final := snapshots[len(snapshots)-1]
	assert.True(t, final.Terminal)
	assert.Empty(t, final.Failures)
	require.NotNil(t, final.Value)
	assert.Equal(t, "Jason", final.Value.Name)
	assert.Equal(t, 25, final.Value.Age)
	assert.ElementsMatch(t, []string{"name", "age"}, final.Resolved)

	// name resolved in some snapshot before age did
	var sawNameAlone bool
	for _, snap := range snapshots[:len(snapshots)-1] {
		if len(snap.Resolved) == 1 && snap.Resolved[0] == "name" {
			sawNameAlone = true
			assert.Equal(t, "Jason", snap.Value.Name)
			assert.Zero(t, snap.Value.Age)
		}
	}
	assert.True(t, sawNameAlone)
}

func TestPartialDecoder_ResolutionIsMonotonic(t *testing.T) {
	chunks := streamOf(t,
		`{"name":"Jason"`,
		`,"age":25`,
		`,"active":true}`,
	)

	root := schema.NewObjectSchema().
		AddProperty("name", schema.NewStringSchema()).
		AddProperty("age", schema.NewIntegerSchema()).
		AddProperty("active", schema.NewBooleanSchema())
	dec := NewPartialDecoder[streamPerson](schema.New("person", root))
	snapshots := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)

	seen := map[string]bool{}
	for _, snap := range snapshots {
		current := map[string]bool{}
		for _, p := range snap.Resolved {
			current[p] = true
		}
		for p := range seen {
			assert.True(t, current[p], "path %q reverted to unresolved", p)
		}
		seen = current
	}
}

func TestPartialDecoder_ValidationOnlyAtStreamEnd(t *testing.T) {
	// age arrives as a string; no failure may surface before the end
	chunks := streamOf(t,
		`{"name":"Jason",`,
		`"age":"twenty-five"}`,
	)

	dec := NewPartialDecoder[streamPerson](streamPersonSchema())
	snapshots := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)
	require.NotEmpty(t, snapshots)

	for _, snap := range snapshots[:len(snapshots)-1] {
		assert.Empty(t, snap.Failures)
		assert.False(t, snap.Terminal)
	}

	final := snapshots[len(snapshots)-1]
	assert.True(t, final.Terminal)
	require.Len(t, final.Failures, 1)
	assert.Equal(t, "age", final.Failures[0].Path)
}

func TestPartialDecoder_TruncatedStream(t *testing.T) {
	chunks := streamOf(t, `{"name":"Jason","age":`)

	dec := NewPartialDecoder[streamPerson](streamPersonSchema())
	snapshots := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)
	require.NotEmpty(t, snapshots)

	final := snapshots[len(snapshots)-1]
	assert.True(t, final.Terminal)
	require.NotNil(t, final.Err)
	assert.Equal(t, types.ErrParse, final.Err.Code)
}

func TestPartialDecoder_TransportError(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithStreamError(llm.StreamChunk{
			Err: types.NewError(types.ErrUpstreamError, "connection reset"),
		})

	ch, err := provider.Stream(testutil.TestContext(t), &llm.ChatRequest{})
	require.NoError(t, err)

	dec := NewPartialDecoder[streamPerson](streamPersonSchema())
	snapshots := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), ch), time.Second)
	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].Terminal)
	require.NotNil(t, snapshots[0].Err)
	assert.Equal(t, types.ErrUpstreamError, snapshots[0].Err.Code)
}

func TestPartialDecoder_ToolCallArgumentStream(t *testing.T) {
	chunks := make(chan llm.StreamChunk, 3)
	chunks <- llm.StreamChunk{Delta: llm.Message{ToolCalls: []llm.ToolCall{
		{ID: "call_0", Name: "person", Arguments: []byte(`{"name":"Ja`)},
	}}}
	chunks <- llm.StreamChunk{Delta: llm.Message{ToolCalls: []llm.ToolCall{
		{Arguments: []byte(`son","age":25}`)},
	}}}
	close(chunks)

	dec := NewPartialDecoder[streamPerson](streamPersonSchema())
	snapshots := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)
	require.NotEmpty(t, snapshots)

	final := snapshots[len(snapshots)-1]
	assert.True(t, final.Terminal)
	assert.Empty(t, final.Failures)
	assert.Equal(t, "Jason", final.Value.Name)
}
