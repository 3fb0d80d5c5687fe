package stream

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/testutil"
	"github.com/BaSui01/extractflow/testutil/mocks"
	"github.com/BaSui01/extractflow/types"
)

type listItem struct {
	Name string `json:"name"`
}

func listItemSchema() *schema.Schema {
	return schema.New("item", schema.NewObjectSchema().
		AddProperty("name", schema.NewStringSchema()).
		AddRequired("name"))
}

func TestListDecoder_SplitMidArray(t *testing.T) {
	// the array arrives split in the middle of the second element
	chunks := streamOf(t,
		`[{"name":"A"},{"na`,
		`me":"B"}]`,
	)

	dec := NewListDecoder[listItem](listItemSchema())
	elements := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)

	require.Len(t, elements, 2)
	assert.Equal(t, 0, elements[0].Index)
	assert.Equal(t, "A", elements[0].Value.Name)
	assert.Equal(t, 1, elements[1].Index)
	assert.Equal(t, "B", elements[1].Value.Name)
}

func TestListDecoder_EmitsBeforeStreamEnd(t *testing.T) {
	chunks := make(chan llm.StreamChunk, 2)
	chunks <- llm.StreamChunk{Delta: llm.Message{Content: `[{"name":"A"},`}}

	dec := NewListDecoder[listItem](listItemSchema())
	out := dec.Decode(testutil.TestContext(t), chunks)

	// the first element arrives while the array is still open
	select {
	case elem := <-out:
		assert.Equal(t, "A", elem.Value.Name)
	case <-time.After(time.Second):
		t.Fatal("first element not emitted before stream end")
	}

	close(chunks)
	testutil.CollectChunks(t, out, time.Second)
}

func TestListDecoder_PerElementValidation(t *testing.T) {
	chunks := streamOf(t, `[{"name":"A"},{"name":42},{"name":"C"}]`)

	dec := NewListDecoder[listItem](listItemSchema())
	elements := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)

	require.Len(t, elements, 3)
	assert.Equal(t, "A", elements[0].Value.Name)

	require.Len(t, elements[1].Failures, 1)
	assert.Equal(t, "name", elements[1].Failures[0].Path)
	assert.Nil(t, elements[1].Value)

	// a failed element never blocks the ones after it
	assert.Equal(t, "C", elements[2].Value.Name)
}

func TestListDecoder_AbortOnFirstFailure(t *testing.T) {
	chunks := streamOf(t, `[{"name":"A"},{"name":42},{"name":"C"}]`)

	dec := NewListDecoder[listItem](listItemSchema(), WithAbortOnFirstFailure())
	elements := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)

	require.Len(t, elements, 2)
	assert.Equal(t, "A", elements[0].Value.Name)
	assert.NotEmpty(t, elements[1].Failures)
}

func TestListDecoder_NestedObjectsAndStrings(t *testing.T) {
	// braces inside nested objects and strings must not break boundaries
	doc := `[{"name":"a } b"},{"name":"c","meta":{"k":"v"}}]`
	chunks := streamOf(t, doc[:17], doc[17:])

	root := schema.NewObjectSchema().
		AddProperty("name", schema.NewStringSchema()).
		AddRequired("name")
	dec := NewListDecoder[listItem](schema.New("item", root))
	elements := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), chunks), time.Second)

	require.Len(t, elements, 2)
	assert.Equal(t, "a } b", elements[0].Value.Name)
	assert.Equal(t, "c", elements[1].Value.Name)
}

func TestListDecoder_TransportError(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithStreamChunks(`[{"name":"A"},`).
		WithStreamError(llm.StreamChunk{
			Err: types.NewError(types.ErrUpstreamTimeout, "timeout"),
		})

	ch, err := provider.Stream(testutil.TestContext(t), &llm.ChatRequest{})
	require.NoError(t, err)

	dec := NewListDecoder[listItem](listItemSchema())
	elements := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), ch), time.Second)

	require.Len(t, elements, 2)
	assert.Equal(t, "A", elements[0].Value.Name)
	require.NotNil(t, elements[1].Err)
	assert.Equal(t, types.ErrUpstreamTimeout, elements[1].Err.Code)
}

// For any list of names and any chunking of the serialized array, every
// element is emitted exactly once, in array order.
func TestProperty_ListDecoder_AllElementsInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("all elements decoded in order", prop.ForAll(
		func(names []string, chunkSize int) bool {
			var b strings.Builder
			b.WriteString("[")
			for i, name := range names {
				if i > 0 {
					b.WriteString(",")
				}
				fmt.Fprintf(&b, `{"name":"%s"}`, name)
			}
			b.WriteString("]")
			doc := b.String()

			var deltas []string
			for start := 0; start < len(doc); start += chunkSize {
				end := start + chunkSize
				if end > len(doc) {
					end = len(doc)
				}
				deltas = append(deltas, doc[start:end])
			}

			provider := mocks.NewMockProvider().WithStreamChunks(deltas...)
			ch, err := provider.Stream(testutil.TestContext(t), &llm.ChatRequest{})
			if err != nil {
				return false
			}

			dec := NewListDecoder[listItem](listItemSchema())
			elements := testutil.CollectChunks(t, dec.Decode(testutil.TestContext(t), ch), 5*time.Second)

			if len(elements) != len(names) {
				return false
			}
			for i, elem := range elements {
				if elem.Index != i || elem.Value == nil || elem.Value.Name != names[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.RegexMatch(`[a-zA-Z0-9 ]{1,12}`)),
		gen.IntRange(1, 24),
	))

	properties.TestingRun(t)
}
