package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/testutil"
	"github.com/BaSui01/extractflow/testutil/mocks"
	"github.com/BaSui01/extractflow/types"
)

type person struct {
	Name string `json:"name" jsonschema:"required"`
	Age  int    `json:"age" jsonschema:"required,minimum=0"`
}

func TestExtract_FirstAttemptSucceeds(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("person", `{"name":"Jason","age":25}`)

	ex, err := New[person](provider, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is 25."))
	require.NoError(t, err)

	require.NotNil(t, result.Value)
	assert.Equal(t, "Jason", result.Value.Name)
	assert.Equal(t, 25, result.Value.Age)

	require.Len(t, result.Attempts, 1)
	assert.Equal(t, OutcomeSuccess, result.Attempts[0].Outcome)
	assert.Equal(t, 1, provider.CallCount())
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 30, result.Usage.TotalTokens)
}

func TestExtract_ValidationReaskThenSuccess(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("person", `{"name":"Jason","age":"twenty-five"}`).
		WithToolCall("person", `{"name":"Jason","age":25}`)

	ex, err := New[person](provider)
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is twenty-five."))
	require.NoError(t, err)

	require.NotNil(t, result.Value)
	assert.Equal(t, 25, result.Value.Age)

	// both attempts are on the record
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeValidationFailed, result.Attempts[0].Outcome)
	require.Len(t, result.Attempts[0].Failures, 1)
	assert.Equal(t, "age", result.Attempts[0].Failures[0].Path)
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)

	// the second request carried the age failure back to the model
	require.Equal(t, 2, provider.CallCount())
	second := provider.Calls()[1].Request
	reask := second.Messages[len(second.Messages)-1].Content
	assert.Contains(t, reask, "age")
	assert.Contains(t, reask, result.Attempts[0].Failures[0].Message)
}

func TestExtract_ExhaustionCarriesFailures(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("person", `{"name":"Jason","age":"twenty-five"}`)

	ex, err := New[person](provider, WithMaxAttempts(1))
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is twenty-five."))
	require.Error(t, err)
	assert.Equal(t, types.ErrRetryExhausted, types.GetErrorCode(err))

	// exactly one provider call with maxAttempts=1
	assert.Equal(t, 1, provider.CallCount())
	require.Len(t, result.Attempts, 1)

	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.Attempts)
	require.Len(t, exhausted.Failures, 1)
	assert.Equal(t, "age", exhausted.Failures[0].Path)
	assert.Contains(t, exhausted.Failures[0].Message, "integer")
}

func TestExtract_AttemptBudgetBoundsProviderCalls(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithContent("I will not produce JSON.")

	ex, err := New[person](provider, WithMaxAttempts(3))
	require.NoError(t, err)

	_, err = ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is 25."))
	require.Error(t, err)
	assert.Equal(t, types.ErrRetryExhausted, types.GetErrorCode(err))
	assert.Equal(t, 3, provider.CallCount())
}

func TestExtract_ParseErrorGetsGenericReask(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithContent("no structured data here").
		WithToolCall("person", `{"name":"Jason","age":25}`)

	ex, err := New[person](provider)
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is 25."))
	require.NoError(t, err)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeParseError, result.Attempts[0].Outcome)

	// the reformulation prompt is generic, not a field-level reask
	second := provider.Calls()[1].Request
	reask := second.Messages[len(second.Messages)-1].Content
	assert.Contains(t, reask, "not usable")
	assert.NotContains(t, reask, "Validation errors")
}

func TestExtract_RetryableProviderErrorRetries(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithError(types.NewError(types.ErrRateLimited, "rate limited").WithRetryable(true)).
		WithToolCall("person", `{"name":"Jason","age":25}`)

	ex, err := New[person](provider)
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is 25."))
	require.NoError(t, err)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, OutcomeProviderError, result.Attempts[0].Outcome)
	assert.Equal(t, OutcomeSuccess, result.Attempts[1].Outcome)
}

func TestExtract_FatalProviderErrorStops(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithError(types.NewError(types.ErrUnauthorized, "bad key"))

	ex, err := New[person](provider, WithMaxAttempts(3))
	require.NoError(t, err)

	_, err = ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is 25."))
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
	assert.Equal(t, 1, provider.CallCount())
}

func TestExtract_Cancellation(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("person", `{"name":"Jason","age":25}`)

	ex, err := New[person](provider)
	require.NoError(t, err)

	_, err = ex.Extract(testutil.CancelledContext(), testutil.UserMessage("Jason is 25."))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, provider.CallCount())
}

func TestExtract_FreeformFallbackWithoutNativeTools(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithoutNativeToolCalling().
		WithContent(`{"name":"Jason","age":25}`)

	ex, err := New[person](provider)
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is 25."))
	require.NoError(t, err)
	assert.Equal(t, "Jason", result.Value.Name)

	// the request went out without tool declarations
	req := provider.Calls()[0].Request
	assert.Empty(t, req.Tools)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
}

func TestExtract_CustomSchemaAndRules(t *testing.T) {
	s := schema.New("person", schema.NewObjectSchema().
		AddProperty("name", schema.NewStringSchema()).
		AddProperty("age", schema.NewIntegerSchema()).
		AddRequired("name", "age")).
		WithFieldRule(schema.FieldRule{
			Path: "age",
			Name: "adult",
			Check: func(value any) error {
				if value.(float64) < 18 {
					return errors.New("must be at least 18")
				}
				return nil
			},
		})

	provider := mocks.NewMockProvider().
		WithToolCall("person", `{"name":"Jason","age":12}`).
		WithToolCall("person", `{"name":"Jason","age":25}`)

	ex, err := New[person](provider, WithSchema(s))
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason."))
	require.NoError(t, err)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "adult", result.Attempts[0].Failures[0].Rule)
	assert.Equal(t, 25, result.Value.Age)
}

func TestNew_UnrepresentableSchemaFailsFast(t *testing.T) {
	type unions struct {
		Anything any `json:"anything"`
	}

	provider := mocks.NewMockProvider()
	_, err := New[unions](provider)
	require.Error(t, err)
	assert.Equal(t, types.ErrSchema, types.GetErrorCode(err))
	assert.Equal(t, 0, provider.CallCount())
}

func TestExtract_ModelAndOptionsFlowIntoRequests(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("person", `{"name":"Jason","age":25}`)

	ex, err := New[person](provider,
		WithModel("gpt-4o-mini"),
		WithMaxTokens(256),
		WithTemperature(0))
	require.NoError(t, err)

	result, err := ex.Extract(testutil.TestContext(t), testutil.UserMessage("Jason is 25."))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", provider.Calls()[0].Request.Model)
	assert.Equal(t, 256, provider.Calls()[0].Request.MaxTokens)
	assert.Equal(t, result.ID, provider.Calls()[0].Request.TraceID)
}

func TestRetryExhaustedError_Message(t *testing.T) {
	err := &RetryExhaustedError{
		Attempts: 2,
		Failures: schema.Failures{{Path: "age", Message: "expected integer, got string"}},
	}
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "2 attempt"))
	assert.Contains(t, msg, "age: expected integer, got string")
}
