package services

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func systemLog() []models.ConversationEntry {
	return []models.ConversationEntry{{Role: models.RoleSystem, Content: "tell a story"}}
}

func TestLLMServiceGenerateDecodesReply(t *testing.T) {
	provider := (&scriptedProvider{}).push("```json\n" + turnJSON("Fog rolls in.") + "\n```")
	svc := newTestLLM(t, provider)

	var reply models.TurnReply
	result, err := svc.Generate(context.Background(), systemLog(), llm.TurnSchema(), &reply)
	require.NoError(t, err)

	assert.Equal(t, "Fog rolls in.", reply.Story)
	assert.Len(t, reply.Choices, 2)
	assert.Equal(t, 1, result.Attempts)
	assert.JSONEq(t, turnJSON("Fog rolls in."), result.Content)

	req := provider.lastRequest()
	assert.Equal(t, llm.SchemaTurnWithChoices, req.Schema.Name)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "system", req.Messages[0].Role)
}

func TestLLMServiceRetriesTransportErrors(t *testing.T) {
	provider := (&scriptedProvider{}).fail(errors.New("connection reset")).push(finalJSON("Done."))
	svc := newTestLLM(t, provider)

	var reply models.TurnReply
	result, err := svc.Generate(context.Background(), systemLog(), llm.FinalSchema(), &reply)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, provider.calls())
	assert.Empty(t, reply.Choices)
}

func TestLLMServiceGivesUpAfterMaxAttempts(t *testing.T) {
	provider := (&scriptedProvider{}).
		fail(errors.New("503")).
		fail(errors.New("503")).
		push(finalJSON("never reached"))
	svc := newTestLLM(t, provider)

	var reply models.TurnReply
	_, err := svc.Generate(context.Background(), systemLog(), llm.FinalSchema(), &reply)
	require.Error(t, err)
	assert.True(t, apperrors.IsGenerationFailure(err))
	assert.Equal(t, 2, provider.calls())
}

func TestLLMServiceDoesNotRetryMalformedReply(t *testing.T) {
	provider := (&scriptedProvider{}).push("I am not JSON at all").push(turnJSON("unused"))
	svc := newTestLLM(t, provider)

	var reply models.TurnReply
	_, err := svc.Generate(context.Background(), systemLog(), llm.TurnSchema(), &reply)
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedReply(err))
	assert.Equal(t, 1, provider.calls())
}

func TestLLMServiceCancelledContext(t *testing.T) {
	provider := (&scriptedProvider{}).fail(context.Canceled).push(turnJSON("unused"))
	svc := newTestLLM(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var reply models.TurnReply
	_, err := svc.Generate(ctx, systemLog(), llm.TurnSchema(), &reply)
	require.Error(t, err)
	assert.True(t, apperrors.IsGenerationFailure(err))
	assert.Equal(t, 1, provider.calls())
}

func TestLLMServiceNotReady(t *testing.T) {
	svc := newBaseLLMService(DefaultLLMOptions(), testMetrics(), quietLogger())

	ready, state := svc.GetProviderStatus()
	assert.False(t, ready)
	assert.Equal(t, "Uninitialized", state)

	var reply models.TurnReply
	_, err := svc.Generate(context.Background(), systemLog(), llm.TurnSchema(), &reply)
	assert.True(t, apperrors.IsGenerationFailure(err))
	assert.ErrorIs(t, err, ErrLLMNotReady)
}

func TestLLMServiceUpdateProvider(t *testing.T) {
	llm.Register("scripted-test", func() llm.Provider { return &scriptedProvider{} })
	svc := newBaseLLMService(DefaultLLMOptions(), testMetrics(), quietLogger())

	require.NoError(t, svc.UpdateProvider("scripted-test", map[string]string{"default_model": " scripted-1 "}))
	assert.True(t, svc.IsReady())
	assert.Equal(t, "scripted-test", svc.GetProviderName())
	assert.Equal(t, "scripted-1", svc.GetDefaultModel())

	assert.Error(t, svc.UpdateProvider("does-not-exist", nil))
	assert.False(t, svc.IsReady())

	assert.ErrorIs(t, svc.UpdateProvider("", nil), ErrLLMNotReady)
}

func TestCleanJSONString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"leading prose", `Here you go: {"a":{"b":[1,2]}} hope it helps`, `{"a":{"b":[1,2]}}`},
		{"braces in strings", `{"s":"a } b { c"} trailing`, `{"s":"a } b { c"}`},
		{"escaped quote", `{"s":"say \"}\" now"}`, `{"s":"say \"}\" now"}`},
		{"array", `result: [1,[2]] end`, `[1,[2]]`},
		{"zero width", "\u200b{\"a\":1}\u200b", `{"a":1}`},
		{"no json", `  nothing here `, `nothing here`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSONString(tt.in))
		})
	}
}
