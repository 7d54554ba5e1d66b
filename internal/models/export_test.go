package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptPairsChoicesWithTurns(t *testing.T) {
	choices := []Choice{
		{Description: "Take the boat", Outcome: "You reach the island"},
		{Description: "Stay ashore", Outcome: "The storm passes"},
	}
	s := &SessionState{
		SessionID:   "s1",
		Story:       SelectedStory{Title: "Harbor"},
		MaxTurns:    3,
		CurrentTurn: 3,
		ConversationLog: []ConversationEntry{
			{Role: RoleSystem, Content: "rules"},
			{Role: RoleAssistant, Content: `{"story":"Fog rolls in.","img":"fog","choices":[{"description":"Take the boat","outcome":"You reach the island"},{"description":"Stay ashore","outcome":"The storm passes"}]}`},
			NewChoiceEntry(choices[0]),
			{Role: RoleAssistant, Content: "not json"},
			NewChoiceEntry(choices[1]),
			{Role: RoleAssistant, Content: `{"story":"Home at last.","img":"sunrise"}`},
		},
	}

	tr := s.Transcript()
	require.Len(t, tr.Turns, 3)
	assert.True(t, tr.Concluded)

	assert.Equal(t, 1, tr.Turns[0].Number)
	assert.Equal(t, "Fog rolls in.", tr.Turns[0].Story)
	assert.Equal(t, "fog", tr.Turns[0].ImagePrompt)
	assert.Len(t, tr.Turns[0].Choices, 2)
	require.NotNil(t, tr.Turns[0].Chosen)
	assert.Equal(t, choices[0], *tr.Turns[0].Chosen)

	assert.Equal(t, "not json", tr.Turns[1].Story)
	require.NotNil(t, tr.Turns[1].Chosen)
	assert.Equal(t, "Stay ashore", tr.Turns[1].Chosen.Description)

	assert.Equal(t, "Home at last.", tr.Turns[2].Story)
	assert.Nil(t, tr.Turns[2].Chosen)
}

func TestTranscriptEmptyLog(t *testing.T) {
	s := &SessionState{SessionID: "s2", MaxTurns: 5}
	tr := s.Transcript()

	assert.NotNil(t, tr.Turns)
	assert.Empty(t, tr.Turns)
	assert.False(t, tr.Concluded)
}
