package utils

import (
	"strings"
	"testing"

	"caresim/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatConversationEmpty(t *testing.T) {
	chat := &models.Chat{Title: "Breakfast", AvatarID: "margaret"}

	out := FormatConversation(chat)

	assert.True(t, strings.HasPrefix(out, "CONVERSATION METADATA:\n"))
	assert.Contains(t, out, "\n\nCONVERSATION TRANSCRIPT:\n")
	assert.Contains(t, out, `"title": "Breakfast"`)
	assert.Contains(t, out, `"avatar_id": "margaret"`)
	assert.Contains(t, out, `"interaction_count": 0`)
}

func TestFormatConversationTranscript(t *testing.T) {
	chat := &models.Chat{
		Title: "Medication",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "scenario setup"},
			{Role: models.RoleUser, Content: "Good morning"},
			{Role: models.RoleAssistant, Content: "Morning, dear"},
			{Role: models.RoleScenario, Content: "opens curtains"},
		},
		InteractionCount: 1,
	}

	out := FormatConversation(chat)
	_, transcript, found := strings.Cut(out, "CONVERSATION TRANSCRIPT:\n")
	require.True(t, found)
	assert.Equal(t, "Resident: scenario setup\nUser: Good morning\nResident: Morning, dear\nResident: opens curtains", transcript)
}

func TestFormatConversationMetadataRoundTrip(t *testing.T) {
	chats := []*models.Chat{
		{Title: "Plain", AvatarID: "a1"},
		{Title: "Tricky \"quotes\" & <tags>\nCONVERSATION TRANSCRIPT:", AvatarID: "ü-avatar"},
		{
			Title:      "With course",
			AvatarID:   "bob",
			CourseData: map[string]any{"max_turns": 4.0, "resident": map[string]any{"name": "Bob"}},
			Messages:   []models.Message{{Role: models.RoleUser, Content: "CONVERSATION METADATA: {}"}},
		},
	}
	for _, chat := range chats {
		meta, err := ParseConversationMetadata(FormatConversation(chat))
		require.NoError(t, err)
		assert.Equal(t, chat.Title, meta.Title)
		assert.Equal(t, chat.AvatarID, meta.AvatarID)
		assert.Equal(t, chat.InteractionCount, meta.InteractionCount)
	}
}

func TestParseConversationMetadataRejectsGarbage(t *testing.T) {
	_, err := ParseConversationMetadata("hello")
	assert.Error(t, err)
}
