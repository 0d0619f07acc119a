package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"caresim/models"
)

const (
	metadataHeader   = "CONVERSATION METADATA:"
	transcriptHeader = "CONVERSATION TRANSCRIPT:"
)

// ConversationMetadata is the metadata block at the top of a formatted
// conversation. Field order is the order the block is rendered in.
type ConversationMetadata struct {
	Title            string         `json:"title"`
	CourseData       map[string]any `json:"course_data"`
	AvatarID         string         `json:"avatar_id"`
	InteractionCount int            `json:"interaction_count"`
}

// FormatConversation renders a chat for the help and grading models: an
// indented JSON metadata block followed by one "User: ..." or
// "Resident: ..." line per message.
func FormatConversation(chat *models.Chat) string {
	meta := ConversationMetadata{
		Title:            chat.Title,
		CourseData:       chat.CourseData,
		AvatarID:         chat.AvatarID,
		InteractionCount: chat.InteractionCount,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		// course_data came out of a JSON column, so this only happens for
		// values built in memory that JSON cannot represent
		buf.Reset()
		buf.WriteString("{}")
	}

	lines := make([]string, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		speaker := "Resident"
		if m.Role == models.RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+m.Content)
	}

	var sb strings.Builder
	sb.WriteString(metadataHeader)
	sb.WriteString("\n")
	sb.WriteString(strings.TrimRight(buf.String(), "\n"))
	sb.WriteString("\n\n")
	sb.WriteString(transcriptHeader)
	sb.WriteString("\n")
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String()
}

// ParseConversationMetadata reads the metadata block back out of a string
// produced by FormatConversation.
func ParseConversationMetadata(text string) (ConversationMetadata, error) {
	var meta ConversationMetadata

	start := strings.Index(text, metadataHeader)
	if start < 0 {
		return meta, errors.New("metadata section not found")
	}
	rest := text[start+len(metadataHeader):]
	if !strings.Contains(rest, transcriptHeader) {
		return meta, errors.New("transcript section not found")
	}

	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&meta); err != nil {
		return meta, err
	}
	return meta, nil
}
