package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChatStatus string

const (
	StatusReady           ChatStatus = "ready"
	StatusInProgress      ChatStatus = "in_progress"
	StatusThinking        ChatStatus = "thinking"
	StatusGettingHelp     ChatStatus = "getting_help"
	StatusReadyForGrading ChatStatus = "ready_for_grading"
	StatusGrading         ChatStatus = "grading"
	StatusComplete        ChatStatus = "complete"
)

// IsTransient reports whether the status only exists while background work
// is in flight.
func (s ChatStatus) IsTransient() bool {
	switch s {
	case StatusInProgress, StatusThinking, StatusGettingHelp, StatusGrading:
		return true
	}
	return false
}

func (s ChatStatus) Valid() bool {
	switch s {
	case StatusReady, StatusInProgress, StatusThinking, StatusGettingHelp,
		StatusReadyForGrading, StatusGrading, StatusComplete:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleScenario marks an action the learner performed; it is shown in the
	// UI and rewritten before reaching the gateway.
	RoleScenario Role = "scenario"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleScenario:
		return true
	}
	return false
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type HelpStatus string

const (
	HelpProcessing HelpStatus = "processing"
	HelpCompleted  HelpStatus = "completed"
	HelpError      HelpStatus = "error"
)

type HelpEntry struct {
	Turn      int        `json:"turn"`
	Timestamp time.Time  `json:"timestamp"`
	HelpText  string     `json:"help_text"`
	Status    HelpStatus `json:"status"`
}

// Chat is a single tutoring session. Messages, help responses and grading
// data are stored as JSON columns on the chat row.
type Chat struct {
	ID               uint              `json:"id" gorm:"primaryKey"`
	UserID           uint              `json:"user_id" gorm:"not null;index"`
	Title            string            `json:"title" gorm:"not null"`
	AvatarID         string            `json:"avatar_id"`
	Status           ChatStatus        `json:"status" gorm:"type:varchar(20);not null;default:ready"`
	CourseData       datatypes.JSONMap `json:"course_data"`
	Messages         []Message         `json:"messages" gorm:"serializer:json;type:jsonb"`
	HelpResponses    []HelpEntry       `json:"help_responses" gorm:"serializer:json;type:jsonb"`
	GradingData      *GradingData      `json:"grading_data" gorm:"serializer:json;type:jsonb"`
	Score            *float64          `json:"score"`
	InteractionCount int               `json:"interaction_count" gorm:"default:0"`
	Completed        bool              `json:"completed" gorm:"default:false;index"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"index"`
	DeletedAt        gorm.DeletedAt    `json:"-" gorm:"index"`
}

// UserTurns counts user-authored messages.
func (c *Chat) UserTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// RecountInteractions re-derives InteractionCount from the message list.
func (c *Chat) RecountInteractions() {
	c.InteractionCount = c.UserTurns()
}

// MaxTurns returns course_data.max_turns when it is set to a number.
func (c *Chat) MaxTurns() (int, bool) {
	if c.CourseData == nil {
		return 0, false
	}
	switch v := c.CourseData["max_turns"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// IsFinished reports whether the chat no longer accepts messages or help.
func (c *Chat) IsFinished() bool {
	return c.Completed || c.Status == StatusComplete
}

// HelpForTurn returns the help entries recorded for turn, oldest first.
func (c *Chat) HelpForTurn(turn int) []HelpEntry {
	var out []HelpEntry
	for _, h := range c.HelpResponses {
		if h.Turn == turn {
			out = append(out, h)
		}
	}
	return out
}

// ReplaceHelp drops the processing placeholder for entry.Turn and appends
// entry in its place.
func (c *Chat) ReplaceHelp(entry HelpEntry) {
	kept := make([]HelpEntry, 0, len(c.HelpResponses)+1)
	for _, h := range c.HelpResponses {
		if h.Turn == entry.Turn && h.Status == HelpProcessing {
			continue
		}
		kept = append(kept, h)
	}
	c.HelpResponses = append(kept, entry)
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	cp.HelpResponses = append([]HelpEntry(nil), c.HelpResponses...)
	if c.CourseData != nil {
		cp.CourseData = cloneMap(c.CourseData)
	}
	if c.GradingData != nil {
		cp.GradingData = c.GradingData.Clone()
	}
	if c.Score != nil {
		s := *c.Score
		cp.Score = &s
	}
	return &cp
}

type CreateChatRequest struct {
	Title      string         `json:"title" binding:"required,min=1,max=200"`
	AvatarID   string         `json:"avatar_id" binding:"max=50"`
	CourseData map[string]any `json:"course_data"`
	// Messages seeds the conversation, typically with the scenario's
	// system prompt.
	Messages []Message `json:"messages"`
}

type SendMessageRequest struct {
	Message  string `json:"message"`
	IsAction bool   `json:"is_action"`
}

type ChatSummary struct {
	ID               uint       `json:"id"`
	Title            string     `json:"title"`
	AvatarID         string     `json:"avatar_id"`
	Status           ChatStatus `json:"status"`
	Score            *float64   `json:"score"`
	InteractionCount int        `json:"interaction_count"`
	Completed        bool       `json:"completed"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (c *Chat) Summary() ChatSummary {
	return ChatSummary{
		ID:               c.ID,
		Title:            c.Title,
		AvatarID:         c.AvatarID,
		Status:           c.Status,
		Score:            c.Score,
		InteractionCount: c.InteractionCount,
		Completed:        c.Completed,
		UpdatedAt:        c.UpdatedAt,
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
