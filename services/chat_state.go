package services

import (
	"fmt"
	"strings"
	"time"

	"caresim/config"
	"caresim/gateway"
	"caresim/models"

	"go.uber.org/zap"
)

// GradeDecision is what a grade request should do given the chat's state.
type GradeDecision int

const (
	GradeStart GradeDecision = iota
	GradeCached
	GradeInProgress
)

// ChatStateMachine owns the chat lifecycle rules: which operation may start
// in which state, and how results and failures are written back. It only
// mutates the chat it is handed; loading and saving belong to ChatService.
type ChatStateMachine struct {
	trim config.TrimConfig
	log  *zap.Logger
	now  func() time.Time
}

func NewChatStateMachine(trim config.TrimConfig, log *zap.Logger) *ChatStateMachine {
	return &ChatStateMachine{trim: trim, log: log.Named("state"), now: time.Now}
}

func (m *ChatStateMachine) checkTurnLimit(chat *models.Chat) error {
	maxTurns, ok := chat.MaxTurns()
	if !ok {
		return nil
	}
	if chat.UserTurns() >= maxTurns {
		return precondition(ErrTurnLimitReached, fmt.Sprintf("Maximum turns (%d) reached for this chat", maxTurns))
	}
	return nil
}

func (m *ChatStateMachine) CheckSubmit(chat *models.Chat, text string) error {
	if chat.IsFinished() {
		return precondition(ErrAlreadyCompleted, "Cannot send messages to a completed or graded chat")
	}
	if err := m.checkTurnLimit(chat); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// StartSubmit appends the learner's message and returns its index. An
// action is stored as a scenario message and rewritten on the way out.
func (m *ChatStateMachine) StartSubmit(chat *models.Chat, text string, isAction bool) int {
	role := models.RoleUser
	if isAction {
		role = models.RoleScenario
	}
	chat.Messages = append(chat.Messages, models.Message{Role: role, Content: text})
	chat.Status = models.StatusInProgress
	chat.RecountInteractions()
	return len(chat.Messages) - 1
}

func (m *ChatStateMachine) MarkThinking(chat *models.Chat) {
	chat.Status = models.StatusThinking
}

func (m *ChatStateMachine) CompleteReply(chat *models.Chat, reply string) {
	chat.Messages = append(chat.Messages, models.Message{Role: models.RoleAssistant, Content: reply})
	chat.Status = models.StatusReady
	chat.RecountInteractions()
}

func (m *ChatStateMachine) FailReply(chat *models.Chat, err error) {
	chat.Messages = append(chat.Messages, models.Message{
		Role:    models.RoleSystem,
		Content: "Error processing message: " + err.Error(),
	})
	chat.Status = models.StatusReady
	chat.RecountInteractions()
}

// CheckHelp returns the current turn. alreadyProcessing is set when help for
// that turn is still being produced; the caller then does nothing.
func (m *ChatStateMachine) CheckHelp(chat *models.Chat) (turn int, alreadyProcessing bool, err error) {
	if chat.IsFinished() {
		return 0, false, precondition(ErrAlreadyCompleted, "Cannot request help for a completed or graded chat")
	}
	if err := m.checkTurnLimit(chat); err != nil {
		return 0, false, err
	}
	if len(chat.Messages) == 0 {
		return 0, false, precondition(ErrEmptyConversation, "No conversation to get help for")
	}

	turn = chat.UserTurns()
	existing := chat.HelpForTurn(turn)
	if len(existing) == 0 {
		return turn, false, nil
	}
	if existing[len(existing)-1].Status == models.HelpProcessing {
		return turn, true, nil
	}
	return turn, false, ErrDuplicateHelpRequest
}

func (m *ChatStateMachine) StartHelp(chat *models.Chat, turn int) {
	chat.HelpResponses = append(chat.HelpResponses, models.HelpEntry{
		Turn:      turn,
		Timestamp: m.now().UTC(),
		Status:    models.HelpProcessing,
	})
	chat.Status = models.StatusGettingHelp
	chat.RecountInteractions()
}

func (m *ChatStateMachine) CompleteHelp(chat *models.Chat, turn int, text string) {
	chat.ReplaceHelp(models.HelpEntry{
		Turn:      turn,
		Timestamp: m.now().UTC(),
		HelpText:  text,
		Status:    models.HelpCompleted,
	})
	chat.Status = models.StatusReady
	chat.RecountInteractions()
}

func (m *ChatStateMachine) FailHelp(chat *models.Chat, turn int, err error) {
	chat.ReplaceHelp(models.HelpEntry{
		Turn:      turn,
		Timestamp: m.now().UTC(),
		HelpText:  "Error getting help: " + err.Error(),
		Status:    models.HelpError,
	})
	chat.Status = models.StatusReady
	chat.RecountInteractions()
}

func (m *ChatStateMachine) CheckGrade(chat *models.Chat) (GradeDecision, error) {
	if len(chat.Messages) == 0 {
		return GradeStart, precondition(ErrEmptyConversation, "No conversation to grade")
	}
	if chat.GradingData.Succeeded() {
		return GradeCached, nil
	}
	if chat.Status == models.StatusGrading {
		return GradeInProgress, nil
	}
	return GradeStart, nil
}

// MarkGettingHelp restores GETTING_HELP when the help task starts running.
func (m *ChatStateMachine) MarkGettingHelp(chat *models.Chat) {
	chat.Status = models.StatusGettingHelp
}

func (m *ChatStateMachine) StartGrade(chat *models.Chat) {
	chat.Status = models.StatusGrading
	chat.RecountInteractions()
}

func (m *ChatStateMachine) CompleteGrade(chat *models.Chat, result map[string]any) {
	chat.GradingData = models.GradingSuccess(result)
	score := chat.GradingData.Percentage()
	chat.Score = &score
	chat.Completed = true
	chat.Status = models.StatusComplete
	chat.RecountInteractions()
}

func (m *ChatStateMachine) FailGrade(chat *models.Chat, err error) {
	chat.GradingData = models.GradingFailed(err.Error(), errorType(err))
	chat.Completed = false
	chat.Status = models.StatusReadyForGrading
	chat.RecountInteractions()
}

func errorType(err error) string {
	if kind := gateway.KindOf(err); kind != "" {
		return string(kind)
	}
	return fmt.Sprintf("%T", err)
}

// Transcript builds the resident-model input for the message at index upto:
// actions rewritten, then trimmed to the configured window.
func (m *ChatStateMachine) Transcript(chat *models.Chat, upto int) []gateway.Message {
	msgs := chat.Messages
	if upto >= 0 && upto < len(msgs) {
		msgs = msgs[:upto+1]
	}

	result := TrimTranscript(GatewayTranscript(msgs), m.trim)
	if result.Dropped > 0 {
		m.log.Info("trimmed conversation history",
			zap.Uint("chat_id", chat.ID),
			zap.Int("dropped", result.Dropped),
			zap.Int("sent", len(result.Messages)))
	}
	if result.EstimatedTokens > m.trim.TokenWarnThreshold {
		m.log.Warn("high token estimate",
			zap.Uint("chat_id", chat.ID),
			zap.Int("estimated_tokens", result.EstimatedTokens),
			zap.Bool("tightened", result.Tightened))
	}
	return result.Messages
}

// GatewayTranscript converts stored messages to gateway messages. Scenario
// messages become user messages of the form "[Action: ...]".
func GatewayTranscript(msgs []models.Message) []gateway.Message {
	out := make([]gateway.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == models.RoleScenario {
			out = append(out, gateway.Message{Role: string(models.RoleUser), Content: "[Action: " + msg.Content + "]"})
			continue
		}
		out = append(out, gateway.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

type TrimResult struct {
	Messages []gateway.Message
	// EstimatedTokens is chars/4 of the transcript after the first trim.
	EstimatedTokens int
	Dropped         int
	Tightened       bool
}

// TrimTranscript keeps every system message plus the most recent
// MaxExchanges exchanges. When the estimate still exceeds TokenCeiling only
// FallbackExchanges exchanges are kept.
func TrimTranscript(msgs []gateway.Message, cfg config.TrimConfig) TrimResult {
	var system, rest []gateway.Message
	for _, msg := range msgs {
		if msg.Role == string(models.RoleSystem) {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	kept := lastN(rest, cfg.MaxExchanges*2)
	out := append(append([]gateway.Message{}, system...), kept...)
	res := TrimResult{
		Messages:        out,
		EstimatedTokens: estimateTokens(out),
		Dropped:         len(rest) - len(kept),
	}

	if res.EstimatedTokens > cfg.TokenCeiling {
		kept = lastN(rest, cfg.FallbackExchanges*2)
		res.Messages = append(append([]gateway.Message{}, system...), kept...)
		res.Dropped = len(rest) - len(kept)
		res.Tightened = true
	}
	return res
}

func lastN(msgs []gateway.Message, n int) []gateway.Message {
	if n < 0 {
		n = 0
	}
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func estimateTokens(msgs []gateway.Message) int {
	chars := 0
	for _, msg := range msgs {
		chars += len(msg.Content)
	}
	return chars / 4
}
