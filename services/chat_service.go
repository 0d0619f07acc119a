package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caresim/database"
	"caresim/gateway"
	"caresim/models"
	"caresim/utils"

	"go.uber.org/zap"
)

const commitTimeout = 15 * time.Second

// Gateway is the subset of the LLM gateway client the chat lifecycle needs.
type Gateway interface {
	Converse(ctx context.Context, token string, messages []gateway.Message) (string, error)
	Help(ctx context.Context, token string, messages []gateway.Message) (string, error)
	Grade(ctx context.Context, token string, messages []gateway.Message) (map[string]any, error)
}

// CredentialSource returns the gateway bearer token stored for a user, or ""
// when there is none.
type CredentialSource interface {
	GatewayToken(ctx context.Context, userID uint) (string, error)
}

// ChatNotifier is told about every committed chat mutation.
type ChatNotifier interface {
	ChatUpdated(chat *models.Chat)
}

type SubmitResult struct {
	Accepted bool
	Chat     *models.Chat
}

type HelpResult struct {
	Accepted          bool
	Turn              int
	AlreadyProcessing bool
}

type GradeResult struct {
	Accepted      bool
	AlreadyGraded bool
	InProgress    bool
	Grading       *models.GradingData
}

// errSkipCommit aborts an update without saving.
var errSkipCommit = errors.New("skip commit")

// ChatService runs the chat lifecycle: it validates and starts operations
// for request handlers and commits the results of background tasks.
type ChatService struct {
	store    database.ChatStore
	gw       Gateway
	creds    CredentialSource
	runner   *TaskRunner
	notifier ChatNotifier
	machine  *ChatStateMachine
	locks    *keyedMutex
	log      *zap.Logger
}

func NewChatService(
	store database.ChatStore,
	gw Gateway,
	creds CredentialSource,
	runner *TaskRunner,
	notifier ChatNotifier,
	machine *ChatStateMachine,
	log *zap.Logger,
) *ChatService {
	return &ChatService{
		store:    store,
		gw:       gw,
		creds:    creds,
		runner:   runner,
		notifier: notifier,
		machine:  machine,
		locks:    newKeyedMutex(),
		log:      log.Named("chat"),
	}
}

// Start begins executing background tasks.
func (s *ChatService) Start() error {
	return s.runner.Start(s.handleTask)
}

// Wait blocks until all dispatched background work has been committed.
func (s *ChatService) Wait() {
	s.runner.Wait()
}

func (s *ChatService) Shutdown(ctx context.Context) error {
	return s.runner.Shutdown(ctx)
}

func (s *ChatService) CreateChat(ctx context.Context, userID uint, req *models.CreateChatRequest) (*models.Chat, error) {
	for _, m := range req.Messages {
		if !m.Role.Valid() {
			return nil, precondition(ErrInvalidMessage, fmt.Sprintf("Invalid message role %q", m.Role))
		}
	}

	chat := &models.Chat{
		UserID:        userID,
		Title:         req.Title,
		AvatarID:      req.AvatarID,
		CourseData:    req.CourseData,
		Status:        models.StatusReady,
		Messages:      append([]models.Message{}, req.Messages...),
		HelpResponses: []models.HelpEntry{},
	}
	chat.RecountInteractions()

	if err := s.store.Create(ctx, chat); err != nil {
		return nil, err
	}
	s.log.Info("chat created", zap.Uint("chat_id", chat.ID), zap.Uint("user_id", userID))
	return chat, nil
}

func (s *ChatService) GetChat(ctx context.Context, chatID, userID uint) (*models.Chat, error) {
	chat, err := s.store.Get(ctx, chatID)
	if err != nil {
		return nil, notFound(err)
	}
	if chat.UserID != userID {
		return nil, ErrChatNotFound
	}
	return chat, nil
}

func (s *ChatService) ListChats(ctx context.Context, userID uint, limit, offset int) ([]models.Chat, int64, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

func (s *ChatService) DeleteChat(ctx context.Context, chatID, userID uint) error {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, chatID); err != nil {
		return notFound(err)
	}
	s.log.Info("chat deleted", zap.Uint("chat_id", chatID))
	return nil
}

// SubmitMessage records the learner's message and queues the resident's
// reply.
func (s *ChatService) SubmitMessage(ctx context.Context, chatID, userID uint, text string, isAction bool) (*SubmitResult, error) {
	var task Task
	chat, err := s.update(ctx, chatID, func(chat *models.Chat) error {
		if chat.UserID != userID {
			return ErrChatNotFound
		}
		if err := s.machine.CheckSubmit(chat, text); err != nil {
			return err
		}
		token, err := s.token(ctx, userID)
		if err != nil {
			return err
		}
		idx := s.machine.StartSubmit(chat, text, isAction)
		task = Task{Kind: TaskSendMessage, ChatID: chatID, UserID: userID, Token: token, MessageIndex: idx}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, task); err != nil {
		return nil, err
	}
	return &SubmitResult{Accepted: true, Chat: chat}, nil
}

// RequestHelp places a help placeholder for the current turn and queues the
// helper call. A second request while the first is running reports
// AlreadyProcessing instead of failing.
func (s *ChatService) RequestHelp(ctx context.Context, chatID, userID uint) (*HelpResult, error) {
	var (
		task    Task
		result  HelpResult
		started bool
	)
	_, err := s.update(ctx, chatID, func(chat *models.Chat) error {
		if chat.UserID != userID {
			return ErrChatNotFound
		}
		turn, processing, err := s.machine.CheckHelp(chat)
		if err != nil {
			return err
		}
		result.Turn = turn
		if processing {
			result.Accepted = true
			result.AlreadyProcessing = true
			return errSkipCommit
		}
		token, err := s.token(ctx, userID)
		if err != nil {
			return err
		}
		s.machine.StartHelp(chat, turn)
		task = Task{Kind: TaskGetHelp, ChatID: chatID, UserID: userID, Token: token, Turn: turn}
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !started {
		return &result, nil
	}

	if err := s.dispatch(ctx, task); err != nil {
		return nil, err
	}
	result.Accepted = true
	return &result, nil
}

// Grade queues grading. A chat that already holds a successful grading
// result gets that result back and the gateway is not called again.
func (s *ChatService) Grade(ctx context.Context, chatID, userID uint) (*GradeResult, error) {
	var (
		task    Task
		result  GradeResult
		started bool
	)
	_, err := s.update(ctx, chatID, func(chat *models.Chat) error {
		if chat.UserID != userID {
			return ErrChatNotFound
		}
		decision, err := s.machine.CheckGrade(chat)
		if err != nil {
			return err
		}
		switch decision {
		case GradeCached:
			result.AlreadyGraded = true
			result.Grading = chat.GradingData.Clone()
			return errSkipCommit
		case GradeInProgress:
			result.Accepted = true
			result.InProgress = true
			return errSkipCommit
		}
		token, err := s.token(ctx, userID)
		if err != nil {
			return err
		}
		s.machine.StartGrade(chat)
		task = Task{Kind: TaskGrade, ChatID: chatID, UserID: userID, Token: token}
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !started {
		return &result, nil
	}

	if err := s.dispatch(ctx, task); err != nil {
		return nil, err
	}
	result.Accepted = true
	return &result, nil
}

func (s *ChatService) token(ctx context.Context, userID uint) (string, error) {
	token, err := s.creds.GatewayToken(ctx, userID)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}

// dispatch queues task. If it cannot be queued the chat is moved straight to
// the task's failure state so it is not left in a transient status.
func (s *ChatService) dispatch(ctx context.Context, task Task) error {
	err := s.runner.Dispatch(task)
	if err == nil {
		return nil
	}
	s.log.Error("failed to queue task",
		zap.String("kind", string(task.Kind)),
		zap.Uint("chat_id", task.ChatID),
		zap.Error(err))
	s.recordFailure(ctx, task, fmt.Errorf("could not schedule work: %w", err))
	return err
}

// update is the single read-modify-write path for a chat. fn runs under the
// chat's lock against a freshly loaded copy; returning errSkipCommit leaves
// the stored chat untouched.
func (s *ChatService) update(ctx context.Context, chatID uint, fn func(chat *models.Chat) error) (*models.Chat, error) {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, err := s.store.Get(ctx, chatID)
	if err != nil {
		return nil, notFound(err)
	}
	if err := fn(chat); err != nil {
		if errors.Is(err, errSkipCommit) {
			return chat, nil
		}
		return nil, err
	}

	chat.RecountInteractions()
	if err := s.store.Save(ctx, chat); err != nil {
		return nil, notFound(err)
	}
	if s.notifier != nil {
		s.notifier.ChatUpdated(chat.Clone())
	}
	return chat, nil
}

func notFound(err error) error {
	if errors.Is(err, database.ErrChatNotFound) {
		return ErrChatNotFound
	}
	return err
}

func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

func (s *ChatService) handleTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
			s.recordFailure(ctx, task, err)
		}
	}()

	switch task.Kind {
	case TaskSendMessage:
		return s.processMessage(ctx, task)
	case TaskGetHelp:
		return s.processHelp(ctx, task)
	case TaskGrade:
		return s.processGrade(ctx, task)
	}
	return fmt.Errorf("unknown task kind %q", task.Kind)
}

func (s *ChatService) processMessage(ctx context.Context, task Task) error {
	commitCtx, cancel := commitContext(ctx)
	chat, err := s.update(commitCtx, task.ChatID, func(chat *models.Chat) error {
		if chat.IsFinished() {
			return errSkipCommit
		}
		s.machine.MarkThinking(chat)
		return nil
	})
	cancel()
	if err != nil {
		return s.vanished(task, err)
	}
	if chat.IsFinished() {
		s.log.Warn("chat finished before reply, dropping message task", zap.Uint("chat_id", task.ChatID))
		return nil
	}

	reply, gwErr := s.gw.Converse(ctx, task.Token, s.machine.Transcript(chat, task.MessageIndex))
	if gwErr != nil {
		s.log.Error("resident reply failed", zap.Uint("chat_id", task.ChatID), zap.Error(gwErr))
		s.recordFailure(ctx, task, gwErr)
		return nil
	}

	commitCtx, cancel = commitContext(ctx)
	defer cancel()
	_, err = s.update(commitCtx, task.ChatID, func(chat *models.Chat) error {
		if chat.IsFinished() {
			return errSkipCommit
		}
		s.machine.CompleteReply(chat, reply)
		return nil
	})
	return s.vanished(task, err)
}

func (s *ChatService) processHelp(ctx context.Context, task Task) error {
	// A reply task queued ahead of this one leaves the chat READY.
	commitCtx, cancel := commitContext(ctx)
	chat, err := s.update(commitCtx, task.ChatID, func(chat *models.Chat) error {
		if chat.IsFinished() || chat.Status == models.StatusGettingHelp {
			return errSkipCommit
		}
		s.machine.MarkGettingHelp(chat)
		return nil
	})
	cancel()
	if err != nil {
		return s.vanished(task, err)
	}

	messages := []gateway.Message{
		{Role: string(models.RoleSystem), Content: helpSystemPrompt},
		{Role: string(models.RoleUser), Content: utils.FormatConversation(chat)},
	}
	text, gwErr := s.gw.Help(ctx, task.Token, messages)
	if gwErr != nil {
		s.log.Error("help request failed", zap.Uint("chat_id", task.ChatID), zap.Error(gwErr))
		s.recordFailure(ctx, task, gwErr)
		return nil
	}

	commitCtx, cancel = commitContext(ctx)
	defer cancel()
	_, err = s.update(commitCtx, task.ChatID, func(chat *models.Chat) error {
		if chat.IsFinished() {
			return errSkipCommit
		}
		s.machine.CompleteHelp(chat, task.Turn, text)
		return nil
	})
	return s.vanished(task, err)
}

func (s *ChatService) processGrade(ctx context.Context, task Task) error {
	commitCtx, cancel := commitContext(ctx)
	chat, err := s.update(commitCtx, task.ChatID, func(chat *models.Chat) error {
		if chat.GradingData.Succeeded() || chat.Status == models.StatusGrading {
			return errSkipCommit
		}
		s.machine.StartGrade(chat)
		return nil
	})
	cancel()
	if err != nil {
		return s.vanished(task, err)
	}
	if chat.GradingData.Succeeded() {
		return nil
	}

	messages := []gateway.Message{
		{Role: string(models.RoleSystem), Content: gradingSystemPrompt},
		{Role: string(models.RoleUser), Content: utils.FormatConversation(chat)},
	}
	result, gwErr := s.gw.Grade(ctx, task.Token, messages)
	if gwErr == nil && models.HasFailureMarker(result) {
		// stored as-is this would read back as a failed grading
		gwErr = &gateway.Error{Kind: gateway.KindInvalidGradingFormat, Op: "grade", Detail: "evaluator reported a failure"}
	}
	if gwErr != nil {
		s.log.Error("grading failed", zap.Uint("chat_id", task.ChatID), zap.Error(gwErr))
		s.recordFailure(ctx, task, gwErr)
		return nil
	}

	commitCtx, cancel = commitContext(ctx)
	defer cancel()
	chat, err = s.update(commitCtx, task.ChatID, func(chat *models.Chat) error {
		s.machine.CompleteGrade(chat, result)
		return nil
	})
	if err != nil {
		return s.vanished(task, err)
	}
	s.log.Info("chat graded", zap.Uint("chat_id", task.ChatID), zap.Float64("score", *chat.Score))
	return nil
}

// recordFailure commits the failure state for task. Errors here are logged
// and swallowed.
func (s *ChatService) recordFailure(ctx context.Context, task Task, cause error) {
	commitCtx, cancel := commitContext(ctx)
	defer cancel()

	_, err := s.update(commitCtx, task.ChatID, func(chat *models.Chat) error {
		switch task.Kind {
		case TaskSendMessage:
			if chat.IsFinished() {
				return errSkipCommit
			}
			s.machine.FailReply(chat, cause)
		case TaskGetHelp:
			if chat.IsFinished() {
				return errSkipCommit
			}
			s.machine.FailHelp(chat, task.Turn, cause)
		case TaskGrade:
			if chat.GradingData.Succeeded() {
				return errSkipCommit
			}
			s.machine.FailGrade(chat, cause)
		default:
			return errSkipCommit
		}
		return nil
	})
	if err != nil {
		s.log.Error("failed to save error state",
			zap.String("kind", string(task.Kind)),
			zap.Uint("chat_id", task.ChatID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// vanished turns a missing chat into a logged no-op; the chat was deleted
// while its task was queued.
func (s *ChatService) vanished(task Task, err error) error {
	if errors.Is(err, ErrChatNotFound) {
		s.log.Warn("chat no longer exists, discarding task result",
			zap.String("kind", string(task.Kind)),
			zap.Uint("chat_id", task.ChatID))
		return nil
	}
	return err
}
