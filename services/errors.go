package services

// PreconditionError is returned synchronously when an operation cannot start.
// No chat state has been changed when one is returned.
type PreconditionError struct {
	Code    string
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// Is matches on Code so sentinels match errors carrying a tailored message.
func (e *PreconditionError) Is(target error) bool {
	t, ok := target.(*PreconditionError)
	return ok && t.Code == e.Code
}

const (
	CodeNotFound          = "not_found"
	CodeAlreadyCompleted  = "already_completed"
	CodeTurnLimitReached  = "turn_limit_reached"
	CodeEmptyMessage      = "empty_message"
	CodeEmptyConversation = "empty_conversation"
	CodeDuplicateHelp     = "duplicate_help_request"
	CodeMissingCredential = "missing_credential"
	CodeInvalidMessage    = "invalid_message"
)

var (
	ErrChatNotFound         = &PreconditionError{Code: CodeNotFound, Message: "Chat not found"}
	ErrAlreadyCompleted     = &PreconditionError{Code: CodeAlreadyCompleted, Message: "Chat is already completed"}
	ErrTurnLimitReached     = &PreconditionError{Code: CodeTurnLimitReached, Message: "Maximum turns reached for this chat"}
	ErrEmptyMessage         = &PreconditionError{Code: CodeEmptyMessage, Message: "Message content is required"}
	ErrEmptyConversation    = &PreconditionError{Code: CodeEmptyConversation, Message: "No conversation yet"}
	ErrDuplicateHelpRequest = &PreconditionError{Code: CodeDuplicateHelp, Message: "Help has already been requested for this turn"}
	ErrMissingCredential    = &PreconditionError{Code: CodeMissingCredential, Message: "Gateway token not found. Please log in again."}
	ErrInvalidMessage       = &PreconditionError{Code: CodeInvalidMessage, Message: "Invalid message"}
)

func precondition(base *PreconditionError, message string) *PreconditionError {
	return &PreconditionError{Code: base.Code, Message: message}
}
