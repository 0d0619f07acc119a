package gateway

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindAuthExpired          Kind = "AuthExpired"
	KindTimeout              Kind = "GatewayTimeout"
	KindGateway              Kind = "GatewayError"
	KindInvalidResponse      Kind = "InvalidResponse"
	KindInvalidGradingFormat Kind = "InvalidGradingFormat"
)

// Error is returned by every Client call that fails. Kind decides how the
// caller reacts; the other fields are diagnostics.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Detail     string
	// Cause names the Go type of the transport error, if there was one.
	Cause   string
	Timeout time.Duration
	Err     error
}

var (
	ErrAuthExpired          = &Error{Kind: KindAuthExpired}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrGateway              = &Error{Kind: KindGateway}
	ErrInvalidResponse      = &Error{Kind: KindInvalidResponse}
	ErrInvalidGradingFormat = &Error{Kind: KindInvalidGradingFormat}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindAuthExpired:
		msg = "gateway authentication expired, log in again"
	case KindTimeout:
		msg = fmt.Sprintf("gateway request timed out after %s", e.Timeout)
	case KindGateway:
		if e.StatusCode > 0 {
			msg = fmt.Sprintf("gateway error: %d: %s", e.StatusCode, e.Detail)
		} else {
			msg = fmt.Sprintf("gateway error: %s", e.Detail)
		}
		if e.Cause != "" {
			msg += " (" + e.Cause + ")"
		}
		return prefixOp(e.Op, msg)
	case KindInvalidResponse:
		msg = "invalid gateway response: " + e.Detail
	case KindInvalidGradingFormat:
		msg = "failed to parse grading response as JSON: " + e.Detail
	default:
		msg = string(e.Kind)
	}
	if e.Detail != "" && (e.Kind == KindAuthExpired || e.Kind == KindTimeout) {
		msg += ": " + e.Detail
	}
	return prefixOp(e.Op, msg)
}

func prefixOp(op, msg string) string {
	if op == "" {
		return msg
	}
	return op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the gateway error kind carried by err, or "" when err did
// not come from the gateway.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}
