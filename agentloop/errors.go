package agentloop

import (
	"errors"
	"fmt"
)

var (
	// ErrTurnInProgress is returned when RunTurn is called while another
	// turn on the same session has not finished.
	ErrTurnInProgress = errors.New("agentloop: a turn is already in progress")

	// ErrTurnConsumed is returned when a RunTurn sequence is iterated twice.
	ErrTurnConsumed = errors.New("agentloop: turn sequence already consumed")

	ErrSessionClosed = errors.New("agentloop: session is closed")
)

// TurnError reports a transport failure that ended a turn. The transcript
// up to the failing round is kept on the session.
type TurnError struct {
	Round int
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in round %d: %v", e.Round, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ToolErrorKind classifies an expected tool failure.
type ToolErrorKind string

const (
	ToolErrUserInput     ToolErrorKind = "user_input"
	ToolErrNotFound      ToolErrorKind = "not_found"
	ToolErrLimitExceeded ToolErrorKind = "limit_exceeded"
)

// ToolError is an expected tool failure. The registry reports it to the
// model as "Error: <Msg>" so the model can correct itself.
type ToolError struct {
	Kind ToolErrorKind
	Msg  string
}

func (e *ToolError) Error() string { return e.Msg }

func userInputError(format string, args ...any) *ToolError {
	return &ToolError{Kind: ToolErrUserInput, Msg: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) *ToolError {
	return &ToolError{Kind: ToolErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func limitError(format string, args ...any) *ToolError {
	return &ToolError{Kind: ToolErrLimitExceeded, Msg: fmt.Sprintf(format, args...)}
}
