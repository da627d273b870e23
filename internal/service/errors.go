package service

import "errors"

// Exam session errors. Handlers map each to a distinct API error code.
var (
	ErrNotAssigned     = errors.New("identity is not assigned to this exam")
	ErrSessionClosed   = errors.New("exam session is not in progress")
	ErrInvalidSession  = errors.New("exam session does not exist")
	ErrInvalidQuestion = errors.New("question does not belong to the session's exam")
	ErrInvalidOption   = errors.New("option is not valid for the question")

	ErrExamUnavailable   = errors.New("exam is outside its availability window")
	ErrAttemptsExhausted = errors.New("no attempts remain for this exam")
	ErrSessionActive     = errors.New("exam session is still in progress")
)
