package usecase

import (
	"fmt"

	"chat-orchestrator/internal/classify"
)

const (
	messageEmptyHistory   = "Messages array is required"
	messageInvalidMessage = "Each message requires a role (user, assistant or system) and content"
	messageNoContent      = "No content returned from the AI model"
)

// TurnError is the only error SendChatTurn returns.
type TurnError struct {
	Category         classify.Category
	Message          string
	RetriesExhausted bool
	Attempts         int
	Err              error
}

func (e *TurnError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Category, e.Message)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Category, e.Message, e.Err)
}

func (e *TurnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func invalidError(message string, err error) *TurnError {
	return &TurnError{Category: classify.CategoryInvalid, Message: message, Err: err}
}
