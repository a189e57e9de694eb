package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func threadNotFound(threadID string) *DomainError {
	return domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found", map[string]any{"threadId": threadID})
}

func commentNotFound(threadID, commentID string) *DomainError {
	return domainError(http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment not found", map[string]any{
		"threadId":  threadID,
		"commentId": commentID,
	})
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func commandRejected(command string) *DomainError {
	return domainError(http.StatusConflict, "COMMAND_REJECTED", "Command rejected", map[string]any{"command": command})
}
