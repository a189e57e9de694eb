package comments

import "fmt"

type ThreadNotFoundError struct {
	ThreadID string
}

func (e *ThreadNotFoundError) Error() string {
	return fmt.Sprintf("thread %s not found", e.ThreadID)
}

type CommentNotFoundError struct {
	ThreadID  string
	CommentID string
}

func (e *CommentNotFoundError) Error() string {
	return fmt.Sprintf("comment %s not found in thread %s", e.CommentID, e.ThreadID)
}

type ThreadExistsError struct {
	ThreadID string
}

func (e *ThreadExistsError) Error() string {
	return fmt.Sprintf("thread %s already exists", e.ThreadID)
}
