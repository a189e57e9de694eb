package comments

import "time"

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Range is the last known span of a thread's annotation.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type Comment struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"threadId"`
	Content   string         `json:"content"`
	UserID    string         `json:"userId"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (c Comment) Deleted() bool { return c.DeletedAt != nil }

type Thread struct {
	ID         string         `json:"id"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Comments   []Comment      `json:"comments"`
	Anchor     *Range         `json:"anchor,omitempty"`
}

func (t Thread) Resolved() bool { return t.ResolvedAt != nil }

// ActiveComments are the comments that have not been soft deleted.
func (t Thread) ActiveComments() []Comment {
	out := []Comment{}
	for _, c := range t.Comments {
		if !c.Deleted() {
			out = append(out, c)
		}
	}
	return out
}

// Provider is the contract every comment store satisfies.
type Provider interface {
	Threads() []Thread
	Thread(id string) (Thread, bool)
	CreateThread(id string, data map[string]any) (Thread, error)
	DeleteThread(id string) error
	ResolveThread(id, userID string) error
	UnresolveThread(id string) error
	SetAnchor(id string, r Range) error

	Comments(threadID string) []Comment
	CreateComment(threadID, content, userID string, data map[string]any) (Comment, error)
	UpdateComment(threadID, commentID, content string, data map[string]any) (Comment, error)
	DeleteComment(threadID, commentID string) error

	OnUpdate(fn func([]Thread)) (unsubscribe func())
}

// CountComments totals the comments across threads, including soft deleted ones.
func CountComments(threads []Thread) int {
	total := 0
	for _, t := range threads {
		total += len(t.Comments)
	}
	return total
}

func cloneThread(t *Thread) Thread {
	out := *t
	out.Data = cloneData(t.Data)
	out.Comments = make([]Comment, len(t.Comments))
	for i, c := range t.Comments {
		out.Comments[i] = cloneComment(c)
	}
	if t.Anchor != nil {
		anchor := *t.Anchor
		out.Anchor = &anchor
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

func cloneComment(c Comment) Comment {
	c.Data = cloneData(c.Data)
	if c.UpdatedAt != nil {
		at := *c.UpdatedAt
		c.UpdatedAt = &at
	}
	if c.DeletedAt != nil {
		at := *c.DeletedAt
		c.DeletedAt = &at
	}
	return c
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
