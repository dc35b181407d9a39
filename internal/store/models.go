package store

import (
	"strings"
	"time"

	"go.trai.ch/zerr"

	"margins/internal/anchor"
)

type StatusType string

const (
	StatusOpen     StatusType = "open"
	StatusClosed   StatusType = "closed"
	StatusOutdated StatusType = "outdated"
)

// Valid reports whether s is a known status.
func (s StatusType) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusOutdated:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidThread  = zerr.New("invalid thread payload")
	ErrInvalidComment = zerr.New("invalid comment payload")
)

type Member struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ThreadStatus struct {
	Type StatusType `json:"type"`
	At   time.Time  `json:"at"`
	By   *Member    `json:"by,omitempty"`
}

type Thread struct {
	ID              string        `json:"id"`
	Doc             string        `json:"doc"`
	Status          ThreadStatus  `json:"status"`
	InitialComment  *Comment      `json:"initialComment,omitempty"`
	CommentCount    int           `json:"commentCount"`
	LastCommentTime time.Time     `json:"lastCommentTime"`
	Contributors    []Member      `json:"contributors"`
	Selection       *anchor.Range `json:"selection,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Validate checks a thread received from the wire before it enters a cache.
func (t Thread) Validate() error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Doc) == "" {
		return zerr.Wrap(ErrInvalidThread, "missing id or doc")
	}
	if !t.Status.Type.Valid() {
		return zerr.With(zerr.Wrap(ErrInvalidThread, "unknown status"), "status", string(t.Status.Type))
	}
	minCount := 0
	if t.InitialComment != nil {
		minCount = 1
	}
	if t.CommentCount < minCount {
		return zerr.With(zerr.Wrap(ErrInvalidThread, "comment count below initial comment"), "thread", t.ID)
	}
	return nil
}

// HasContributor reports whether memberID has commented on the thread.
func (t Thread) HasContributor(memberID string) bool {
	for _, m := range t.Contributors {
		if m.ID == memberID {
			return true
		}
	}
	return false
}

type Comment struct {
	ID        string     `json:"id"`
	Thread    string     `json:"thread"`
	Author    Member     `json:"author"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Reactions []Reaction `json:"reactions"`
}

// Validate checks a comment received from the wire.
func (c Comment) Validate() error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Thread) == "" {
		return zerr.Wrap(ErrInvalidComment, "missing id or thread")
	}
	return nil
}

// ReactionBy returns the member's reaction with emoji, if any.
func (c Comment) ReactionBy(memberID, emoji string) (Reaction, bool) {
	for _, r := range c.Reactions {
		if r.Member.ID == memberID && r.Emoji == emoji {
			return r, true
		}
	}
	return Reaction{}, false
}

type Reaction struct {
	ID        string    `json:"id"`
	Emoji     string    `json:"emoji"`
	Member    Member    `json:"member"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewThread is the body of a create-thread request.
type NewThread struct {
	Doc       string        `json:"doc"`
	Message   string        `json:"message,omitempty"`
	Selection *anchor.Range `json:"selection,omitempty"`
}
