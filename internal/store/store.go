// ABOUTME: Store interface and data types for symposium persistence
// ABOUTME: Defines session and workspace structs plus sentinel errors for conflict cases

package store

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	// ErrSessionNotFound is returned when a requested session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when a section write supplies a stale version.
	// Recoverable: the caller should re-read and retry.
	ErrVersionConflict = errors.New("section version conflict")

	// ErrIllegalTransition is returned when a task status change moves backward
	ErrIllegalTransition = errors.New("illegal task transition")

	// ErrSectionNotFound is returned when a requested draft section does not exist
	ErrSectionNotFound = errors.New("section not found")

	// ErrTaskNotFound is returned when a requested task does not exist
	ErrTaskNotFound = errors.New("task not found")

	// ErrQuestionNotFound is returned when a requested question does not exist
	ErrQuestionNotFound = errors.New("question not found")
)

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionCreated       SessionStatus = "created"
	SessionActive        SessionStatus = "active"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionCompleted     SessionStatus = "completed"
	SessionFailed        SessionStatus = "failed"
	SessionExpired       SessionStatus = "expired"
)

// Terminal reports whether a session status is final and immutable
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// Session is one isolated research run with its own workspace and event stream
type Session struct {
	ID        string
	Status    SessionStatus
	Reason    string // human-readable failure reason, empty otherwise
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Note is an immutable, append-only workspace entry.
// Seq increases monotonically within a session.
type Note struct {
	ID        string
	SessionID string
	Seq       int64
	Author    string
	Content   string
	Tags      []string
	CreatedAt time.Time
}

// NoteFilter narrows ListNotes results. Zero values match everything.
type NoteFilter struct {
	Author string
	Tag    string
}

// Section is a version-stamped draft section of the shared workspace
type Section struct {
	SessionID string
	ID        string
	Content   string
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
}

// TaskStatus values form a forward-only state machine
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// taskTransitions enumerates the legal forward moves.
// Completed, failed and skipped are terminal.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskInProgress: true,
		TaskCompleted:  true,
		TaskFailed:     true,
		TaskSkipped:    true,
	},
	TaskInProgress: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskSkipped:   true,
	},
}

// CanTransition reports whether a task may move from one status to another
func CanTransition(from, to TaskStatus) bool {
	return taskTransitions[from][to]
}

// Task is a unit of work on the session's task list
type Task struct {
	ID          string
	SessionID   string
	Description string
	Status      TaskStatus
	AssignedTo  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Question is a pending (or answered) question raised by an agent.
// Blocking questions suspend the session's turn loop until answered.
type Question struct {
	ID         string
	SessionID  string
	Text       string
	Context    string
	Priority   string
	Blocking   bool
	Answer     string
	AnsweredBy string
	CreatedAt  time.Time
	AnsweredAt *time.Time
}

// Answered reports whether the question has already been answered
func (q *Question) Answered() bool {
	return q.AnsweredAt != nil
}

// Store defines the interface for session and workspace persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, reason string) error
	ExpireSessions(ctx context.Context, now time.Time) ([]string, error)
	DeleteSession(ctx context.Context, id string) error

	// Notes (append-only)
	AppendNote(ctx context.Context, sessionID, author, content string, tags []string) (*Note, error)
	ListNotes(ctx context.Context, sessionID string, filter NoteFilter) ([]*Note, error)

	// Draft sections (optimistic concurrency)
	WriteSection(ctx context.Context, sessionID, sectionID string, expectedVersion int64, content, author string) (int64, error)
	ReadSection(ctx context.Context, sessionID, sectionID string) (*Section, error)
	ListSections(ctx context.Context, sessionID string) ([]*Section, error)

	// Tasks (forward-only transitions)
	AddTask(ctx context.Context, sessionID, description, assignedTo string) (*Task, error)
	GetTask(ctx context.Context, sessionID, taskID string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, sessionID, taskID string, to TaskStatus) (*Task, error)
	ListTasks(ctx context.Context, sessionID string, status TaskStatus) ([]*Task, error)

	// Questions
	AddQuestion(ctx context.Context, q *Question) error
	GetQuestion(ctx context.Context, sessionID, questionID string) (*Question, error)
	AnswerQuestion(ctx context.Context, sessionID, questionID, answer, answeredBy string) (*Question, bool, error)
	ListOpenQuestions(ctx context.Context, sessionID string, blockingOnly bool) ([]*Question, error)

	// Close releases any resources held by the store
	Close() error
}
