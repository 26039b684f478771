// ABOUTME: Workspace document operations: notes, draft sections, tasks, questions
// ABOUTME: Sections use optimistic version checks; notes are append-only with per-session seq

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sessionExists verifies the session row is present before a workspace write.
// Status checks (expired, cancelled) belong to the registry; the store only
// guarantees referential integrity.
func (s *SQLiteStore) sessionExists(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	return nil
}

// AppendNote appends an immutable note to the session's workspace.
// The per-session sequence number is assigned inside a transaction so
// concurrent appends never collide.
func (s *SQLiteStore) AppendNote(ctx context.Context, sessionID, author, content string, tags []string) (*Note, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.sessionExists(ctx, tx, sessionID); err != nil {
		return nil, err
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM notes WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("allocating note seq: %w", err)
	}

	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}

	note := &Note{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       seq,
		Author:    author,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes (id, session_id, seq, author, content, tags_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, note.ID, note.SessionID, note.Seq, note.Author, note.Content,
		string(tagsJSON), note.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing note: %w", err)
	}

	s.logger.Debug("appended note", "session_id", sessionID, "seq", seq, "author", author)
	return note, nil
}

// ListNotes returns a session's notes in seq order, optionally filtered
// by author and/or tag.
func (s *SQLiteStore) ListNotes(ctx context.Context, sessionID string, filter NoteFilter) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, author, content, tags_json, created_at
		FROM notes
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note := &Note{}
		var tagsJSON, createdAt string
		if err := rows.Scan(&note.ID, &note.SessionID, &note.Seq, &note.Author,
			&note.Content, &tagsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &note.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
		if note.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		if filter.Author != "" && note.Author != filter.Author {
			continue
		}
		if filter.Tag != "" && !containsTag(note.Tags, filter.Tag) {
			continue
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating note rows: %w", err)
	}

	return notes, nil
}

func containsTag(tags []string, target string) bool {
	for _, t := range tags {
		if t == target {
			return true
		}
	}
	return false
}

// WriteSection writes a draft section under optimistic concurrency.
// expectedVersion 0 creates the section; any other value must match the
// current version or ErrVersionConflict is returned. Returns the new version.
func (s *SQLiteStore) WriteSection(ctx context.Context, sessionID, sectionID string, expectedVersion int64, content, author string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.sessionExists(ctx, tx, sessionID); err != nil {
		return 0, err
	}

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM sections WHERE session_id = ? AND id = ?`,
		sessionID, sectionID,
	).Scan(&current)

	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch {
	case err == sql.ErrNoRows:
		if expectedVersion != 0 {
			return 0, ErrVersionConflict
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sections (session_id, id, content, version, updated_by, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
		`, sessionID, sectionID, content, author, now)
		if err != nil {
			return 0, fmt.Errorf("inserting section: %w", err)
		}
		current = 1

	case err != nil:
		return 0, fmt.Errorf("querying section version: %w", err)

	default:
		if current != expectedVersion {
			return 0, ErrVersionConflict
		}
		// The version guard in the WHERE clause makes the check-and-bump
		// atomic even if another writer slipped in between SELECT and UPDATE.
		res, err := tx.ExecContext(ctx, `
			UPDATE sections
			SET content = ?, version = version + 1, updated_by = ?, updated_at = ?
			WHERE session_id = ? AND id = ? AND version = ?
		`, content, author, now, sessionID, sectionID, expectedVersion)
		if err != nil {
			return 0, fmt.Errorf("updating section: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return 0, ErrVersionConflict
		}
		current = expectedVersion + 1
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing section write: %w", err)
	}

	s.logger.Debug("wrote section",
		"session_id", sessionID,
		"section_id", sectionID,
		"version", current,
		"author", author,
	)
	return current, nil
}

// ReadSection retrieves a draft section
func (s *SQLiteStore) ReadSection(ctx context.Context, sessionID, sectionID string) (*Section, error) {
	sec := &Section{}
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, id, content, version, updated_by, updated_at
		FROM sections
		WHERE session_id = ? AND id = ?
	`, sessionID, sectionID).Scan(
		&sec.SessionID, &sec.ID, &sec.Content, &sec.Version, &sec.UpdatedBy, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying section: %w", err)
	}

	if sec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sec, nil
}

// ListSections returns all draft sections for a session, ordered by id
func (s *SQLiteStore) ListSections(ctx context.Context, sessionID string) ([]*Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, id, content, version, updated_by, updated_at
		FROM sections
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying sections: %w", err)
	}
	defer rows.Close()

	var sections []*Section
	for rows.Next() {
		sec := &Section{}
		var updatedAt string
		if err := rows.Scan(&sec.SessionID, &sec.ID, &sec.Content, &sec.Version,
			&sec.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning section row: %w", err)
		}
		if sec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating section rows: %w", err)
	}

	return sections, nil
}

// AddTask appends a pending task to the session's task list
func (s *SQLiteStore) AddTask(ctx context.Context, sessionID, description, assignedTo string) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Description: description,
		Status:      TaskPending,
		AssignedTo:  assignedTo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, description, status, assigned_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.SessionID, task.Description, string(task.Status), task.AssignedTo,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	return task, nil
}

// GetTask retrieves a single task scoped to a session
func (s *SQLiteStore) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	task := &Task{}
	var status, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, description, status, assigned_to, created_at, updated_at
		FROM tasks
		WHERE session_id = ? AND id = ?
	`, sessionID, taskID).Scan(
		&task.ID, &task.SessionID, &task.Description, &status, &task.AssignedTo,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	task.Status = TaskStatus(status)
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus moves a task through the forward-only state machine.
// Illegal transitions return ErrIllegalTransition and change nothing.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, sessionID, taskID string, to TaskStatus) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var fromStr string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM tasks WHERE session_id = ? AND id = ?`,
		sessionID, taskID,
	).Scan(&fromStr)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task status: %w", err)
	}

	from := TaskStatus(fromStr)
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?
	`, string(to), time.Now().UTC().Format(time.RFC3339Nano), sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing task update: %w", err)
	}

	s.logger.Debug("task transition", "session_id", sessionID, "task_id", taskID, "from", from, "to", to)
	return s.GetTask(ctx, sessionID, taskID)
}

// ListTasks returns a session's tasks in creation order.
// An empty status matches all statuses.
func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string, status TaskStatus) ([]*Task, error) {
	query := `
		SELECT id, session_id, description, status, assigned_to, created_at, updated_at
		FROM tasks
		WHERE session_id = ?
	`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task := &Task{}
		var st, createdAt, updatedAt string
		if err := rows.Scan(&task.ID, &task.SessionID, &task.Description, &st,
			&task.AssignedTo, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		task.Status = TaskStatus(st)
		if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if task.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}

	return tasks, nil
}

// AddQuestion records a pending question. ID, CreatedAt default if unset.
func (s *SQLiteStore) AddQuestion(ctx context.Context, q *Question) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if q.Priority == "" {
		q.Priority = "normal"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (id, session_id, text, context, priority, blocking, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.SessionID, q.Text, q.Context, q.Priority, boolToInt(q.Blocking),
		q.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting question: %w", err)
	}

	return nil
}

// GetQuestion retrieves a single question scoped to a session
func (s *SQLiteStore) GetQuestion(ctx context.Context, sessionID, questionID string) (*Question, error) {
	return s.scanQuestion(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, text, context, priority, blocking, answer, answered_by, created_at, answered_at
		FROM questions
		WHERE session_id = ? AND id = ?
	`, sessionID, questionID))
}

// AnswerQuestion records an answer. If the question was already answered the
// stored answer is returned untouched and the second return value is true —
// re-submission never overwrites or re-triggers anything.
func (s *SQLiteStore) AnswerQuestion(ctx context.Context, sessionID, questionID, answer, answeredBy string) (*Question, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	// answered_at IS NULL makes first-answer-wins atomic
	res, err := s.db.ExecContext(ctx, `
		UPDATE questions
		SET answer = ?, answered_by = ?, answered_at = ?
		WHERE session_id = ? AND id = ? AND answered_at IS NULL
	`, answer, answeredBy, now, sessionID, questionID)
	if err != nil {
		return nil, false, fmt.Errorf("answering question: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("checking rows affected: %w", err)
	}

	q, err := s.GetQuestion(ctx, sessionID, questionID)
	if err != nil {
		return nil, false, err
	}

	alreadyAnswered := n == 0
	return q, alreadyAnswered, nil
}

// ListOpenQuestions returns unanswered questions in creation order
func (s *SQLiteStore) ListOpenQuestions(ctx context.Context, sessionID string, blockingOnly bool) ([]*Question, error) {
	query := `
		SELECT id, session_id, text, context, priority, blocking, answer, answered_by, created_at, answered_at
		FROM questions
		WHERE session_id = ? AND answered_at IS NULL
	`
	args := []any{sessionID}
	if blockingOnly {
		query += ` AND blocking = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying questions: %w", err)
	}
	defer rows.Close()

	var questions []*Question
	for rows.Next() {
		q, err := s.scanQuestionRow(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating question rows: %w", err)
	}

	return questions, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanQuestion(row *sql.Row) (*Question, error) {
	q, err := scanQuestionFields(row)
	if err == sql.ErrNoRows {
		return nil, ErrQuestionNotFound
	}
	return q, err
}

func (s *SQLiteStore) scanQuestionRow(rows *sql.Rows) (*Question, error) {
	return scanQuestionFields(rows)
}

func scanQuestionFields(row rowScanner) (*Question, error) {
	q := &Question{}
	var blocking int
	var createdAt string
	var answeredAt sql.NullString

	err := row.Scan(&q.ID, &q.SessionID, &q.Text, &q.Context, &q.Priority,
		&blocking, &q.Answer, &q.AnsweredBy, &createdAt, &answeredAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning question: %w", err)
	}

	q.Blocking = blocking != 0
	if q.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if answeredAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, answeredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing answered_at: %w", err)
		}
		q.AnsweredAt = &t
	}
	return q, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
