package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"margins/internal/anchor"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const threadColumns = `
	t.id, t.doc_id, t.status, t.status_at, COALESCE(t.status_by_id, ''), COALESCE(t.status_by_name, ''),
	t.comment_count, t.last_comment_at, t.selection_anchor, t.selection_head,
	COALESCE(t.initial_comment_id, ''), t.created_at
`

const commentColumns = `c.id, c.thread_id, c.author_id, c.author_name, c.message, c.created_at, c.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, string, error) {
	var (
		item         Thread
		byID, byName string
		initialID    string
		selAnchor    []byte
		selHead      []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.Doc,
		&item.Status.Type,
		&item.Status.At,
		&byID,
		&byName,
		&item.CommentCount,
		&item.LastCommentTime,
		&selAnchor,
		&selHead,
		&initialID,
		&item.CreatedAt,
	); err != nil {
		return Thread{}, "", err
	}
	if byID != "" {
		item.Status.By = &Member{ID: byID, Name: byName}
	}
	if selAnchor != nil && selHead != nil {
		item.Selection = &anchor.Range{Anchor: selAnchor, Head: selHead}
	}
	item.Contributors = make([]Member, 0)
	return item, initialID, nil
}

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	if err := row.Scan(
		&item.ID,
		&item.Thread,
		&item.Author.ID,
		&item.Author.Name,
		&item.Message,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	item.Reactions = make([]Reaction, 0)
	return item, nil
}

// ListThreads returns the threads of a document, oldest first, with their
// initial comments and contributors attached.
func (s *PostgresStore) ListThreads(ctx context.Context, docID string) ([]Thread, error) {
	return s.queryThreads(ctx, "t.doc_id=$1", docID)
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	items, err := s.queryThreads(ctx, "t.id=$1", threadID)
	if err != nil {
		return Thread{}, err
	}
	if len(items) == 0 {
		return Thread{}, sql.ErrNoRows
	}
	return items[0], nil
}

// queryThreads loads threads matching filter. filter is one of a fixed set
// of predicates over the threads alias t and takes a single argument.
func (s *PostgresStore) queryThreads(ctx context.Context, filter string, arg string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads t
		WHERE `+filter+`
		ORDER BY t.created_at ASC, t.id ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	initialIDs := make(map[string]int)
	for rows.Next() {
		item, initialID, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if initialID != "" {
			initialIDs[initialID] = len(items)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	index := make(map[string]int, len(items))
	for i, item := range items {
		index[item.ID] = i
	}

	contributors, err := s.db.QueryContext(ctx, `
		SELECT tc.thread_id, tc.member_id, tc.member_name
		FROM thread_contributors tc
		JOIN threads t ON t.id = tc.thread_id
		WHERE `+filter+`
		ORDER BY tc.first_seen_at ASC, tc.member_id ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list contributors: %w", err)
	}
	defer contributors.Close()
	for contributors.Next() {
		var threadID string
		var member Member
		if err := contributors.Scan(&threadID, &member.ID, &member.Name); err != nil {
			return nil, fmt.Errorf("scan contributor: %w", err)
		}
		if i, ok := index[threadID]; ok {
			items[i].Contributors = append(items[i].Contributors, member)
		}
	}
	if err := contributors.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributors: %w", err)
	}

	if len(initialIDs) == 0 {
		return items, nil
	}
	initial, err := s.queryComments(ctx, `
		JOIN threads t ON t.initial_comment_id = c.id
		WHERE `+filter, arg)
	if err != nil {
		return nil, err
	}
	for i := range initial {
		if at, ok := initialIDs[initial[i].ID]; ok {
			items[at].InitialComment = &initial[i]
		}
	}
	return items, nil
}

// InsertThread stores a thread together with its initial comment.
func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	status := thread.Status.Type
	if status == "" {
		status = StatusOpen
	}
	var selAnchor, selHead []byte
	if thread.Selection != nil {
		selAnchor, selHead = thread.Selection.Anchor, thread.Selection.Head
	}
	initialID := ""
	if thread.InitialComment != nil {
		initialID = thread.InitialComment.ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert thread tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, doc_id, status, status_at, comment_count, last_comment_at, selection_anchor, selection_head, initial_comment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $4)
	`, thread.ID, thread.Doc, string(status), thread.CreatedAt, thread.CommentCount, thread.LastCommentTime, selAnchor, selHead, initialID); err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}

	if c := thread.InitialComment; c != nil {
		if err := insertCommentRow(ctx, tx, *c); err != nil {
			return err
		}
		if err := addContributor(ctx, tx, thread.ID, c.Author, c.CreatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetThreadStatus(ctx context.Context, threadID string, status ThreadStatus) (bool, error) {
	var byID, byName string
	if status.By != nil {
		byID, byName = status.By.ID, status.By.Name
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET status=$2, status_at=$3, status_by_id=NULLIF($4, ''), status_by_name=NULLIF($5, '')
		WHERE id=$1
	`, threadID, string(status.Type), status.At, byID, byName)
	if err != nil {
		return false, fmt.Errorf("set thread status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set thread status rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteThread removes a thread. Comments and reactions go with it.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete thread rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, threadID string) ([]Comment, error) {
	return s.queryComments(ctx, `WHERE c.thread_id=$1`, threadID)
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	items, err := s.queryComments(ctx, `WHERE c.id=$1`, commentID)
	if err != nil {
		return Comment{}, err
	}
	if len(items) == 0 {
		return Comment{}, sql.ErrNoRows
	}
	return items[0], nil
}

// queryComments loads comments, oldest first, with reactions attached.
// clause is a fixed JOIN/WHERE tail over the comments alias c.
func (s *PostgresStore) queryComments(ctx context.Context, clause string, arg string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		`+clause+`
		ORDER BY c.created_at ASC, c.id ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	index := make(map[string]int, len(items))
	for i, item := range items {
		index[item.ID] = i
	}
	reactions, err := s.db.QueryContext(ctx, `
		SELECT r.comment_id, r.id, r.emoji, r.member_id, r.member_name, r.created_at
		FROM reactions r
		JOIN comments c ON c.id = r.comment_id
		`+clause+`
		ORDER BY r.created_at ASC, r.id ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer reactions.Close()
	for reactions.Next() {
		var commentID string
		var r Reaction
		if err := reactions.Scan(&commentID, &r.ID, &r.Emoji, &r.Member.ID, &r.Member.Name, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		if i, ok := index[commentID]; ok {
			items[i].Reactions = append(items[i].Reactions, r)
		}
	}
	if err := reactions.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

// InsertComment appends a reply and bumps the thread's count, last comment
// time and contributors in the same transaction.
func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertCommentRow(ctx, tx, comment); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET comment_count = comment_count + 1,
			last_comment_at = GREATEST(last_comment_at, $2)
		WHERE id=$1
	`, comment.Thread, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("bump thread: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("bump thread rows: %w", err)
	} else if affected == 0 {
		return sql.ErrNoRows
	}
	if err := addContributor(ctx, tx, comment.Thread, comment.Author, comment.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert comment: %w", err)
	}
	return nil
}

func insertCommentRow(ctx context.Context, tx *sql.Tx, comment Comment) error {
	updatedAt := comment.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = comment.CreatedAt
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (id, thread_id, author_id, author_name, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, comment.ID, comment.Thread, comment.Author.ID, comment.Author.Name, comment.Message, comment.CreatedAt, updatedAt); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func addContributor(ctx context.Context, tx *sql.Tx, threadID string, member Member, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_contributors (thread_id, member_id, member_name, first_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id, member_id) DO NOTHING
	`, threadID, member.ID, member.Name, at); err != nil {
		return fmt.Errorf("add contributor: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCommentMessage(ctx context.Context, commentID, message string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET message=$2, updated_at=$3 WHERE id=$1
	`, commentID, message, at)
	if err != nil {
		return false, fmt.Errorf("update comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteComment removes a comment and returns the thread it belonged to.
// Deleting the initial comment detaches it from the thread.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin delete comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var threadID string
	err = tx.QueryRowContext(ctx, `DELETE FROM comments WHERE id=$1 RETURNING thread_id`, commentID).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("delete comment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET comment_count = GREATEST(comment_count - 1, 0),
			initial_comment_id = NULLIF(initial_comment_id, $2)
		WHERE id=$1
	`, threadID, commentID); err != nil {
		return "", fmt.Errorf("drop thread count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit delete comment: %w", err)
	}
	return threadID, nil
}

func (s *PostgresStore) AddReaction(ctx context.Context, commentID string, reaction Reaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (id, comment_id, emoji, member_id, member_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, reaction.ID, commentID, reaction.Emoji, reaction.Member.ID, reaction.Member.Name, reaction.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, commentID, reactionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE comment_id=$1 AND id=$2
	`, commentID, reactionID)
	if err != nil {
		return false, fmt.Errorf("delete reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete reaction rows: %w", err)
	}
	return affected > 0, nil
}

// SearchComments is the fallback search used when no search engine is
// configured.
func (s *PostgresStore) SearchComments(ctx context.Context, docID, query string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		JOIN threads t ON t.id = c.thread_id
		WHERE t.doc_id=$1 AND c.message ILIKE '%' || $2 || '%'
		ORDER BY c.created_at DESC
		LIMIT $3
	`, docID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
