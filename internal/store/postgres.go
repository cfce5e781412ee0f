package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"threadbox/internal/util"
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser finds a user by email or creates one. Identity issuance proper
// lives outside this service; this keeps a local author record per contact.
func (s *PostgresStore) EnsureUser(ctx context.Context, username, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, created_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user = User{ID: util.NewID("usr"), Username: username, Email: email}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET username=EXCLUDED.username
		RETURNING id, username, email, created_at
	`, user.ID, user.Username, user.Email).Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateComment persists the comment row and its attachment rows in one
// transaction, so no partial comment is ever visible to readers.
func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment, attachments []Attachment) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin create comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO comments (id, user_id, text, reply_to)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, comment.ID, comment.UserID, comment.Text, comment.ReplyTo).Scan(&comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	for _, attachment := range attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_attachments (id, comment_id, file_url, media_kind)
			VALUES ($1, $2, $3, $4)
		`, attachment.ID, comment.ID, attachment.FileURL, attachment.MediaKind); err != nil {
			return Comment{}, fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit create comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, text, reply_to, created_at, updated_at
		FROM comments
		WHERE id=$1
	`, commentID).Scan(&item.ID, &item.UserID, &item.Text, &item.ReplyTo, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// rootOrderings whitelists the ordering tokens the listing accepts and
// maps them to columns; anything else falls back to newest-first.
var rootOrderings = map[string]string{
	"created_at":  "c.created_at ASC",
	"-created_at": "c.created_at DESC",
	"username":    "u.username ASC",
	"-username":   "u.username DESC",
	"email":       "u.email ASC",
	"-email":      "u.email DESC",
}

func (s *PostgresStore) ListRootComments(ctx context.Context, limit, offset int, ordering string) ([]Comment, error) {
	orderBy, ok := rootOrderings[ordering]
	if !ok {
		orderBy = "c.created_at DESC"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.user_id, c.text, c.reply_to, c.created_at, c.updated_at
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.reply_to IS NULL
		ORDER BY %s
		LIMIT $1 OFFSET $2
	`, orderBy), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list root comments: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

func (s *PostgresStore) ListRootPreviews(ctx context.Context) ([]CommentPreview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, created_at
		FROM comments
		WHERE reply_to IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list root previews: %w", err)
	}
	defer rows.Close()

	items := make([]CommentPreview, 0)
	for rows.Next() {
		var item CommentPreview
		if err := rows.Scan(&item.ID, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan preview: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate previews: %w", err)
	}
	return items, nil
}

// ListThread returns the comment and all of its descendants, oldest first.
func (s *PostgresStore) ListThread(ctx context.Context, commentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE thread AS (
			SELECT id, user_id, text, reply_to, created_at, updated_at
			FROM comments WHERE id=$1
			UNION ALL
			SELECT c.id, c.user_id, c.text, c.reply_to, c.created_at, c.updated_at
			FROM comments c
			JOIN thread t ON c.reply_to = t.id
		)
		SELECT id, user_id, text, reply_to, created_at, updated_at
		FROM thread
		ORDER BY created_at ASC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

// ListThreadAttachments returns attachments for the comment and all of its
// descendants.
func (s *PostgresStore) ListThreadAttachments(ctx context.Context, commentID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE thread AS (
			SELECT id FROM comments WHERE id=$1
			UNION ALL
			SELECT c.id FROM comments c JOIN thread t ON c.reply_to = t.id
		)
		SELECT a.id, a.comment_id, a.file_url, a.media_kind
		FROM comment_attachments a
		JOIN thread t ON a.comment_id = t.id
		ORDER BY a.id ASC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list thread attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.CommentID, &item.FileURL, &item.MediaKind); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateCommentText(ctx context.Context, commentID, text string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments SET text=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, user_id, text, reply_to, created_at, updated_at
	`, commentID, text).Scan(&item.ID, &item.UserID, &item.Text, &item.ReplyTo, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// DeleteComment removes a comment; attachments cascade and direct replies
// are re-rooted (reply_to set NULL) by the schema.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment result: %w", err)
	}
	return affected > 0, nil
}

func scanComments(rows *sql.Rows) ([]Comment, error) {
	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.UserID, &item.Text, &item.ReplyTo, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}
