package store

import "time"

type User struct {
	ID        string
	Username  string
	Email     string
	CreatedAt time.Time
}

// Comment is one node of a reply thread. ReplyTo is nil for root comments;
// the reply_to chain is acyclic because a target must already exist when a
// comment is created.
type Comment struct {
	ID        string
	UserID    string
	Text      string
	ReplyTo   *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attachment is owned by exactly one comment and removed with it.
type Attachment struct {
	ID        string
	CommentID string
	FileURL   string
	MediaKind string
}

// CommentPreview is the reduced shape stored in the preview cache.
type CommentPreview struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
