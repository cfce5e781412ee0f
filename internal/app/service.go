package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"threadbox/internal/attach"
	"threadbox/internal/auth"
	"threadbox/internal/bus"
	"threadbox/internal/cache"
	"threadbox/internal/captcha"
	"threadbox/internal/config"
	"threadbox/internal/email"
	"threadbox/internal/objstore"
	"threadbox/internal/sanitize"
	"threadbox/internal/search"
	"threadbox/internal/store"
	"threadbox/internal/util"
)

const (
	// maximum comment length, measured before sanitization
	maxCommentLength = 1500
	// reply-notification emails carry at most this much of the reply text
	emailSnippetLength = 200

	defaultListLimit = 20
	maxListLimit     = 100
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	UserEmail string
	ExpiresAt time.Time
}

type FileUpload struct {
	Name string
	Data []byte
}

type CreateCommentInput struct {
	Text         string
	ReplyTo      string
	CaptchaToken string
	Files        []FileUpload
}

type AuthorView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type AttachmentView struct {
	ID        string `json:"id"`
	File      string `json:"file"`
	MediaType string `json:"media_type"`
}

// CommentView is the outward representation published to subscribers and
// returned by the read endpoints. Replies nest recursively with the same
// shape.
type CommentView struct {
	ID          string           `json:"id"`
	User        AuthorView       `json:"user"`
	Text        string           `json:"text"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Reply       *string          `json:"reply"`
	Replies     []*CommentView   `json:"replies"`
	Attachments []AttachmentView `json:"attachments"`
}

type dataStore interface {
	EnsureUser(ctx context.Context, username, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateComment(ctx context.Context, comment store.Comment, attachments []store.Attachment) (store.Comment, error)
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListRootComments(ctx context.Context, limit, offset int, ordering string) ([]store.Comment, error)
	ListRootPreviews(ctx context.Context) ([]store.CommentPreview, error)
	ListThread(ctx context.Context, commentID string) ([]store.Comment, error)
	ListThreadAttachments(ctx context.Context, commentID string) ([]store.Attachment, error)
	UpdateCommentText(ctx context.Context, commentID, text string) (store.Comment, error)
	DeleteComment(ctx context.Context, commentID string) (bool, error)
	Ping(ctx context.Context) error
}

type previewCache interface {
	Get(ctx context.Context) ([]store.CommentPreview, bool, error)
	Set(ctx context.Context, entries []store.CommentPreview) error
	Invalidate(ctx context.Context) error
	Ping(ctx context.Context) error
}

type objectStore interface {
	Upload(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}

type captchaVerifier interface {
	Verify(ctx context.Context, token string) error
}

type notificationQueue interface {
	Enqueue(job email.Job) bool
}

type rootSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexComment(rec search.CommentRecord)
	DeleteComment(id string)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	cache   previewCache
	uploads objectStore
	bus     *bus.Bus
	captcha captchaVerifier
	emails  notificationQueue
	search  rootSearcher
}

func New(cfg config.Config, dataStore *store.PostgresStore, previews *cache.PreviewCache, uploads *objstore.Store, notifications *bus.Bus, verifier *captcha.Verifier, emails *email.Queue, searcher *search.Service) *Service {
	s := &Service{
		cfg:     cfg,
		store:   dataStore,
		cache:   previews,
		bus:     notifications,
		captcha: verifier,
		emails:  emails,
	}
	if uploads != nil {
		s.uploads = uploads
	}
	if searcher != nil {
		s.search = searcher
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Login resolves a local author record and issues a bearer token.
// Credential verification is the concern of an upstream identity provider.
func (s *Service) Login(ctx context.Context, name, contact string) (Session, error) {
	name = strings.TrimSpace(name)
	contact = strings.TrimSpace(contact)
	if name == "" || contact == "" {
		return Session{}, validationError("name and email are required")
	}

	user, err := s.store.EnsureUser(ctx, name, contact)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user: %w", err)
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Username,
		Email: user.Email,
		JTI:   util.NewID(""),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		UserEmail: user.Email,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		UserEmail: claims.Email,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// CreateComment runs the full write pipeline: sanitize and validate, upload
// attachments, persist atomically, invalidate the preview cache, then
// notify thread subscribers and enqueue the reply email. Everything after
// the persistence commit is best-effort and never fails the caller.
func (s *Service) CreateComment(ctx context.Context, session Session, in CreateCommentInput) (*CommentView, error) {
	// Validating
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, validationError("text is required")
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return nil, validationError(fmt.Sprintf("text exceeds %d characters", maxCommentLength))
	}

	if err := s.verifyCaptcha(ctx, in.CaptchaToken); err != nil {
		return nil, err
	}

	sanitized := sanitize.Sanitize(text)
	if strings.TrimSpace(sanitized) == "" {
		return nil, validationError("text is empty after removing disallowed markup")
	}

	var replyTo *string
	if strings.TrimSpace(in.ReplyTo) != "" {
		parent, err := s.store.GetComment(ctx, strings.TrimSpace(in.ReplyTo))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("reply target does not exist")
		}
		if err != nil {
			return nil, fmt.Errorf("lookup reply target: %w", err)
		}
		replyTo = &parent.ID
	}

	processed := make([]attach.Processed, 0, len(in.Files))
	for _, file := range in.Files {
		p, err := attach.Process(file.Name, file.Data)
		if err != nil {
			// all-or-nothing: one bad file aborts before anything persists
			return nil, validationError(err.Error())
		}
		processed = append(processed, p)
	}

	// Persisting: attachment bytes go to object storage first, then the
	// comment and attachment rows commit in one transaction. An upload
	// failure aborts with nothing persisted; the reverse order could
	// expose attachment rows with no bytes behind them.
	if len(processed) > 0 && s.uploads == nil {
		return nil, storageError("attachment storage is not configured")
	}
	attachments := make([]store.Attachment, 0, len(processed))
	for _, p := range processed {
		fileURL, err := s.uploads.Upload(ctx, p.Name, p.Data, p.ContentType)
		if err != nil {
			log.Printf("attachment upload failed: %v", err)
			return nil, storageError("failed to upload file")
		}
		attachments = append(attachments, store.Attachment{
			ID:        util.NewID("att"),
			FileURL:   fileURL,
			MediaKind: p.MediaKind,
		})
	}

	created, err := s.store.CreateComment(ctx, store.Comment{
		ID:      util.NewID("cmt"),
		UserID:  session.UserID,
		Text:    sanitized,
		ReplyTo: replyTo,
	}, attachments)
	if err != nil {
		log.Printf("comment create failed: %v", err)
		return nil, storageError("failed to save comment")
	}

	// CacheInvalidated: strictly after the commit, strictly before publish
	s.invalidatePreview(ctx)

	view := newCommentView(created, AuthorView{ID: session.UserID, Username: session.UserName, Email: session.UserEmail}, attachments)

	if created.ReplyTo == nil {
		// root comments feed the listing's search index; nobody is
		// watching their topic yet
		s.indexRoot(created, session)
		return view, nil
	}

	// ThreadResolved → Published → EmailEnqueued; the comment is already
	// durable, so failures here are logged, never surfaced
	s.notifyReply(ctx, created, view)
	return view, nil
}

func (s *Service) verifyCaptcha(ctx context.Context, token string) error {
	err := s.captcha.Verify(ctx, token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, captcha.ErrNotConfigured),
		errors.Is(err, captcha.ErrTokenExpired),
		errors.Is(err, captcha.ErrTokenInvalid):
		return validationError(err.Error())
	default:
		// verification service unreachable or timed out
		return fmt.Errorf("verify captcha: %w", err)
	}
}

// notifyReply resolves the root of the thread, publishes the reply to its
// topic and enqueues the email notification unless the author replied to
// themselves.
func (s *Service) notifyReply(ctx context.Context, comment store.Comment, view *CommentView) {
	root, err := s.rootOf(ctx, comment)
	if err != nil {
		log.Printf("reply notification skipped: %v", err)
		return
	}

	s.bus.Publish(root.ID, bus.Event{Type: "new_reply", Data: view})

	if root.UserID == comment.UserID {
		return
	}
	rootAuthor, err := s.store.GetUserByID(ctx, root.UserID)
	if err != nil {
		log.Printf("reply email skipped, root author lookup failed: %v", err)
		return
	}
	s.emails.Enqueue(email.Job{
		Recipient: rootAuthor.Email,
		Body:      truncate(view.Text, emailSnippetLength),
	})
}

// rootOf walks the reply chain to its origin one lookup at a time. The
// chain is acyclic (a target must exist before a reply to it), so the loop
// terminates in O(depth) regardless of how deep users have nested replies.
func (s *Service) rootOf(ctx context.Context, comment store.Comment) (store.Comment, error) {
	current := comment
	for current.ReplyTo != nil {
		parent, err := s.store.GetComment(ctx, *current.ReplyTo)
		if err != nil {
			return store.Comment{}, fmt.Errorf("resolve root of %s: %w", comment.ID, err)
		}
		current = parent
	}
	return current, nil
}

// GetComment returns the comment with its nested replies and attachments.
func (s *Service) GetComment(ctx context.Context, commentID string) (*CommentView, error) {
	if _, err := s.store.GetComment(ctx, commentID); err != nil {
		return nil, err
	}
	return s.assembleThread(ctx, commentID)
}

type ListCommentsInput struct {
	Limit    int
	Offset   int
	Ordering string // "created_at", "username", "email", "-" prefix flips
	Search   string // matches comment text and author name/email
}

// ListRootComments returns top-level comments, each with its full reply
// tree. Without a search term the store drives ordering (newest first by
// default); with one, the search index picks the roots.
func (s *Service) ListRootComments(ctx context.Context, in ListCommentsInput) ([]*CommentView, error) {
	if _, ok := search.ParseOrdering(in.Ordering); !ok {
		return nil, validationError(fmt.Sprintf("unknown ordering %q", in.Ordering))
	}
	if in.Limit <= 0 {
		in.Limit = defaultListLimit
	}
	if in.Limit > maxListLimit {
		in.Limit = maxListLimit
	}
	if in.Offset < 0 {
		in.Offset = 0
	}

	var rootIDs []string
	if strings.TrimSpace(in.Search) != "" {
		if s.search == nil {
			return nil, storageError("search is not configured")
		}
		resp := s.search.Search(ctx, search.Query{
			Text:     in.Search,
			Ordering: in.Ordering,
			Limit:    in.Limit,
			Offset:   in.Offset,
		})
		for _, result := range resp.Results {
			rootIDs = append(rootIDs, result.ID)
		}
	} else {
		roots, err := s.store.ListRootComments(ctx, in.Limit, in.Offset, in.Ordering)
		if err != nil {
			return nil, err
		}
		for _, root := range roots {
			rootIDs = append(rootIDs, root.ID)
		}
	}

	views := make([]*CommentView, 0, len(rootIDs))
	for _, rootID := range rootIDs {
		view, err := s.assembleThread(ctx, rootID)
		if err != nil {
			// the index can briefly lag the store after a delete
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// PreviewComments serves the cached root-comment snapshot, recomputing it
// from the store on a miss. Racing recomputes are fine: every writer
// rebuilds from the same source of truth.
func (s *Service) PreviewComments(ctx context.Context) ([]store.CommentPreview, error) {
	entries, ok, err := s.cache.Get(ctx)
	if err != nil {
		log.Printf("preview cache read failed, recomputing: %v", err)
	}
	if ok {
		return entries, nil
	}

	entries, err = s.store.ListRootPreviews(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, entries); err != nil {
		log.Printf("preview cache write failed: %v", err)
	}
	return entries, nil
}

// PreviewText shows how a body will look after sanitization, using the
// exact pipeline of CreateComment.
func (s *Service) PreviewText(text string) (string, error) {
	if utf8.RuneCountInString(text) > maxCommentLength {
		return "", validationError(fmt.Sprintf("text exceeds %d characters", maxCommentLength))
	}
	return sanitize.Sanitize(text), nil
}

// UpdateComment replaces a comment's text. Only the author may update, and
// the preview cache is invalidated before success is reported.
func (s *Service) UpdateComment(ctx context.Context, session Session, commentID, text string) (*CommentView, error) {
	existing, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the author can update a comment", nil)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, validationError("text is required")
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return nil, validationError(fmt.Sprintf("text exceeds %d characters", maxCommentLength))
	}
	sanitized := sanitize.Sanitize(text)
	if strings.TrimSpace(sanitized) == "" {
		return nil, validationError("text is empty after removing disallowed markup")
	}

	updated, err := s.store.UpdateCommentText(ctx, commentID, sanitized)
	if err != nil {
		log.Printf("comment update failed: %v", err)
		return nil, storageError("failed to update comment")
	}

	s.invalidatePreview(ctx)
	if updated.ReplyTo == nil {
		s.indexRoot(updated, session)
	}
	return s.assembleThread(ctx, commentID)
}

// DeleteComment removes a comment and its attachments. Only the author may
// delete.
func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	existing, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if existing.UserID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only the author can delete a comment", nil)
	}

	deleted, err := s.store.DeleteComment(ctx, commentID)
	if err != nil {
		log.Printf("comment delete failed: %v", err)
		return storageError("failed to delete comment")
	}
	if !deleted {
		return sql.ErrNoRows
	}

	s.invalidatePreview(ctx)
	if existing.ReplyTo == nil && s.search != nil {
		s.search.DeleteComment(existing.ID)
	}
	return nil
}

// indexRoot pushes a root comment into the search index. Owner-only writes
// mean the session always belongs to the comment's author.
func (s *Service) indexRoot(comment store.Comment, session Session) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:        comment.ID,
		Text:      comment.Text,
		Username:  session.UserName,
		Email:     session.UserEmail,
		CreatedAt: comment.CreatedAt.Unix(),
	})
}

// SubscribeThread attaches a live subscriber to the root topic of the
// thread containing commentID.
func (s *Service) SubscribeThread(ctx context.Context, commentID string) (*bus.Handle, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	root, err := s.rootOf(ctx, comment)
	if err != nil {
		return nil, err
	}
	return s.bus.Subscribe(root.ID), nil
}

func (s *Service) Unsubscribe(handle *bus.Handle) {
	s.bus.Unsubscribe(handle)
}

// invalidatePreview clears the cache slot after a write. A stale cache is
// a tolerable degraded state, a failed write is not, so errors here are
// logged and swallowed.
func (s *Service) invalidatePreview(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		log.Printf("preview cache invalidation failed, stale until TTL: %v", err)
	}
}

// assembleThread builds the nested outward representation for commentID
// and its descendants. Assembly attaches children to parents iteratively,
// so arbitrarily deep threads never grow the call stack.
func (s *Service) assembleThread(ctx context.Context, commentID string) (*CommentView, error) {
	comments, err := s.store.ListThread(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if len(comments) == 0 {
		return nil, sql.ErrNoRows
	}

	attachments, err := s.store.ListThreadAttachments(ctx, commentID)
	if err != nil {
		return nil, err
	}
	attachmentsByComment := make(map[string][]AttachmentView)
	for _, a := range attachments {
		attachmentsByComment[a.CommentID] = append(attachmentsByComment[a.CommentID], AttachmentView{
			ID:        a.ID,
			File:      a.FileURL,
			MediaType: a.MediaKind,
		})
	}

	authors := make(map[string]AuthorView)
	nodes := make(map[string]*CommentView, len(comments))
	for _, c := range comments {
		author, ok := authors[c.UserID]
		if !ok {
			user, err := s.store.GetUserByID(ctx, c.UserID)
			if err != nil {
				return nil, fmt.Errorf("load author %s: %w", c.UserID, err)
			}
			author = AuthorView{ID: user.ID, Username: user.Username, Email: user.Email}
			authors[c.UserID] = author
		}

		view := newCommentView(c, author, nil)
		for _, a := range attachmentsByComment[c.ID] {
			view.Attachments = append(view.Attachments, a)
		}
		nodes[c.ID] = view
	}

	// comments arrive ordered by created_at, so children append in order
	for _, c := range comments {
		if c.ID == commentID || c.ReplyTo == nil {
			continue
		}
		if parent, ok := nodes[*c.ReplyTo]; ok {
			parent.Replies = append(parent.Replies, nodes[c.ID])
		}
	}
	return nodes[commentID], nil
}

func newCommentView(comment store.Comment, author AuthorView, attachments []store.Attachment) *CommentView {
	view := &CommentView{
		ID:          comment.ID,
		User:        author,
		Text:        comment.Text,
		CreatedAt:   comment.CreatedAt,
		UpdatedAt:   comment.UpdatedAt,
		Reply:       comment.ReplyTo,
		Replies:     []*CommentView{},
		Attachments: []AttachmentView{},
	}
	for _, a := range attachments {
		view.Attachments = append(view.Attachments, AttachmentView{
			ID:        a.ID,
			File:      a.FileURL,
			MediaType: a.MediaKind,
		})
	}
	return view
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
