package search

import "time"

// Result is a single root comment matched by a query.
type Result struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Snippet   string    `json:"snippet"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Query describes a root-comment search request.
type Query struct {
	Text     string
	Ordering string // API ordering token, e.g. "-created_at"; empty = relevance
	Limit    int
	Offset   int
}

// Response is the envelope returned by the listing's search path.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// CommentRecord is the data indexed for one root comment.
type CommentRecord struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
}

// Ordering is a parsed ordering token.
type Ordering struct {
	Field string
	Desc  bool
}

var orderableFields = map[string]bool{
	"created_at": true,
	"username":   true,
	"email":      true,
}

// ParseOrdering validates an API ordering token ("field" ascending,
// "-field" descending). The empty token means relevance order on the
// search path and newest-first on the plain listing.
func ParseOrdering(token string) (Ordering, bool) {
	if token == "" {
		return Ordering{}, true
	}
	field := token
	desc := false
	if field[0] == '-' {
		field = field[1:]
		desc = true
	}
	if !orderableFields[field] {
		return Ordering{}, false
	}
	return Ordering{Field: field, Desc: desc}, true
}
