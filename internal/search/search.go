package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultTicket   ResultType = "ticket"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	EstateID string     `json:"estateId"`
}

// Query describes a search request. FilterEstateID scopes document hits
// to one estate; FilterUserID scopes ticket hits to their opener. Both
// are set by the handler from the caller's session, never from input.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterEstateID string
	FilterUserID   string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexTicket(t TicketRecord) error
	DeleteDocument(id string) error
	DeleteTicket(id string) error
}

// DocumentRecord is the vault item metadata we index. Only names and
// categories are searchable; file contents never leave the vault.
type DocumentRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	MimeType string `json:"mimeType"`
	EstateID string `json:"estateId"`
}

// TicketRecord is the data we index for a support ticket. Body holds the
// most recent message text.
type TicketRecord struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Status   string `json:"status"`
	EstateID string `json:"estateId"`
	UserID   string `json:"userId"`
}
