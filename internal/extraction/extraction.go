package extraction

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidResponse is returned when the model's answer does not match
	// the document schema
	ErrInvalidResponse = errors.New("invalid response")
	// ErrEmptyResponse is returned when the model answers with no text
	ErrEmptyResponse = errors.New("empty response")
)

// Page is one page image of a document
type Page struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// WorkItem is one logical document. Its pages are always sent together and
// attributed to one result.
type WorkItem struct {
	ID          string `json:"id"`
	SourceLabel string `json:"source_label"`
	PageCount   int    `json:"page_count"`
	Pages       []Page `json:"-"`
}

// Vote is one marked choice on a ballot
type Vote struct {
	Item   string `json:"item"`
	Choice string `json:"choice"`
}

// Document is the structured data the model extracts from one document
type Document struct {
	Title       string            `json:"title"`
	PropertyID  string            `json:"property_id,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Votes       []Vote            `json:"votes,omitempty"`
	Confidence  int               `json:"confidence"`
	NeedsReview bool              `json:"needs_review"`
	Notes       []string          `json:"notes,omitempty"`
}

// BatchDocument is a Document that names the input it was extracted from
type BatchDocument struct {
	SourceIndex int `json:"source_index"`
	Document
}

// Metadata accompanies every stored result
type Metadata struct {
	ConfidenceScore int       `json:"confidence_score"`
	NeedsReview     bool      `json:"needs_review"`
	Notes           []string  `json:"notes"`
	SourceLabel     string    `json:"source_label"`
	PageCount       int       `json:"page_count"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Result is an extracted document attributed to a work item
type Result struct {
	ItemID     string            `json:"item_id"`
	Title      string            `json:"title"`
	PropertyID string            `json:"property_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Votes      []Vote            `json:"votes,omitempty"`
	Metadata   Metadata          `json:"metadata"`
}

// ClampConfidence forces a model-reported confidence into [0,100]
func ClampConfidence(c int) int {
	return min(max(c, 0), 100)
}

// NewResult attributes doc to item. The confidence is clamped.
func NewResult(item WorkItem, doc Document, processedAt time.Time) Result {
	notes := doc.Notes
	if notes == nil {
		notes = []string{}
	}
	return Result{
		ItemID:     item.ID,
		Title:      doc.Title,
		PropertyID: doc.PropertyID,
		Fields:     doc.Fields,
		Votes:      doc.Votes,
		Metadata: Metadata{
			ConfidenceScore: ClampConfidence(doc.Confidence),
			NeedsReview:     doc.NeedsReview,
			Notes:           notes,
			SourceLabel:     item.SourceLabel,
			PageCount:       item.PageCount,
			ProcessedAt:     processedAt,
		},
	}
}

// Client talks to a generative model. The secret selects the credential the
// request is billed to.
type Client interface {
	// Extract sends one document's pages and returns its structured data
	Extract(ctx context.Context, secret string, pages []Page) (*Document, error)
	// ExtractBatch sends several documents in one request. Returned documents
	// carry SourceIndex back-references into docs.
	ExtractBatch(ctx context.Context, secret string, docs [][]Page) ([]BatchDocument, error)
	// Close releases resources
	Close() error
}
