package batch

import "github.com/zombor/ballot-extract/internal/extraction"

// Config bounds the size of one request
type Config struct {
	MaxDocsPerBatch       int
	RequestOverheadTokens int
	PerPageTokens         int
	PerDocResponseTokens  int
	TokenBudget           int
}

// DefaultConfig sizes requests for a vision model with a generous context
// and a modest response budget
var DefaultConfig = Config{
	MaxDocsPerBatch:       5,
	RequestOverheadTokens: 1500,
	PerPageTokens:         258,
	PerDocResponseTokens:  600,
	TokenBudget:           8000,
}

// Batch is a group of work items sent in one request
type Batch struct {
	Index           int
	Items           []extraction.WorkItem
	EstimatedTokens int
}

// Cost estimates the tokens one item adds to a request
func (c Config) Cost(item extraction.WorkItem) int {
	pages := item.PageCount
	if pages <= 0 {
		pages = len(item.Pages)
	}
	return pages*c.PerPageTokens + c.PerDocResponseTokens
}

// Plan partitions items greedily in input order. A batch is closed when the
// next item would exceed either the document cap or the token budget. An
// item that alone exceeds the budget still gets a batch of its own.
func Plan(items []extraction.WorkItem, cfg Config) []Batch {
	maxDocs := max(cfg.MaxDocsPerBatch, 1)

	var (
		batches []Batch
		current []extraction.WorkItem
		tokens  = cfg.RequestOverheadTokens
	)

	closeBatch := func() {
		batches = append(batches, Batch{
			Index:           len(batches),
			Items:           current,
			EstimatedTokens: tokens,
		})
		current = nil
		tokens = cfg.RequestOverheadTokens
	}

	for _, item := range items {
		cost := cfg.Cost(item)
		if len(current) > 0 && (len(current)+1 > maxDocs || tokens+cost > cfg.TokenBudget) {
			closeBatch()
		}
		current = append(current, item)
		tokens += cost
	}
	if len(current) > 0 {
		closeBatch()
	}
	return batches
}
