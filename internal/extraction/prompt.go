package extraction

import "fmt"

const documentSchema = `{
  "title": "short description of the document",
  "property_id": "parcel, unit or account identifier printed on the document, or empty",
  "fields": {"field name": "value as printed"},
  "votes": [{"item": "agenda item or question number", "choice": "marked choice"}],
  "confidence": 0,
  "needs_review": false,
  "notes": ["anything unclear, crossed out or handwritten"]
}`

// singlePrompt is sent after the pages of one document
const singlePrompt = `You are reading a scanned ballot or form. The images are the pages of ONE document, in order.

Extract the document into this JSON object:
` + documentSchema + `

Rules:
- confidence is an integer from 0 to 100 describing how sure you are of the whole extraction
- set needs_review to true when marks are ambiguous, pages are unreadable or a signature is missing
- copy identifiers exactly as printed; do not guess missing digits
- return ONLY the JSON object, without markdown code blocks or any other text`

// batchPrompt is sent after every document of a batch. %d is the document count.
const batchPrompt = `You are reading %d scanned ballots or forms. Each document starts with a marker line
"--- DOCUMENT i (N pages) ---" followed by its N page images. Documents are numbered from 0.

Extract EVERY document into this JSON object:
{"documents": [{"source_index": i, ...fields below...}]}

Fields of each document:
` + documentSchema + `

Rules:
- return exactly one entry per document, and source_index must be the number from its marker
- never merge pages of different documents
- confidence is an integer from 0 to 100 for that document alone
- set needs_review to true when marks are ambiguous, pages are unreadable or a signature is missing
- return ONLY the JSON object, without markdown code blocks or any other text`

// DocumentMarker is the delimiter text that precedes a document's pages in a
// batch request
func DocumentMarker(index, pages int) string {
	return fmt.Sprintf("--- DOCUMENT %d (%d pages) ---", index, pages)
}

// BatchPrompt returns the instruction for a batch of n documents
func BatchPrompt(n int) string {
	return fmt.Sprintf(batchPrompt, n)
}
