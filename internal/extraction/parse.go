package extraction

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// rawDocument uses pointers so missing required fields can be told apart
// from zero values
type rawDocument struct {
	SourceIndex *int              `json:"source_index"`
	Title       *string           `json:"title"`
	PropertyID  string            `json:"property_id"`
	Fields      map[string]string `json:"fields"`
	Votes       []Vote            `json:"votes"`
	Confidence  *float64          `json:"confidence"`
	NeedsReview *bool             `json:"needs_review"`
	Notes       []string          `json:"notes"`
}

// jsonPayload strips markdown fences and any chatter around the outermost
// JSON value
func jsonPayload(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	if json.Valid([]byte(text)) {
		return text, nil
	}
	if m := fencedBlock.FindStringSubmatch(text); len(m) == 2 {
		text = m[1]
	}

	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return "", fmt.Errorf("%w: no JSON found", ErrInvalidResponse)
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end < start {
		return "", fmt.Errorf("%w: unterminated JSON", ErrInvalidResponse)
	}
	return text[start : end+1], nil
}

func (r rawDocument) validate() (Document, error) {
	switch {
	case r.Title == nil:
		return Document{}, fmt.Errorf("%w: missing title", ErrInvalidResponse)
	case r.Confidence == nil:
		return Document{}, fmt.Errorf("%w: missing confidence", ErrInvalidResponse)
	case r.NeedsReview == nil:
		return Document{}, fmt.Errorf("%w: missing needs_review", ErrInvalidResponse)
	}

	confidence := *r.Confidence
	if math.IsNaN(confidence) {
		return Document{}, fmt.Errorf("%w: confidence is not a number", ErrInvalidResponse)
	}
	// clamp before converting so huge values cannot overflow int
	confidence = math.Max(-1, math.Min(101, math.Round(confidence)))

	return Document{
		Title:       strings.TrimSpace(*r.Title),
		PropertyID:  strings.TrimSpace(r.PropertyID),
		Fields:      r.Fields,
		Votes:       r.Votes,
		Confidence:  ClampConfidence(int(confidence)),
		NeedsReview: *r.NeedsReview,
		Notes:       r.Notes,
	}, nil
}

// ParseDocument parses a single-document response
func ParseDocument(text string) (*Document, error) {
	payload, err := jsonPayload(text)
	if err != nil {
		return nil, err
	}

	var raw rawDocument
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	doc, err := raw.validate()
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseBatch parses a batch response. Both {"documents": [...]} and a bare
// array are accepted. Every document must carry a source_index; whether the
// indexes cover the request is left to the caller.
func ParseBatch(text string) ([]BatchDocument, error) {
	payload, err := jsonPayload(text)
	if err != nil {
		return nil, err
	}

	var raws []rawDocument
	if strings.HasPrefix(payload, "[") {
		if err := json.Unmarshal([]byte(payload), &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	} else {
		var envelope struct {
			Documents *[]rawDocument `json:"documents"`
		}
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if envelope.Documents == nil {
			return nil, fmt.Errorf("%w: missing documents", ErrInvalidResponse)
		}
		raws = *envelope.Documents
	}

	docs := make([]BatchDocument, 0, len(raws))
	for i, raw := range raws {
		if raw.SourceIndex == nil {
			return nil, fmt.Errorf("%w: document %d has no source_index", ErrInvalidResponse, i)
		}
		doc, err := raw.validate()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		docs = append(docs, BatchDocument{SourceIndex: *raw.SourceIndex, Document: doc})
	}
	return docs, nil
}
