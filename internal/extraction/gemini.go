package extraction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements Client using Google Gemini. One genai client is kept per
// credential secret.
type Gemini struct {
	modelName string
	timeout   time.Duration

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini creates a new Gemini client
func NewGemini(modelName string, timeout time.Duration) *Gemini {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Gemini{
		modelName: modelName,
		timeout:   timeout,
		clients:   make(map[string]*genai.Client),
	}
}

func (g *Gemini) model(ctx context.Context, secret string) (*genai.GenerativeModel, error) {
	if secret == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	client, ok := g.clients[secret]
	if !ok {
		var err error
		client, err = genai.NewClient(ctx, option.WithAPIKey(secret))
		if err != nil {
			return nil, fmt.Errorf("creating gemini client: %w", err)
		}
		g.clients[secret] = client
	}

	model := client.GenerativeModel(g.modelName)
	model.SetTemperature(0)
	return model, nil
}

// imagePart converts a page to a genai blob. genai.ImageData wants the format
// suffix ("png"), not the full MIME type.
func imagePart(p Page) genai.Part {
	return genai.ImageData(strings.TrimPrefix(p.MIMEType, "image/"), p.Data)
}

func (g *Gemini) generate(ctx context.Context, secret string, parts []genai.Part) (string, error) {
	model, err := g.model(ctx, secret)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini: %w", ErrEmptyResponse)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

// Extract implements Client
func (g *Gemini) Extract(ctx context.Context, secret string, pages []Page) (*Document, error) {
	parts := make([]genai.Part, 0, len(pages)+1)
	for _, p := range pages {
		parts = append(parts, imagePart(p))
	}
	parts = append(parts, genai.Text(singlePrompt))

	text, err := g.generate(ctx, secret, parts)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(text)
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	return doc, nil
}

// ExtractBatch implements Client
func (g *Gemini) ExtractBatch(ctx context.Context, secret string, docs [][]Page) ([]BatchDocument, error) {
	parts := make([]genai.Part, 0, len(docs)*2+1)
	for i, pages := range docs {
		parts = append(parts, genai.Text(DocumentMarker(i, len(pages))))
		for _, p := range pages {
			parts = append(parts, imagePart(p))
		}
	}
	parts = append(parts, genai.Text(BatchPrompt(len(docs))))

	text, err := g.generate(ctx, secret, parts)
	if err != nil {
		return nil, err
	}
	batch, err := ParseBatch(text)
	if err != nil {
		return nil, fmt.Errorf("parsing batch: %w", err)
	}
	return batch, nil
}

// Close closes every genai client
func (g *Gemini) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for secret, client := range g.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.clients, secret)
	}
	return firstErr
}
