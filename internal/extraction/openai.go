package extraction

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const systemMessage = "You are an expert at reading scanned ballots and forms. You carefully read all printed and handwritten text and extract accurate information."

// OpenAIConfig holds settings for an OpenAI-compatible endpoint
type OpenAIConfig struct {
	// BaseURL defaults to the OpenAI API. Ollama serves the same API at
	// http://localhost:11434/v1.
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAI implements Client against any OpenAI-compatible chat completions
// endpoint (OpenAI, Ollama, vLLM)
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAI creates a new OpenAI-compatible client
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clients:    make(map[string]*openai.Client),
	}
}

func (o *OpenAI) client(secret string) *openai.Client {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.clients[secret]; ok {
		return c
	}
	clientCfg := openai.DefaultConfig(secret)
	if o.cfg.BaseURL != "" {
		clientCfg.BaseURL = o.cfg.BaseURL
	}
	clientCfg.HTTPClient = o.httpClient
	c := openai.NewClientWithConfig(clientCfg)
	o.clients[secret] = c
	return c
}

func imageURLPart(p Page) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL:    "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data),
			Detail: openai.ImageURLDetailHigh,
		},
	}
}

func textPart(s string) openai.ChatMessagePart {
	return openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: s}
}

func (o *OpenAI) complete(ctx context.Context, secret string, parts []openai.ChatMessagePart) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	}

	resp, err := o.client(secret).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", apiError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// apiError keeps the HTTP status in the message; callers classify failures
// by message content
func apiError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("completion API error %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("completion API error %d: %s: %w", reqErr.HTTPStatusCode, string(reqErr.Body), err)
	}
	return fmt.Errorf("completion request failed: %w", err)
}

// Extract implements Client
func (o *OpenAI) Extract(ctx context.Context, secret string, pages []Page) (*Document, error) {
	parts := make([]openai.ChatMessagePart, 0, len(pages)+1)
	parts = append(parts, textPart(singlePrompt))
	for _, p := range pages {
		parts = append(parts, imageURLPart(p))
	}

	text, err := o.complete(ctx, secret, parts)
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
func (o *OpenAI) ExtractBatch(ctx context.Context, secret string, docs [][]Page) ([]BatchDocument, error) {
	parts := make([]openai.ChatMessagePart, 0, len(docs)*2+1)
	parts = append(parts, textPart(BatchPrompt(len(docs))))
	for i, pages := range docs {
		parts = append(parts, textPart(DocumentMarker(i, len(pages))))
		for _, p := range pages {
			parts = append(parts, imageURLPart(p))
		}
	}

	text, err := o.complete(ctx, secret, parts)
	if err != nil {
		return nil, err
	}
	batch, err := ParseBatch(text)
	if err != nil {
		return nil, fmt.Errorf("parsing batch: %w", err)
	}
	return batch, nil
}

// Close drops idle connections
func (o *OpenAI) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}
