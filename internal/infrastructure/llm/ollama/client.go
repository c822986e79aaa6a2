package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	HTTPTimeout time.Duration
	Executor    *resilience.Executor
}

func New(baseURL, genModel, embedModel string) *Client {
	return NewWithOptions(baseURL, genModel, embedModel, Options{})
}

func NewWithOptions(baseURL, genModel, embedModel string, opts Options) *Client {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.Executor,
	}
}

// Embedder implements ports.QueryEmbedder over /api/embed.
type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ollama embed", fmt.Errorf("empty query text"))
	}
	request := map[string]any{
		"model": e.client.embedModel,
		"input": []string{text},
	}

	vector, err := resilience.Do(ctx, e.client.executor, "ollama.embed", func(callCtx context.Context) ([]float32, error) {
		var response struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := e.client.postJSON(callCtx, "/api/embed", request, &response, "embed"); err != nil {
			return nil, err
		}
		if len(response.Embeddings) == 0 || len(response.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("empty embedding result")
		}
		return response.Embeddings[0], nil
	}, resilience.DenseLegPolicy.Classify)
	if err != nil {
		return nil, resilience.DenseLegPolicy.Temporary("ollama embed", err)
	}
	return vector, nil
}

// Generator implements ports.AnswerGenerator over /api/chat.
type Generator struct {
	client      *Client
	temperature float64
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client, temperature: 0.1}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *Generator) Generate(ctx context.Context, messages []domain.PromptMessage) (string, error) {
	if len(messages) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "ollama chat", fmt.Errorf("no messages"))
	}
	chat := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		chat = append(chat, chatMessage{Role: msg.Role, Content: msg.Content})
	}
	request := map[string]any{
		"model":    g.client.genModel,
		"messages": chat,
		"stream":   false,
		"options":  map[string]any{"temperature": g.temperature},
	}

	text, err := resilience.Do(ctx, g.client.executor, "ollama.chat", func(callCtx context.Context) (string, error) {
		var response struct {
			Message chatMessage `json:"message"`
		}
		if err := g.client.postJSON(callCtx, "/api/chat", request, &response, "chat"); err != nil {
			return "", err
		}
		return strings.TrimSpace(response.Message.Content), nil
	}, resilience.GenerationPolicy.Classify)
	if err != nil {
		return "", resilience.GenerationPolicy.Temporary("ollama chat", err)
	}
	return text, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.ReadStatusError("ollama", operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
