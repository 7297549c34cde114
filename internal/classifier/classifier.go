// Package classifier filters crawled page candidates down to the URLs
// that look like individual product pages, using a chat-completion LLM
// endpoint to judge titles in batches.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/llagos04/products-scrapper/internal/config"
	"github.com/llagos04/products-scrapper/pkg/types"
)

// Selector picks product-page URLs out of a candidate list.
type Selector interface {
	SelectProducts(ctx context.Context, candidates []types.URLTitle) ([]string, error)
}

// LLMSelector classifies candidates through an OpenAI-compatible
// chat-completions endpoint. Batches that still fail after the
// configured attempts yield no URLs rather than aborting the crawl.
type LLMSelector struct {
	cfg    config.ClassifierConfig
	client *http.Client
	apiKey string
	prompt string
	logger *slog.Logger
}

// PassThrough selects every candidate. Used when no classifier is
// configured so the pipeline shape stays the same.
type PassThrough struct{}

// SelectProducts returns all candidate URLs unchanged.
func (PassThrough) SelectProducts(_ context.Context, candidates []types.URLTitle) ([]string, error) {
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		urls = append(urls, c.URL)
	}
	return urls, nil
}

// NewLLMSelector builds a selector from configuration, reading the API
// key from the configured environment variable.
func NewLLMSelector(cfg config.ClassifierConfig, logger *slog.Logger) (*LLMSelector, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("classifier: environment variable %s is not set", cfg.APIKeyEnv)
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMSelector{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		apiKey: apiKey,
		prompt: buildPrompt(cfg),
		logger: logger,
	}, nil
}

// SelectProducts splits candidates into batches and asks the model for
// the subset of URLs that are individual product pages.
func (s *LLMSelector) SelectProducts(ctx context.Context, candidates []types.URLTitle) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var selected []string
	for start := 0; start < len(candidates); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		urls, err := s.selectBatch(ctx, candidates[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return selected, ctx.Err()
			}
			s.logger.Warn("classifier batch gave no usable answer", "batch_start", start, "error", err)
			continue
		}
		selected = append(selected, urls...)
	}
	return selected, nil
}

func (s *LLMSelector) selectBatch(ctx context.Context, batch []types.URLTitle) ([]string, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode candidate batch: %w", err)
	}
	prompt := s.prompt + "\n\n" + string(payload)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		content, err := s.complete(ctx, prompt)
		if err != nil {
			lastErr = err
			s.logger.Debug("classifier request failed", "attempt", attempt, "error", err)
			continue
		}
		urls, err := parseURLList(content)
		if err != nil {
			lastErr = err
			s.logger.Debug("classifier answer not parseable", "attempt", attempt, "error", err)
			continue
		}
		return urls, nil
	}
	return nil, fmt.Errorf("no valid answer after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *LLMSelector) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       s.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat endpoint returned status %d", resp.StatusCode)
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("chat endpoint error: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// parseURLList expects a JSON array of URL strings, tolerating the
// code fences some models wrap answers in.
func parseURLList(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var urls []string
	if err := json.Unmarshal([]byte(content), &urls); err != nil {
		return nil, fmt.Errorf("answer is not a JSON string array: %w", err)
	}
	return urls, nil
}

func buildPrompt(cfg config.ClassifierConfig) string {
	var b strings.Builder
	b.WriteString("You will receive a JSON array where each element has the keys \"url\" and \"title\".\n\n")
	b.WriteString("Identify the titles that belong to individual product pages of an online shop selling ")
	b.WriteString(cfg.ProductsSold)
	b.WriteString(".\n")
	if len(cfg.ProductExamples) > 0 {
		b.WriteString("Examples of product titles:\n")
		for _, example := range cfg.ProductExamples {
			b.WriteString("  - " + example + "\n")
		}
	}
	b.WriteString("Product titles are usually descriptive and specific, mentioning details such as colour, model, size or unique features.\n\n")
	b.WriteString("Do NOT select titles that belong to:\n")
	b.WriteString("  - Product categories or listings")
	if len(cfg.CategoryExamples) > 0 {
		b.WriteString(", for example:\n")
		for _, example := range cfg.CategoryExamples {
			b.WriteString("      - " + example + "\n")
		}
	} else {
		b.WriteString(".\n")
	}
	b.WriteString("  - General information pages such as \"Contact\", \"Return Policy\", \"Terms and Conditions\" or \"Search\".\n")
	b.WriteString("  - Help or support pages such as \"FAQ\" or \"Customer Support\".\n\n")
	b.WriteString("Answer with a JSON array containing only the \"url\" values of the elements identified as products. ")
	b.WriteString("Do not add any extra text, commentary or formatting before or after the array. ")
	b.WriteString("Example answer:\n\n[\"https://example.com/product-123\", \"https://example.com/product-456\"]\n\n")
	b.WriteString("This is the list to process:")
	return b.String()
}
