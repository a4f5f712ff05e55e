// ABOUTME: Anthropic-backed text generation, classification and field extraction
// ABOUTME: The messages API is behind an interface so tests can inject canned replies

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrNoAPIKey is returned when the client is built without credentials.
var ErrNoAPIKey = errors.New("llm.api_key is required")

// Classifier labels text according to instructions.
type Classifier interface {
	Classify(ctx context.Context, text, instructions string) (string, error)
}

// Generator writes free text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Messager is the subset of the Anthropic messages service the client uses.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config configures a Client.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// System is the persona prompt prepended to every generation.
	System  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to the Anthropic messages API.
type Client struct {
	messages  Messager
	model     anthropic.Model
	maxTokens int64
	system    string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClient creates a client from an API key.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	c := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return NewClientWithMessager(&c.Messages, cfg), nil
}

// NewClientWithMessager wires a client around any Messager.
func NewClientWithMessager(m Messager, cfg Config) *Client {
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		messages:  m,
		model:     model,
		maxTokens: cfg.MaxTokens,
		system:    cfg.System,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger.With("component", "llm"),
	}
}

// Generate writes a reply in the configured persona.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, c.system, prompt, 0.7)
}

// Classify answers with a single label. The label is lowercased and
// stripped of punctuation.
func (c *Client) Classify(ctx context.Context, text, instructions string) (string, error) {
	system := instructions + "\nAnswer with the label only."
	raw, err := c.complete(ctx, system, text, 0)
	if err != nil {
		return "", err
	}
	return normalizeLabel(raw), nil
}

func (c *Client) complete(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	resp, err := c.messages.New(ctx, params)
	if err != nil {
		c.logger.Warn("llm request failed", "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("llm request: %w", err)
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", errors.New("llm returned an empty response")
	}
	c.logger.Debug("llm request completed", "duration", time.Since(start), "chars", len(out))
	return out, nil
}

func normalizeLabel(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,!?:;\"'`*")
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

var (
	_ Classifier = (*Client)(nil)
	_ Generator  = (*Client)(nil)
	_ Extractor  = (*Client)(nil)
)
