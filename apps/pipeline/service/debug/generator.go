package debug

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const patchSystemPrompt = `You are a surgical code repair assistant. You receive a JSON request ` +
	`describing one failing file and its error log. Respond with a single JSON object ` +
	`{"file_path", "patch_type", "updated_content"} where patch_type is one of ` +
	`"replace", "insert" or "delete". Never regenerate the whole project.`

// ClaudeGenerator produces patches through the Anthropic API. It
// implements PatchGenerator.
type ClaudeGenerator struct {
	client  anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

// NewClaudeGenerator creates a generator. An empty API key falls back
// to the SDK's environment lookup.
func NewClaudeGenerator(apiKey string, timeout time.Duration) *ClaudeGenerator {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &ClaudeGenerator{
		client:  anthropic.NewClient(opts...),
		model:   anthropic.ModelClaude4Sonnet20250514,
		timeout: timeout,
	}
}

// Generate sends one patch request and returns the raw model text. The
// engine owns retries and contract validation.
func (g *ClaudeGenerator) Generate(ctx context.Context, request []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: patchSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(request))),
		},
		Temperature: anthropic.Float(0.0),
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("model returned no text content")
	}
	return text.String(), nil
}
