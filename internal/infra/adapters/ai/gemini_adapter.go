package ai

import (
	"context"
	"errors"
	"strings"

	"content-pipeline/internal/domain/ports/adapter"

	"google.golang.org/genai"
)

var _ adapter.TextGenerator = (*GeminiGenerator)(nil)

type GeminiGenerator struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiGenerator creates a Gemini generator using the official SDK.
func NewGeminiGenerator(ctx context.Context, apiKey, baseURL, defaultModel string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiGenerator{client: c, defaultModel: defaultModel}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, model string, messages []adapter.Message, opts adapter.GenerateOptions) (string, adapter.Usage, error) {
	system, contents := toGenAIContents(messages)
	if len(contents) == 0 {
		return "", adapter.Usage{}, errors.New("gemini: no messages")
	}
	cfg := &genai.GenerateContentConfig{}
	if system != nil {
		cfg.SystemInstruction = system
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Seed != 0 {
		seed := int32(opts.Seed)
		cfg.Seed = &seed
	}

	resp, err := g.client.Models.GenerateContent(ctx, modelOrDefault(model, g.defaultModel), contents, cfg)
	if err != nil {
		return "", adapter.Usage{}, err
	}

	var text strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, p := range resp.Candidates[0].Content.Parts {
			if p != nil {
				text.WriteString(p.Text)
			}
		}
	}
	u := adapter.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return text.String(), u, nil
}

// toGenAIContents splits system messages into the system instruction;
// Gemini has no system role in the conversation itself.
func toGenAIContents(msgs []adapter.Message) (*genai.Content, []*genai.Content) {
	var (
		system *genai.Content
		out    = make([]*genai.Content, 0, len(msgs))
	)
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})
		case "assistant", "model":
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: m.Content}}})
		default:
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return system, out
}
