package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

type generateStreamFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Gemini streams replies from the Gemini API.
type Gemini struct {
	model    string
	generate generateStreamFunc
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiWith(model, client.Models.GenerateContentStream), nil
}

func newGeminiWith(model string, generate generateStreamFunc) *Gemini {
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	return &Gemini{model: model, generate: generate}
}

func (g *Gemini) Stream(ctx context.Context, req Request, onToken TokenHandler) error {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if len(contents) == 0 {
		return fmt.Errorf("gemini stream: empty conversation")
	}

	var config *genai.GenerateContentConfig
	if system := strings.TrimSpace(req.System); system != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	for resp, err := range g.generate(ctx, g.model, contents, config) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		if err := onToken(text); err != nil {
			return err
		}
	}
	return ctx.Err()
}
