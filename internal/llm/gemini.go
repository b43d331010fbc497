package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"pveassist/internal/domain"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiGenerator answers turns with the Gemini API.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float64
}

// NewGeminiGenerator creates a Gemini-backed generator.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, temperature float64) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model, temperature: temperature}, nil
}

func (g *GeminiGenerator) Name() string { return "gemini:" + g.model }

func (g *GeminiGenerator) Generate(ctx context.Context, req GenerateRequest) (*domain.OrchestratorResult, error) {
	temp := req.Temperature
	if temp <= 0 {
		temp = g.temperature
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(float32(temp)),
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{
		genai.NewContentFromText(BuildPrompt(req), genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini generate: %v", ErrUnavailable, err)
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}
	return DecodeResult(resp.Text())
}
