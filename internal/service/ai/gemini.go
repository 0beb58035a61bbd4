package ai

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"paperchat/internal/config"
	"paperchat/internal/models"
	"paperchat/internal/pdfctx"
)

// geminiModel talks to Gemini directly so the document travels inline as
// application/pdf instead of extracted text.
type geminiModel struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float32
}

func newGeminiModel(ctx context.Context, prov config.ProviderConfig, params config.ModelConfig) (*geminiModel, error) {
	if prov.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  prov.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if prov.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: prov.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("NewClient of gemini failed: %w", err)
	}
	return &geminiModel{
		client:      client,
		model:       prov.Model,
		maxTokens:   int32(params.MaxTokens),
		temperature: params.Temperature,
	}, nil
}

func (m *geminiModel) request(p Prompt) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(m.temperature),
		MaxOutputTokens: m.maxTokens,
	}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return geminiContents(p.Turns), cfg
}

func geminiContents(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		var role genai.Role = genai.RoleUser
		if t.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, 2)
		if len(t.PDF) > 0 {
			parts = append(parts, genai.NewPartFromBytes(t.PDF, pdfctx.MimeType))
		}
		if t.Text != "" {
			parts = append(parts, genai.NewPartFromText(t.Text))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents
}

func (m *geminiModel) Stream(ctx context.Context, p Prompt, onDelta func(string) error) (string, error) {
	contents, cfg := m.request(p)
	var full string
	for resp, err := range m.client.Models.GenerateContentStream(ctx, m.model, contents, cfg) {
		if err != nil {
			return full, fmt.Errorf("gemini stream: %w", err)
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		full += delta
		if err := onDelta(delta); err != nil {
			return full, err
		}
	}
	return full, nil
}

func (m *geminiModel) Generate(ctx context.Context, p Prompt) (string, error) {
	contents, cfg := m.request(p)
	resp, err := m.client.Models.GenerateContent(ctx, m.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
