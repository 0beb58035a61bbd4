package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"paperchat/internal/config"
	"paperchat/internal/models"
)

const jsonInstruction = "Respond with a single JSON object and nothing else."

// einoModel adapts an eino chat model. Documents are sent as extracted text.
type einoModel struct {
	chat      model.BaseChatModel
	texts     *TextExtractor
	maxTokens int
	temp      float32
}

func newEinoModel(ctx context.Context, provider string, prov config.ProviderConfig, params config.ModelConfig, texts *TextExtractor) (*einoModel, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   prov.Model,
			APIKey:  prov.APIKey,
		})
	case "gemini-eino":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  prov.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("NewClient of gemini failed: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  prov.Model,
		})
	case "claude":
		var baseURLPtr *string
		if prov.BaseURL != "" {
			baseURLPtr = &prov.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    prov.APIKey,
			Model:     prov.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: params.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &einoModel{chat: chatModel, texts: texts, maxTokens: params.MaxTokens, temp: params.Temperature}, nil
}

func (m *einoModel) options() []model.Option {
	return []model.Option{model.WithTemperature(m.temp), model.WithMaxTokens(m.maxTokens)}
}

func (m *einoModel) convertMessages(p Prompt) ([]*schema.Message, error) {
	system := p.System
	if p.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	messages := make([]*schema.Message, 0, len(p.Turns)+1)
	if system != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: system})
	}
	for _, t := range p.Turns {
		var role schema.RoleType
		switch t.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		content := t.Text
		if len(t.PDF) > 0 {
			doc, err := m.texts.Text(t.PDF)
			if err != nil {
				return nil, err
			}
			content = "Research paper text:\n\n" + doc + "\n\n" + t.Text
		}
		messages = append(messages, &schema.Message{Role: role, Content: content})
	}
	return messages, nil
}

func (m *einoModel) Stream(ctx context.Context, p Prompt, onDelta func(string) error) (string, error) {
	messages, err := m.convertMessages(p)
	if err != nil {
		return "", err
	}
	streamReader, err := m.chat.Stream(ctx, messages, m.options()...)
	if err != nil {
		return "", fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("read ai stream: %w", err)
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if err := onDelta(chunk.Content); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

func (m *einoModel) Generate(ctx context.Context, p Prompt) (string, error) {
	messages, err := m.convertMessages(p)
	if err != nil {
		return "", err
	}
	out, err := m.chat.Generate(ctx, messages, m.options()...)
	if err != nil {
		return "", fmt.Errorf("generate ai reply failed: %w", err)
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", ErrEmptyReply
	}
	return out.Content, nil
}
