package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperchat/internal/config"
	"paperchat/internal/models"
)

type fakeChat struct {
	chunks []string
	got    []*schema.Message
}

func (f *fakeChat) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.got = in
	return &schema.Message{Role: schema.Assistant, Content: strings.Join(f.chunks, "")}, nil
}

func (f *fakeChat) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.got = in
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: c})
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func newTestExtractor(calls *int) *TextExtractor {
	return &TextExtractor{
		cache: cache.New(textCacheTTL, textCacheCleanup),
		extract: func(data []byte) (string, error) {
			*calls++
			if len(data) == 0 {
				return "", errors.New("empty")
			}
			return "extracted:" + string(data), nil
		},
	}
}

func TestTextExtractorCachesByContent(t *testing.T) {
	var calls int
	x := newTestExtractor(&calls)

	text, err := x.Text([]byte("%PDF-a"))
	require.NoError(t, err)
	assert.Equal(t, "extracted:%PDF-a", text)
	_, err = x.Text([]byte("%PDF-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = x.Text([]byte("%PDF-b"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = x.Text(nil)
	assert.Error(t, err)
}

func TestEinoStreamConvertsTurns(t *testing.T) {
	var calls int
	chat := &fakeChat{chunks: []string{"Hel", "", "lo"}}
	m := &einoModel{chat: chat, texts: newTestExtractor(&calls), maxTokens: 100, temp: 0.5}

	var deltas []string
	full, err := m.Stream(context.Background(), Prompt{
		System: "be brief",
		Turns: []Turn{
			{Role: models.RoleUser, Text: "read this", PDF: []byte("%PDF-x")},
			{Role: models.RoleAssistant, Text: "done"},
			{Role: models.RoleUser, Text: "summarise"},
		},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", full)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)

	require.Len(t, chat.got, 4)
	assert.Equal(t, schema.System, chat.got[0].Role)
	assert.Equal(t, "be brief", chat.got[0].Content)
	assert.Equal(t, schema.User, chat.got[1].Role)
	assert.Contains(t, chat.got[1].Content, "extracted:%PDF-x")
	assert.True(t, strings.HasSuffix(chat.got[1].Content, "read this"))
	assert.Equal(t, schema.Assistant, chat.got[2].Role)
	assert.Equal(t, 1, calls)
}

func TestEinoStreamStopsOnCallbackError(t *testing.T) {
	var calls int
	chat := &fakeChat{chunks: []string{"a", "b", "c"}}
	m := &einoModel{chat: chat, texts: newTestExtractor(&calls)}
	stop := errors.New("client gone")

	full, err := m.Stream(context.Background(), Prompt{Turns: []Turn{{Role: models.RoleUser, Text: "hi"}}}, func(d string) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "a", full)
}

func TestEinoGenerateJSON(t *testing.T) {
	var calls int
	chat := &fakeChat{chunks: []string{`{"title":"Sparse Attention"}`}}
	m := &einoModel{chat: chat, texts: newTestExtractor(&calls)}

	out, err := m.Generate(context.Background(), Prompt{JSON: true, Turns: []Turn{{Role: models.RoleUser, Text: "title?"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Sparse Attention"}`, out)
	require.NotEmpty(t, chat.got)
	assert.Equal(t, schema.System, chat.got[0].Role)
	assert.Contains(t, chat.got[0].Content, jsonInstruction)

	chat.chunks = []string{"  "}
	_, err = m.Generate(context.Background(), Prompt{Turns: []Turn{{Role: models.RoleUser, Text: "title?"}}})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestGeminiContents(t *testing.T) {
	contents := geminiContents([]Turn{
		{Role: models.RoleUser, Text: "read", PDF: []byte("%PDF-1")},
		{Role: models.RoleAssistant, Text: "ok"},
		{Role: models.RoleUser},
	})
	require.Len(t, contents, 2)
	assert.EqualValues(t, "user", contents[0].Role)
	require.Len(t, contents[0].Parts, 2)
	require.NotNil(t, contents[0].Parts[0].InlineData)
	assert.Equal(t, "application/pdf", contents[0].Parts[0].InlineData.MIMEType)
	assert.Equal(t, "read", contents[0].Parts[1].Text)
	assert.EqualValues(t, "model", contents[1].Role)
}

func TestNewModelRejectsUnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{"mystery": {Model: "m"}},
		Model:     config.ModelConfig{Provider: "mystery"},
	}
	_, err := NewModel(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Model.Provider = "absent"
	_, err = NewModel(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Providers["gemini"] = config.ProviderConfig{Model: "gemini-1.5-flash"}
	cfg.Model.Provider = "gemini"
	_, err = NewModel(context.Background(), cfg)
	assert.Error(t, err)
}
