package paperchat

import (
	"context"
	"strings"

	"paperchat/internal/models"
	"paperchat/internal/pdfctx"
	"paperchat/internal/prompt"
)

// Send runs one chat turn on the active thread and blocks until the reply
// has finished streaming. Every write of the turn goes to the thread that
// was active when Send started, even if the user switches away meanwhile.
func (a *App) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if a.Phase() != PhaseReady {
		return ErrNotReady
	}
	turnCtx, threadID, err := a.beginTurn(ctx)
	if err != nil {
		return err
	}

	history := a.messagesFor(threadID)
	userMsg := models.NewMessage(models.RoleUser, text)
	req := buildChatRequest(history, userMsg, a.prefs.Current(), a.pdf.Bytes(), a.pdf.Selection())

	msgs := append(models.CloneMessages(history), userMsg, models.NewMessage(models.RoleAssistant, ""))
	a.setWorking(threadID, msgs)

	partial, err := a.stream(turnCtx, threadID, req, msgs)
	if err != nil {
		if partial == "" {
			msgs = msgs[:len(msgs)-1]
		}
		if turnCtx.Err() == nil {
			a.fail(threadID, err)
		}
	}
	a.endTurn(ctx, threadID, msgs)
	if err != nil {
		return err
	}
	_ = a.RefreshSuggestions(threadID)
	return nil
}

// stream feeds deltas into the last message of msgs and publishes every step.
// It returns the text received so far together with any error.
func (a *App) stream(ctx context.Context, threadID string, req *models.ChatRequest, msgs []models.Message) (string, error) {
	var buf strings.Builder
	last := len(msgs) - 1
	_, err := a.remote.Stream(ctx, req, func(delta string) {
		buf.WriteString(delta)
		msgs[last].Content = models.PlainText(buf.String())
		a.setWorking(threadID, msgs)
	})
	return buf.String(), err
}

// conversationTurns drops sentinels and inline notices and normalises the
// rest to plain text, except for the first user turn which carries the
// document when pdf is non-empty. attached reports whether it did.
func conversationTurns(history []models.Message, pdf []byte) (turns []models.Message, attached bool) {
	turns = make([]models.Message, 0, len(history))
	for _, msg := range history {
		if models.IsSentinel(msg) || msg.Role == models.RoleSystem {
			continue
		}
		text := msg.Content.Text()
		if !attached && len(pdf) > 0 && msg.Role == models.RoleUser {
			turns = append(turns, models.Message{
				Role:    models.RoleUser,
				Content: models.Segments(models.TextSegment(text), models.FileSegment(pdf, pdfctx.MimeType)),
			})
			attached = true
			continue
		}
		turns = append(turns, models.Message{Role: msg.Role, Content: models.PlainText(text)})
	}
	return turns, attached
}

func buildChatRequest(history []models.Message, next models.Message, p models.Preferences, pdf []byte, excerpt string) *models.ChatRequest {
	all := append(models.CloneMessages(history), next)
	turns, _ := conversationTurns(all, pdf)
	instruction := models.Message{Role: models.RoleUser, Content: models.PlainText(prompt.Instruction(p, excerpt))}
	return &models.ChatRequest{
		Messages:     append([]models.Message{instruction}, turns...),
		Familiarity:  string(p.Familiarity),
		Goal:         string(p.Goal),
		SelectedText: excerpt,
	}
}

func buildSummaryRequest(history []models.Message, p models.Preferences, pdf []byte, excerpt string) *models.ChatRequest {
	turns, attached := conversationTurns(history, pdf)
	turns = append(turns, models.Message{Role: models.RoleUser, Content: models.PlainText(models.SummarySentinel)})
	req := &models.ChatRequest{
		Messages:     turns,
		SystemPrompt: prompt.SummaryTemplate(p),
		Familiarity:  string(p.Familiarity),
		Goal:         string(p.Goal),
		SelectedText: excerpt,
	}
	if !attached {
		req.PDFData = pdf
	}
	return req
}

// buildTitleRequest carries the document and preferences only; the title
// does not depend on the conversation.
func buildTitleRequest(p models.Preferences, pdf []byte) *models.ChatRequest {
	return &models.ChatRequest{
		PDFData:        pdf,
		Familiarity:    string(p.Familiarity),
		Goal:           string(p.Goal),
		IsTitleRequest: true,
	}
}
