package paperchat

import (
	"context"

	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/prompt"
)

// suggestionWindow is how many trailing messages a suggestion request carries.
const suggestionWindow = 4

// RefreshSuggestions fetches follow-up questions for threadID in the
// background. A newer fetch for the same thread cancels the older one and
// only the latest result is kept.
func (a *App) RefreshSuggestions(threadID string) error {
	pdf := a.pdf.Bytes()
	if len(pdf) == 0 {
		return ErrNoPDF
	}
	p := a.prefs.Current()
	req := &models.ChatRequest{
		Messages:            suggestionContext(a.messagesFor(threadID)),
		PDFData:             pdf,
		SystemPrompt:        prompt.PreferenceSummary(p),
		Familiarity:         string(p.Familiarity),
		Goal:                string(p.Goal),
		SelectedText:        a.pdf.Selection(),
		IsSuggestionRequest: true,
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if cancel := a.suggestCancel[threadID]; cancel != nil {
		cancel()
	}
	a.suggestSeq[threadID]++
	seq := a.suggestSeq[threadID]
	ctx, cancel := context.WithCancel(a.root)
	a.suggestCancel[threadID] = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer cancel()
		list := a.remote.Suggestions(ctx, req)

		a.mu.Lock()
		if a.suggestSeq[threadID] != seq {
			a.mu.Unlock()
			logger.WithField("thread", threadID).Debugf("dropped stale suggestions (seq %d)", seq)
			return
		}
		delete(a.suggestCancel, threadID)
		a.suggestions[threadID] = list
		a.mu.Unlock()
		a.emit(Event{Kind: EventSuggestions, ThreadID: threadID, Suggestions: list})
	}()
	return nil
}

// suggestionContext keeps the last few non-sentinel messages as plain text.
func suggestionContext(history []models.Message) []models.Message {
	visible := models.WithoutSentinel(history)
	if len(visible) > suggestionWindow {
		visible = visible[len(visible)-suggestionWindow:]
	}
	out := make([]models.Message, 0, len(visible))
	for _, msg := range visible {
		out = append(out, models.Message{Role: msg.Role, Content: models.PlainText(msg.Content.Text())})
	}
	return out
}
