package paperchat

import (
	"context"

	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/prompt"
)

// Phase is the bootstrap state of the loaded document.
type Phase string

const (
	PhaseAwaitingSurvey   Phase = "awaiting_survey"
	PhaseGeneratingTitle  Phase = "generating_title"
	PhaseStreamingSummary Phase = "streaming_summary"
	PhaseReady            Phase = "ready"
)

// SubmitSurvey stores the survey answers and runs the bootstrap on the
// active thread: title, then streamed summary, then suggestions. It blocks
// until the summary has finished. Loading another document meanwhile
// stops the bootstrap from moving past its current step.
func (a *App) SubmitSurvey(ctx context.Context, p models.Preferences) error {
	if a.Phase() != PhaseAwaitingSurvey {
		return ErrSurveyCompleted
	}
	if err := p.Validate(); err != nil {
		return err
	}
	gen := a.documentGeneration()
	if !a.pdf.Loaded() {
		if err := a.prefs.Set(ctx, p, true); err != nil {
			return err
		}
		a.advance(gen, PhaseReady)
		return nil
	}
	turnCtx, threadID, err := a.beginTurn(ctx)
	if err != nil {
		return err
	}
	if err := a.prefs.Set(ctx, p, true); err != nil {
		a.endTurn(ctx, threadID, a.messagesFor(threadID))
		return err
	}
	a.bootstrap(ctx, turnCtx, threadID, gen, p)
	return nil
}

func (a *App) bootstrap(parent, ctx context.Context, threadID string, gen uint64, p models.Preferences) {
	log := logger.WithField("thread", threadID)
	history := a.messagesFor(threadID)
	pdf := a.pdf.Bytes()

	if !a.advance(gen, PhaseGeneratingTitle) {
		a.endTurn(parent, threadID, history)
		return
	}
	title, err := a.remote.Title(ctx, buildTitleRequest(p, pdf))
	if err != nil {
		log.Warnf("generate title: %v", err)
	} else if a.threads.Rename(context.WithoutCancel(parent), threadID, title) {
		a.emit(Event{Kind: EventTitle, ThreadID: threadID, Title: title})
	}

	if !a.advance(gen, PhaseStreamingSummary) {
		a.endTurn(parent, threadID, history)
		return
	}
	req := buildSummaryRequest(history, p, pdf, a.pdf.Selection())
	msgs := append(models.CloneMessages(history), models.NewMessage(models.RoleAssistant, ""))
	a.setWorking(threadID, msgs)
	partial, err := a.stream(ctx, threadID, req, msgs)
	if err != nil {
		log.Warnf("generate summary: %v", err)
		if ctx.Err() == nil || partial == "" {
			msgs[len(msgs)-1] = models.NewMessage(models.RoleSystem, prompt.SummaryApology)
		}
	}
	a.endTurn(parent, threadID, msgs)
	if !a.advance(gen, PhaseReady) {
		log.Debugf("bootstrap superseded by a new document")
		return
	}
	_ = a.RefreshSuggestions(threadID)
}

// UpdatePreferences stores new preferences outside the survey, records an
// inline notice on the active thread and refreshes its suggestions.
func (a *App) UpdatePreferences(ctx context.Context, p models.Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if a.Busy() {
		return ErrTurnInFlight
	}
	if err := a.prefs.Set(ctx, p, false); err != nil {
		return err
	}
	threadID := a.threads.Active()
	if threadID == "" {
		return nil
	}
	msgs := append(a.messagesFor(threadID), models.NewMessage(models.RoleSystem, prompt.PreferenceNotice))
	a.threads.Replace(ctx, threadID, msgs)
	a.emitMessages(threadID)
	_ = a.RefreshSuggestions(threadID)
	return nil
}
