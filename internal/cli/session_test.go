package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"paperchat/internal/models"
	"paperchat/internal/paperchat"
	"paperchat/internal/storage"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj <<>> endobj\n%%EOF")

type stubRemote struct {
	mu       sync.Mutex
	requests []*models.ChatRequest
	failWith error
}

func (r *stubRemote) record(req *models.ChatRequest) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

func (r *stubRemote) Stream(ctx context.Context, req *models.ChatRequest, onDelta func(string)) (string, error) {
	r.record(req)
	r.mu.Lock()
	failure := r.failWith
	r.mu.Unlock()
	if failure != nil {
		return "", failure
	}
	reply := []string{"It is ", "about attention."}
	if req.Flavor() == models.FlavorSummary {
		reply = []string{"Summary ", "of the paper."}
	}
	for _, d := range reply {
		onDelta(d)
	}
	return strings.Join(reply, ""), nil
}

func (r *stubRemote) Title(ctx context.Context, req *models.ChatRequest) (string, error) {
	r.record(req)
	return "Attention Paper", nil
}

func (r *stubRemote) Suggestions(ctx context.Context, req *models.ChatRequest) []string {
	r.record(req)
	return []string{"What is self-attention?", "How is it trained?", "What are the results?"}
}

func (r *stubRemote) lastChat() *models.ChatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.requests) - 1; i >= 0; i-- {
		if r.requests[i].Flavor() == models.FlavorChat {
			return r.requests[i]
		}
	}
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLoadedApp(t *testing.T) (*paperchat.App, *stubRemote) {
	t.Helper()
	remote := &stubRemote{}
	app := paperchat.New(storage.NewMemoryStore(), remote, nil)
	app.Start(context.Background())
	require.NoError(t, app.LoadPDF(context.Background(), "attention.pdf", samplePDF))
	return app, remote
}

func TestRunSurveyThenQuestion(t *testing.T) {
	defer goleak.VerifyNone(t)

	app, remote := newLoadedApp(t)
	out := &syncBuffer{}
	in := strings.NewReader("1\n2\nWhat is this about?\n/quit\n")

	require.NoError(t, New(app, in, out).Run(context.Background()))
	app.Wait()
	app.Close()

	text := out.String()
	assert.Contains(t, text, "How familiar are you with the topic?")
	assert.Contains(t, text, `chat renamed to "Attention Paper"`)
	assert.Contains(t, text, "Summary of the paper.")
	assert.Contains(t, text, "It is about attention.")
	assert.Contains(t, text, "1) What is self-attention?")

	assert.Equal(t, models.Preferences{Familiarity: models.FamiliarityBeginner, Goal: models.GoalDeepDive}, app.Preferences())
	chat := remote.lastChat()
	require.NotNil(t, chat)
	assert.Equal(t, string(models.FamiliarityBeginner), chat.Familiarity)
}

func TestSurveyRepromptsOnUnknownAnswer(t *testing.T) {
	defer goleak.VerifyNone(t)

	app, _ := newLoadedApp(t)
	out := &syncBuffer{}
	in := strings.NewReader("maybe\nexpert\njust skimming\n")

	require.NoError(t, New(app, in, out).Run(context.Background()))
	app.Wait()
	app.Close()

	assert.Contains(t, out.String(), "please pick one of the options")
	assert.Equal(t, models.Preferences{Familiarity: models.FamiliarityExpert, Goal: models.GoalSkim}, app.Preferences())
}

func TestRunStopsAtEOFDuringSurvey(t *testing.T) {
	defer goleak.VerifyNone(t)

	app, _ := newLoadedApp(t)
	out := &syncBuffer{}

	require.NoError(t, New(app, strings.NewReader(""), out).Run(context.Background()))
	assert.Equal(t, paperchat.PhaseAwaitingSurvey, app.Phase())
	app.Close()
}

func TestCommands(t *testing.T) {
	defer goleak.VerifyNone(t)

	app, remote := newLoadedApp(t)
	require.NoError(t, app.SubmitSurvey(context.Background(), models.DefaultPreferences()))
	app.Wait()

	out := &syncBuffer{}
	s := New(app, strings.NewReader(""), out)
	unsubscribe := app.Subscribe(s.onEvent)
	defer unsubscribe()
	s.suggestions = app.Suggestions()
	ctx := context.Background()

	s.handle(ctx, "/select multi-head attention")
	assert.Equal(t, "multi-head attention", app.Selection())

	s.handle(ctx, "/ask 2")
	app.Wait()
	chat := remote.lastChat()
	require.NotNil(t, chat)
	assert.Equal(t, "multi-head attention", chat.SelectedText)
	assert.Contains(t, out.String(), "> How is it trained?")

	s.handle(ctx, "/ask 9")
	assert.Contains(t, out.String(), "usage: /ask <n> with n between 1 and 3")

	s.handle(ctx, "/clear")
	assert.Empty(t, app.Selection())

	s.handle(ctx, "/prefs Expert")
	assert.Contains(t, out.String(), "usage: /prefs")
	s.handle(ctx, "/prefs expert | deep dive")
	app.Wait()
	assert.Equal(t, models.Preferences{Familiarity: models.FamiliarityExpert, Goal: models.GoalDeepDive}, app.Preferences())

	first := app.ActiveThread()
	s.handle(ctx, "/new")
	assert.NotEqual(t, first, app.ActiveThread())
	assert.Len(t, app.Threads(), 3)

	s.handle(ctx, "/threads")
	assert.Contains(t, out.String(), "* 1) Untitled")

	s.handle(ctx, "/switch 2")
	assert.Equal(t, first, app.ActiveThread())
	assert.Contains(t, out.String(), "assistant: It is about attention.")

	s.handle(ctx, "/switch nope")
	assert.Contains(t, out.String(), `no such chat "nope"`)

	s.handle(ctx, "/bogus")
	assert.Contains(t, out.String(), "unknown command /bogus")
	assert.True(t, s.handle(ctx, "/quit"))

	app.Close()
}

func TestErrorsAreDismissed(t *testing.T) {
	defer goleak.VerifyNone(t)

	app, remote := newLoadedApp(t)
	require.NoError(t, app.SubmitSurvey(context.Background(), models.DefaultPreferences()))
	app.Wait()

	out := &syncBuffer{}
	s := New(app, strings.NewReader(""), out)
	unsubscribe := app.Notices().Subscribe(s.onNotices)
	defer unsubscribe()
	ctx := context.Background()

	remote.mu.Lock()
	remote.failWith = errors.New("upstream 500")
	remote.mu.Unlock()
	s.handle(ctx, "What is attention?")
	require.Error(t, app.LastError())
	assert.Contains(t, out.String(), "error: Failed to get a response: upstream 500")

	s.handle(ctx, "/dismiss")
	assert.NoError(t, app.LastError())
	assert.False(t, app.Notices().List()[0].Open)

	s.handle(ctx, "Try again")
	require.Error(t, app.LastError())
	remote.mu.Lock()
	remote.failWith = nil
	remote.mu.Unlock()
	s.handle(ctx, "And once more")
	assert.NoError(t, app.LastError())
	assert.False(t, app.Notices().List()[0].Open)

	app.Close()
}
