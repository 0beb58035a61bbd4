package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"paperchat/internal/client"
	"paperchat/internal/models"
	"paperchat/internal/prompt"
	"paperchat/internal/service/ai"
	"paperchat/internal/worker"
)

var samplePDF = []byte("%PDF-1.4 sample")

type mockModel struct {
	mu        sync.Mutex
	prompts   []ai.Prompt
	chunks    []string
	streamErr error
	reply     string
	genErr    error
}

func (m *mockModel) Stream(ctx context.Context, p ai.Prompt, onDelta func(string) error) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, p)
	m.mu.Unlock()
	var full string
	for _, chunk := range m.chunks {
		full += chunk
		if err := onDelta(chunk); err != nil {
			return full, err
		}
	}
	return full, m.streamErr
}

func (m *mockModel) Generate(ctx context.Context, p ai.Prompt) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, p)
	m.mu.Unlock()
	return m.reply, m.genErr
}

func (m *mockModel) lastPrompt(t *testing.T) ai.Prompt {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		t.Fatalf("model was not called")
	}
	return m.prompts[len(m.prompts)-1]
}

type busyDispatcher struct{}

func (busyDispatcher) Do(context.Context, string, func(context.Context)) error {
	return worker.ErrDispatcherBusy
}

func (busyDispatcher) Stats() worker.Stats { return worker.Stats{} }

func newTestServer(t *testing.T, model ai.Model) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	d := worker.NewDispatcher(1, 2, 8, time.Minute)
	t.Cleanup(d.Stop)
	return NewRouter(NewHandler(model, d, time.Minute), nil)
}

func textMessage(role models.Role, text string) models.Message {
	return models.Message{Role: role, Content: models.PlainText(text)}
}

func pdfMessage(text string) models.Message {
	return models.Message{
		Role:    models.RoleUser,
		Content: models.Segments(models.TextSegment(text), models.FileSegment(samplePDF, "application/pdf")),
	}
}

func TestChatStreamsDeltas(t *testing.T) {
	model := &mockModel{chunks: []string{"Trans", "formers"}}
	router := newTestServer(t, model)

	rec := postSSE(t, router, "/api/chat", models.ChatRequest{
		Messages: []models.Message{
			textMessage(models.RoleUser, "instructions"),
			pdfMessage(prompt.InitialUploadMessage),
			textMessage(models.RoleAssistant, "Summary."),
			textMessage(models.RoleSystem, prompt.PreferenceNotice),
			textMessage(models.RoleUser, "What architecture?"),
		},
	})
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 SSE events, got %d: %#v", len(events), events)
	}
	if events[0].Name != "stream" || events[1].Name != "stream" || events[2].Name != "done" {
		t.Fatalf("unexpected event sequence: %#v", events)
	}
	var done models.StreamPayload
	decodeJSON(t, []byte(events[2].Data), &done)
	if done.Content != "Transformers" {
		t.Fatalf("done payload mismatch: %q", done.Content)
	}

	p := model.lastPrompt(t)
	if p.System != prompt.DefaultSystemPrompt {
		t.Fatalf("chat should use the default system prompt, got %q", p.System)
	}
	if len(p.Turns) != 4 {
		t.Fatalf("expected notices to be dropped, got %d turns", len(p.Turns))
	}
	if !bytes.Equal(p.Turns[1].PDF, samplePDF) || p.Turns[1].Text != prompt.InitialUploadMessage {
		t.Fatalf("document should ride on the file segment turn: %#v", p.Turns[1])
	}
	if p.Turns[3].PDF != nil {
		t.Fatalf("later turns must not carry the document")
	}
}

func TestSummaryUsesTemplate(t *testing.T) {
	model := &mockModel{chunks: []string{"A summary."}}
	router := newTestServer(t, model)

	rec := postSSE(t, router, "/api/chat", models.ChatRequest{
		Messages:    []models.Message{pdfMessage(prompt.InitialUploadMessage), textMessage(models.RoleUser, models.SummarySentinel)},
		Familiarity: "Expert",
		Goal:        "Deep dive",
	})
	assertStatus(t, rec, http.StatusOK)

	p := model.lastPrompt(t)
	want := prompt.SummaryTemplate(models.Preferences{Familiarity: models.FamiliarityExpert, Goal: models.GoalDeepDive})
	if p.System != want {
		t.Fatalf("summary system prompt mismatch: %q", p.System)
	}
	last := p.Turns[len(p.Turns)-1]
	if last.Text != prompt.SummaryRequest {
		t.Fatalf("sentinel should be replaced, got %q", last.Text)
	}
	for _, turn := range p.Turns {
		if turn.Text == models.SummarySentinel {
			t.Fatalf("sentinel leaked to the model")
		}
	}
}

func TestSuggestionsReturnsCleanList(t *testing.T) {
	model := &mockModel{reply: "```json\n{\"suggestions\": [\" What is new? \", \"\", \"How is it tested?\", \"Why it works?\"]}\n```"}
	router := newTestServer(t, model)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", models.ChatRequest{
		Messages:            []models.Message{textMessage(models.RoleUser, "q"), textMessage(models.RoleAssistant, "a")},
		PDFData:             samplePDF,
		SystemPrompt:        prompt.PreferenceSummary(models.DefaultPreferences()),
		IsSuggestionRequest: true,
	}, nil)
	assertStatus(t, rec, http.StatusOK)
	var body models.SuggestionsResponse
	decodeJSON(t, rec.Body.Bytes(), &body)
	want := []string{"What is new?", "How is it tested?", "Why it works?"}
	if strings.Join(body.Suggestions, "|") != strings.Join(want, "|") {
		t.Fatalf("suggestions mismatch: %#v", body.Suggestions)
	}
	p := model.lastPrompt(t)
	if !p.JSON || !strings.Contains(p.System, "Beginner") {
		t.Fatalf("suggestion prompt should be JSON and carry preferences: %#v", p)
	}
	if !bytes.Equal(p.Turns[0].PDF, samplePDF) {
		t.Fatalf("pdfData should be attached to the first user turn")
	}
}

func TestSuggestionsRequirePDF(t *testing.T) {
	router := newTestServer(t, &mockModel{})
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", models.ChatRequest{IsSuggestionRequest: true}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
	rec = doJSONRequest(t, router, http.MethodPost, "/api/chat", models.ChatRequest{IsTitleRequest: true}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestSuggestionsRejectsMalformedReply(t *testing.T) {
	router := newTestServer(t, &mockModel{reply: "I think you should ask about the results."})
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", models.ChatRequest{PDFData: samplePDF, IsSuggestionRequest: true}, nil)
	assertStatus(t, rec, http.StatusBadGateway)
}

func TestTitleIsCleaned(t *testing.T) {
	model := &mockModel{reply: `{"title": "\"Deep Residual Learning for Image Recognition.\""}`}
	router := newTestServer(t, model)

	body := map[string]any{
		"messages":       []any{},
		"pdfData":        []int{37, 80, 68, 70, 45},
		"isTitleRequest": true,
	}
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", body, nil)
	assertStatus(t, rec, http.StatusOK)
	var resp models.TitleResponse
	decodeJSON(t, rec.Body.Bytes(), &resp)
	if resp.Title != "Deep Residual Learning for" {
		t.Fatalf("title mismatch: %q", resp.Title)
	}
	p := model.lastPrompt(t)
	if string(p.Turns[0].PDF) != "%PDF-" {
		t.Fatalf("numeric pdfData should decode to bytes, got %q", p.Turns[0].PDF)
	}
}

func TestChatValidation(t *testing.T) {
	router := newTestServer(t, &mockModel{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"messages": []any{}}, nil)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": 42}},
	}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestChatModelFailure(t *testing.T) {
	model := &mockModel{streamErr: errors.New("upstream unavailable")}
	router := newTestServer(t, model)
	rec := postSSE(t, router, "/api/chat", models.ChatRequest{Messages: []models.Message{textMessage(models.RoleUser, "hi")}})
	assertStatus(t, rec, http.StatusBadGateway)

	model.chunks = []string{"partial"}
	rec = postSSE(t, router, "/api/chat", models.ChatRequest{Messages: []models.Message{textMessage(models.RoleUser, "hi")}})
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	if len(events) != 2 || events[1].Name != "error" {
		t.Fatalf("expected stream then error event, got %#v", events)
	}
	var payload models.StreamError
	decodeJSON(t, []byte(events[1].Data), &payload)
	if payload.Message != "upstream unavailable" {
		t.Fatalf("error payload mismatch: %q", payload.Message)
	}
}

func TestBusyDispatcher(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(NewHandler(&mockModel{}, busyDispatcher{}, time.Minute), nil)
	rec := postSSE(t, router, "/api/chat", models.ChatRequest{Messages: []models.Message{textMessage(models.RoleUser, "hi")}})
	assertStatus(t, rec, http.StatusTooManyRequests)
}

type slowModel struct{ mockModel }

func (m *slowModel) Generate(ctx context.Context, p ai.Prompt) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestModelTimeout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := worker.NewDispatcher(1, 1, 4, time.Minute)
	t.Cleanup(d.Stop)
	router := NewRouter(NewHandler(&slowModel{}, d, 20*time.Millisecond), nil)
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", models.ChatRequest{PDFData: samplePDF, IsTitleRequest: true}, nil)
	assertStatus(t, rec, http.StatusGatewayTimeout)
}

func TestQueuedRequestTimesOutWhenWorkersAreBusy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := worker.NewDispatcher(1, 1, 4, time.Minute)
	t.Cleanup(d.Stop)
	started := make(chan struct{})
	gate := make(chan struct{})
	if err := d.Submit(context.Background(), "other", func(context.Context) {
		close(started)
		<-gate
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	defer close(gate)

	router := NewRouter(NewHandler(&mockModel{chunks: []string{"late"}}, d, 50*time.Millisecond), nil)
	begin := time.Now()
	rec := postSSE(t, router, "/api/chat", models.ChatRequest{Messages: []models.Message{textMessage(models.RoleUser, "hi")}})
	assertStatus(t, rec, http.StatusGatewayTimeout)
	if waited := time.Since(begin); waited > time.Second {
		t.Fatalf("timeout answered after %v", waited)
	}
}

func TestHealth(t *testing.T) {
	router := newTestServer(t, &mockModel{})
	rec := doJSONRequest(t, router, http.MethodGet, "/api/health", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Status  string       `json:"status"`
		Workers worker.Stats `json:"workers"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Status != "ok" || body.Workers.Workers < 1 {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestClientRoundTrip(t *testing.T) {
	model := &mockModel{chunks: []string{"Hello ", "there"}, reply: `{"title": "Graph Neural Networks"}`}
	srv := httptest.NewServer(newTestServer(t, model))
	defer srv.Close()

	c := client.New(srv.URL+"/api/chat", srv.Client())
	var deltas []string
	full, err := c.Stream(context.Background(), &models.ChatRequest{
		Messages: []models.Message{pdfMessage("hi")},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "Hello there" || len(deltas) != 2 {
		t.Fatalf("stream mismatch: %q %v", full, deltas)
	}

	title, err := c.Title(context.Background(), &models.ChatRequest{PDFData: samplePDF})
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	if title != "Graph Neural Networks" {
		t.Fatalf("title mismatch: %q", title)
	}

	if got := c.Suggestions(context.Background(), &models.ChatRequest{}); len(got) != 0 {
		t.Fatalf("suggestions without a document should come back empty, got %v", got)
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, map[string]string{"Accept": "text/event-stream"})
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
