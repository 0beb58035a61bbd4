package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/prompt"
	"paperchat/internal/service/ai"
	"paperchat/internal/worker"
)

const defaultRequestTimeout = 2 * time.Minute

// Dispatcher runs model calls on the bounded worker pool.
type Dispatcher interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context)) error
	Stats() worker.Stats
}

// Handler serves the completion endpoint.
type Handler struct {
	model   ai.Model
	workers Dispatcher
	timeout time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(model ai.Model, workers Dispatcher, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Handler{model: model, workers: workers, timeout: timeout}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/chat", h.chat)
	api.GET("/health", h.health)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workers": h.workers.Stats()})
}

func (h *Handler) chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	flavor := req.Flavor()
	pdf := documentBytes(&req)
	key := dispatchKey(&req, pdf)
	logger.WithFields(map[string]interface{}{"flavor": flavor, "messages": len(req.Messages), "pdf_bytes": len(pdf)}).Debugf("chat request")

	switch flavor {
	case models.FlavorSuggestions:
		if len(pdf) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pdfData is required for suggestions"})
			return
		}
		h.suggestions(c, ctx, key, &req, pdf)
	case models.FlavorTitle:
		if len(pdf) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pdfData is required for a title"})
			return
		}
		h.title(c, ctx, key, pdf)
	case models.FlavorSummary:
		system := req.SystemPrompt
		if system == "" {
			system = prompt.SummaryTemplate(req.Preferences())
		}
		turns := conversation(req.Messages, pdf)
		turns = append(turns, ai.Turn{Role: models.RoleUser, Text: prompt.SummaryRequest})
		h.stream(c, ctx, key, ai.Prompt{System: system, Turns: turns})
	default:
		if len(req.Messages) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "messages are required"})
			return
		}
		system := req.SystemPrompt
		if system == "" {
			system = prompt.DefaultSystemPrompt
		}
		h.stream(c, ctx, key, ai.Prompt{System: system, Turns: conversation(req.Messages, pdf)})
	}
}

// stream relays model deltas as SSE. Failures before the first delta are
// answered with a JSON error; later ones with an error event.
func (h *Handler) stream(c *gin.Context, ctx context.Context, key string, p ai.Prompt) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
	}
	sendEvent := func(event string, payload interface{}) error {
		start()
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	var (
		full      string
		streamErr error
	)
	err := h.workers.Do(ctx, key, func(ctx context.Context) {
		full, streamErr = h.model.Stream(ctx, p, func(delta string) error {
			return sendEvent(models.EventStream, models.StreamPayload{Content: delta})
		})
	})
	if err != nil {
		h.dispatchError(c, err)
		return
	}
	if streamErr != nil {
		logger.Warnf("model stream failed: %v", streamErr)
		if !started {
			h.modelError(c, streamErr)
			return
		}
		_ = sendEvent(models.EventError, models.StreamError{Message: streamErr.Error()})
		return
	}
	_ = sendEvent(models.EventDone, models.StreamPayload{Content: full})
}

func (h *Handler) title(c *gin.Context, ctx context.Context, key string, pdf []byte) {
	p := ai.Prompt{
		JSON:  true,
		Turns: []ai.Turn{{Role: models.RoleUser, Text: prompt.TitleInstruction, PDF: pdf}},
	}
	raw, ok := h.generate(c, ctx, key, p)
	if !ok {
		return
	}
	var resp models.TitleResponse
	if err := decodeObject(raw, &resp); err != nil {
		resp.Title = raw
	}
	resp.Title = prompt.CleanTitle(resp.Title)
	if resp.Title == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "model returned no title"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) suggestions(c *gin.Context, ctx context.Context, key string, req *models.ChatRequest, pdf []byte) {
	turns := conversation(req.Messages, pdf)
	turns = append(turns, ai.Turn{Role: models.RoleUser, Text: prompt.SuggestionRequest})
	p := ai.Prompt{
		System: prompt.SuggestionInstruction(req.SystemPrompt, req.SelectedText),
		Turns:  turns,
		JSON:   true,
	}
	raw, ok := h.generate(c, ctx, key, p)
	if !ok {
		return
	}
	var resp models.SuggestionsResponse
	if err := decodeObject(raw, &resp); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("decode suggestions: %v", err)})
		return
	}
	resp.Suggestions = prompt.CleanSuggestions(resp.Suggestions)
	if len(resp.Suggestions) < prompt.MinSuggestions {
		c.JSON(http.StatusBadGateway, gin.H{"error": "model returned too few suggestions"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// generate runs a one-shot model call and answers errors itself.
func (h *Handler) generate(c *gin.Context, ctx context.Context, key string, p ai.Prompt) (string, bool) {
	var (
		raw    string
		genErr error
	)
	err := h.workers.Do(ctx, key, func(ctx context.Context) {
		raw, genErr = h.model.Generate(ctx, p)
	})
	if err != nil {
		h.dispatchError(c, err)
		return "", false
	}
	if genErr != nil {
		logger.Warnf("model generate failed: %v", genErr)
		h.modelError(c, genErr)
		return "", false
	}
	return raw, true
}

// modelError answers a failed model call. Deadlines and disconnects keep
// their own status codes.
func (h *Handler) modelError(c *gin.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		h.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (h *Handler) dispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

// conversation turns wire messages into model turns. Inline notices and the
// summary sentinel are dropped. The document rides on the first file
// segment, or on the first user turn when it only came as pdfData.
func conversation(msgs []models.Message, pdf []byte) []ai.Turn {
	turns := make([]ai.Turn, 0, len(msgs)+1)
	attached := false
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem || models.IsSentinel(msg) {
			continue
		}
		turn := ai.Turn{Role: msg.Role, Text: msg.Content.Text()}
		if file, ok := msg.Content.File(); ok && !attached && len(file.Data) > 0 {
			turn.PDF = file.Data
			attached = true
		}
		turns = append(turns, turn)
	}
	if attached || len(pdf) == 0 {
		return turns
	}
	for i := range turns {
		if turns[i].Role == models.RoleUser {
			turns[i].PDF = pdf
			return turns
		}
	}
	return append([]ai.Turn{{Role: models.RoleUser, PDF: pdf}}, turns...)
}

// documentBytes returns pdfData or the first file segment of the request.
func documentBytes(req *models.ChatRequest) []byte {
	if len(req.PDFData) > 0 {
		return req.PDFData
	}
	for _, msg := range req.Messages {
		if file, ok := msg.Content.File(); ok && len(file.Data) > 0 {
			return file.Data
		}
	}
	return nil
}

// dispatchKey groups requests about the same document.
func dispatchKey(req *models.ChatRequest, pdf []byte) string {
	h := sha256.New()
	if len(pdf) > 0 {
		h.Write(pdf)
	} else if len(req.Messages) > 0 {
		h.Write([]byte(req.Messages[0].Content.Text()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// decodeObject parses the JSON object in a model reply, tolerating code
// fences and text around it.
func decodeObject(raw string, v interface{}) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return errors.New("no JSON object in reply")
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}
