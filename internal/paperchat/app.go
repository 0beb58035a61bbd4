package paperchat

import (
	"context"
	"errors"
	"sync"

	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/notify"
	"paperchat/internal/pdfctx"
	"paperchat/internal/prefs"
	"paperchat/internal/prompt"
	"paperchat/internal/storage"
	"paperchat/internal/threads"
)

var (
	ErrTurnInFlight    = errors.New("a reply is still being generated")
	ErrNotReady        = errors.New("complete the survey before chatting")
	ErrSurveyCompleted = errors.New("survey already completed")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNoThread        = errors.New("no active thread")
	ErrNoPDF           = errors.New("no document loaded")
	ErrClosed          = errors.New("app closed")
)

// Completer is the remote completion endpoint as seen by the app.
type Completer interface {
	Stream(ctx context.Context, req *models.ChatRequest, onDelta func(string)) (string, error)
	Title(ctx context.Context, req *models.ChatRequest) (string, error)
	Suggestions(ctx context.Context, req *models.ChatRequest) []string
}

type EventKind string

const (
	EventPhase       EventKind = "phase"
	EventMessages    EventKind = "messages"
	EventSuggestions EventKind = "suggestions"
	EventTitle       EventKind = "title"
	EventBusy        EventKind = "busy"
	EventError       EventKind = "error"
)

// Event describes one state change. Only the fields of its kind are set.
type Event struct {
	Kind        EventKind
	ThreadID    string
	Phase       Phase
	Messages    []models.Message
	Suggestions []string
	Title       string
	Busy        bool
	Err         error
}

type Listener func(Event)

// App is the application root: one document, its threads and the
// requests made on their behalf.
type App struct {
	threads *threads.Store
	prefs   *prefs.Store
	pdf     *pdfctx.Holder
	bridge  *pdfctx.Bridge
	notices *notify.Store
	remote  Completer

	root       context.Context
	rootCancel context.CancelFunc

	mu            sync.Mutex
	phase         Phase
	busy          bool
	turnCancel    context.CancelFunc
	working       map[string][]models.Message
	docGen        uint64 // bumped by LoadPDF
	lastErr       error
	errNotice     string
	suggestions   map[string][]string
	suggestSeq    map[string]uint64
	suggestCancel map[string]context.CancelFunc
	listeners     map[int]Listener
	nextListener  int
	closed        bool

	wg sync.WaitGroup
}

// New wires an App over kv. A nil notices store gets a fresh one.
func New(kv storage.KV, remote Completer, notices *notify.Store) *App {
	if notices == nil {
		notices = notify.NewStore()
	}
	root, cancel := context.WithCancel(context.Background())
	return &App{
		threads:       threads.New(kv),
		prefs:         prefs.New(kv),
		pdf:           pdfctx.New(),
		bridge:        pdfctx.NewBridge(kv),
		notices:       notices,
		remote:        remote,
		root:          root,
		rootCancel:    cancel,
		phase:         PhaseReady,
		working:       make(map[string][]models.Message),
		suggestions:   make(map[string][]string),
		suggestSeq:    make(map[string]uint64),
		suggestCancel: make(map[string]context.CancelFunc),
		listeners:     make(map[int]Listener),
	}
}

// Start rehydrates threads and preferences and picks up a pending upload.
func (a *App) Start(ctx context.Context) {
	a.threads.Load(ctx)
	a.prefs.Load(ctx)

	name, data, err := a.bridge.Take(ctx)
	switch {
	case err == nil:
		if err := a.pdf.Load(name, data); err != nil {
			logger.Warnf("pending upload ignored: %v", err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		logger.Warnf("discarding unreadable upload: %v", err)
		if err := a.bridge.Clear(ctx); err != nil {
			logger.Warnf("clear upload: %v", err)
		}
	}

	if a.threads.Active() == "" {
		if a.pdf.Loaded() {
			a.threads.Create(ctx, models.DefaultThreadName, []models.Message{models.NewMessage(models.RoleUser, prompt.InitialUploadMessage)})
		} else {
			a.threads.Create(ctx, models.UntitledThreadName, nil)
		}
	}
	if a.pdf.Loaded() && !a.prefs.SurveyCompleted() {
		a.setPhase(PhaseAwaitingSurvey)
	} else {
		a.setPhase(PhaseReady)
	}
}

// LoadPDF loads a new document, records it on the upload bridge and opens a
// thread for it. The survey has to be answered again afterwards.
func (a *App) LoadPDF(ctx context.Context, name string, data []byte) error {
	if err := a.pdf.Load(name, data); err != nil {
		return err
	}
	if err := a.bridge.Put(ctx, name, data); err != nil {
		logger.Warnf("record upload: %v", err)
	}
	a.mu.Lock()
	a.docGen++
	a.mu.Unlock()
	a.cancelTurn()
	id := a.threads.Create(ctx, models.DefaultThreadName, []models.Message{models.NewMessage(models.RoleUser, prompt.InitialUploadMessage)})
	a.prefs.ResetSurvey(ctx)
	a.setPhase(PhaseAwaitingSurvey)
	a.emitMessages(id)
	a.notices.Push(notify.Notice{Level: notify.LevelInfo, Title: "PDF uploaded successfully", Description: "File: " + name})
	return nil
}

// NewChat cancels any running reply and activates an empty thread.
func (a *App) NewChat(ctx context.Context) string {
	a.cancelTurn()
	id := a.threads.Create(ctx, models.UntitledThreadName, nil)
	a.pdf.ClearSelection()
	a.emitMessages(id)
	return id
}

// SwitchThread cancels any running reply and activates id. Unknown ids
// are ignored and leave a running reply alone.
func (a *App) SwitchThread(id string) bool {
	if _, ok := a.threads.Get(id); !ok {
		return false
	}
	a.cancelTurn()
	if _, ok := a.threads.Switch(id); !ok {
		return false
	}
	a.pdf.ClearSelection()
	a.emitMessages(id)
	return true
}

func (a *App) Select(text string) { a.pdf.Select(text) }
func (a *App) ClearSelection() { a.pdf.ClearSelection() }
func (a *App) Selection() string { return a.pdf.Selection() }

// Document reports the loaded document name.
func (a *App) Document() (string, bool) {
	return a.pdf.Name(), a.pdf.Loaded()
}

// DocumentBytes returns the loaded document or nil.
func (a *App) DocumentBytes() []byte { return a.pdf.Bytes() }

func (a *App) Threads() []models.Thread { return a.threads.List() }
func (a *App) ActiveThread() string { return a.threads.Active() }
func (a *App) Preferences() models.Preferences { return a.prefs.Current() }
func (a *App) Notices() *notify.Store { return a.notices }

// VisibleMessages returns the messages of the active thread without the
// summary sentinel, including a reply that is still streaming.
func (a *App) VisibleMessages() []models.Message {
	return models.WithoutSentinel(a.messagesFor(a.threads.Active()))
}

// Suggestions returns the follow-up questions of the active thread.
func (a *App) Suggestions() []string {
	id := a.threads.Active()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.suggestions[id]))
	copy(out, a.suggestions[id])
	return out
}

func (a *App) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Busy reports whether the chat input is locked.
func (a *App) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *App) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// DismissError clears the last error and closes its notice.
func (a *App) DismissError() {
	a.mu.Lock()
	a.lastErr = nil
	id := a.errNotice
	a.errNotice = ""
	a.mu.Unlock()
	if id != "" {
		a.notices.Dismiss(id)
	}
}

// Subscribe registers fn for state changes and returns its remover.
// Listeners run synchronously on the goroutine that caused the change.
func (a *App) Subscribe(fn Listener) func() {
	a.mu.Lock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Wait blocks until background suggestion fetches have finished.
func (a *App) Wait() {
	a.wg.Wait()
}

// Close cancels every request and waits for background work.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.turnCancel != nil {
		a.turnCancel()
	}
	a.mu.Unlock()
	a.rootCancel()
	a.wg.Wait()
	a.notices.Close()
}

func (a *App) emit(ev Event) {
	a.mu.Lock()
	listeners := make([]Listener, 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (a *App) emitMessages(threadID string) {
	a.emit(Event{Kind: EventMessages, ThreadID: threadID, Messages: models.WithoutSentinel(a.messagesFor(threadID))})
}

func (a *App) setPhase(p Phase) {
	a.mu.Lock()
	changed := a.phase != p
	a.phase = p
	a.mu.Unlock()
	if changed {
		a.emit(Event{Kind: EventPhase, Phase: p})
	}
}

func (a *App) documentGeneration() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.docGen
}

// advance moves to p unless another document was loaded since gen.
func (a *App) advance(gen uint64, p Phase) bool {
	a.mu.Lock()
	if a.docGen != gen {
		a.mu.Unlock()
		return false
	}
	changed := a.phase != p
	a.phase = p
	a.mu.Unlock()
	if changed {
		a.emit(Event{Kind: EventPhase, Phase: p})
	}
	return true
}

// messagesFor returns the in-flight snapshot of threadID or its stored messages.
func (a *App) messagesFor(threadID string) []models.Message {
	a.mu.Lock()
	if w, ok := a.working[threadID]; ok {
		out := models.CloneMessages(w)
		a.mu.Unlock()
		return out
	}
	a.mu.Unlock()
	t, ok := a.threads.Get(threadID)
	if !ok {
		return nil
	}
	return t.Messages
}

func (a *App) setWorking(threadID string, msgs []models.Message) {
	a.mu.Lock()
	a.working[threadID] = models.CloneMessages(msgs)
	a.mu.Unlock()
	a.emit(Event{Kind: EventMessages, ThreadID: threadID, Messages: models.WithoutSentinel(models.CloneMessages(msgs))})
}

// beginTurn locks the input and captures the thread every write of the turn goes to.
func (a *App) beginTurn(ctx context.Context) (context.Context, string, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, "", ErrClosed
	}
	if a.busy {
		a.mu.Unlock()
		return nil, "", ErrTurnInFlight
	}
	threadID := a.threads.Active()
	if threadID == "" {
		a.mu.Unlock()
		return nil, "", ErrNoThread
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.busy = true
	a.turnCancel = cancel
	a.mu.Unlock()
	a.emit(Event{Kind: EventBusy, ThreadID: threadID, Busy: true})
	return turnCtx, threadID, nil
}

// endTurn persists the final snapshot to the captured thread and unlocks the input.
func (a *App) endTurn(ctx context.Context, threadID string, final []models.Message) {
	a.threads.Replace(context.WithoutCancel(ctx), threadID, final)
	a.mu.Lock()
	delete(a.working, threadID)
	if a.turnCancel != nil {
		a.turnCancel()
		a.turnCancel = nil
	}
	a.busy = false
	a.mu.Unlock()
	a.emitMessages(threadID)
	a.emit(Event{Kind: EventBusy, ThreadID: threadID, Busy: false})
}

func (a *App) cancelTurn() {
	a.mu.Lock()
	if a.turnCancel != nil {
		a.turnCancel()
	}
	a.mu.Unlock()
}

func (a *App) fail(threadID string, err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
	logger.WithField("thread", threadID).Warnf("chat turn failed: %v", err)
	id := a.notices.Push(notify.Notice{Level: notify.LevelError, Title: "Failed to get a response", Description: err.Error()})
	a.mu.Lock()
	a.errNotice = id
	a.mu.Unlock()
	a.emit(Event{Kind: EventError, ThreadID: threadID, Err: err})
}
