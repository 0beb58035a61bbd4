package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"paperchat/internal/models"
	"paperchat/internal/notify"
	"paperchat/internal/paperchat"
	"paperchat/internal/pdfctx"
)

// VisibleSuggestions is how many suggestions are shown at once.
const VisibleSuggestions = 4

// Session is a line-oriented chat REPL over an App.
type Session struct {
	app *paperchat.App
	in  *bufio.Scanner
	out io.Writer

	mu          sync.Mutex
	streaming   bool
	threadID    string
	msgID       string
	printed     int
	suggestions []string
	lastNotice  string
}

func New(app *paperchat.App, in io.Reader, out io.Writer) *Session {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Session{app: app, in: scanner, out: out}
}

// Run reads commands until EOF, /quit or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	unsubscribe := s.app.Subscribe(s.onEvent)
	defer unsubscribe()
	unsubscribeNotices := s.app.Notices().Subscribe(s.onNotices)
	defer unsubscribeNotices()

	s.printf("paperchat: type /help for commands\n")
	if name, ok := s.app.Document(); ok {
		s.describeDocument(name)
	}
	for {
		if s.app.Phase() == paperchat.PhaseAwaitingSurvey {
			if err := s.survey(ctx); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			continue
		}
		line, err := s.readLine("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if line == "" {
			continue
		}
		if quit := s.handle(ctx, line); quit {
			return nil
		}
	}
}

func (s *Session) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		s.send(ctx, line)
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		s.help()
	case "/load":
		s.load(ctx, arg)
	case "/new":
		s.app.NewChat(ctx)
		s.printf("started a new chat\n")
	case "/threads":
		s.listThreads()
	case "/switch":
		s.switchThread(arg)
	case "/history":
		s.history()
	case "/select":
		if arg == "" {
			s.printf("usage: /select <excerpt>\n")
			return false
		}
		s.app.Select(arg)
		s.printf("excerpt selected (%d characters)\n", len([]rune(arg)))
	case "/clear":
		s.app.ClearSelection()
		s.printf("selection cleared\n")
	case "/prefs":
		s.updatePreferences(ctx, arg)
	case "/dismiss":
		s.app.DismissError()
		s.printf("error dismissed\n")
	case "/suggest":
		if err := s.app.RefreshSuggestions(s.app.ActiveThread()); err != nil {
			s.printf("cannot fetch suggestions: %v\n", err)
		}
	case "/ask":
		s.ask(ctx, arg)
	default:
		s.printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func (s *Session) help() {
	s.printf(`commands:
  <text>              ask about the paper
  /ask <n>            ask suggestion n
  /suggest            refresh suggestions
  /select <excerpt>   attach a highlighted excerpt to the next questions
  /clear              drop the excerpt
  /prefs <level> | <goal>   change preferences, e.g. /prefs Expert | Deep dive
  /load <file.pdf>    open another paper
  /new                start a new chat
  /threads            list chats
  /switch <n>         switch to chat n
  /history            print the current chat
  /dismiss            dismiss the last error
  /quit               leave
`)
}

// send blocks until the reply and its suggestions are in.
func (s *Session) send(ctx context.Context, text string) {
	err := s.app.Send(ctx, text)
	s.app.Wait()
	switch {
	case err == nil:
		if s.app.LastError() != nil {
			s.app.DismissError()
		}
	case errors.Is(err, context.Canceled):
		s.printf("\n(reply cancelled)\n")
	case errors.Is(err, paperchat.ErrNotReady), errors.Is(err, paperchat.ErrTurnInFlight):
		s.printf("%v\n", err)
	default:
		// the notice subscription already reported it
	}
}

func (s *Session) ask(ctx context.Context, arg string) {
	n, err := strconv.Atoi(arg)
	s.mu.Lock()
	list := s.suggestions
	s.mu.Unlock()
	if err != nil || n < 1 || n > len(list) || n > VisibleSuggestions {
		s.printf("usage: /ask <n> with n between 1 and %d\n", min(len(list), VisibleSuggestions))
		return
	}
	question := list[n-1]
	s.printf("> %s\n", question)
	s.send(ctx, question)
}

// LoadFile reads path and hands it to the app as a new document.
func (s *Session) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	if err := s.app.LoadPDF(ctx, name, data); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	s.describeDocument(name)
	return nil
}

func (s *Session) load(ctx context.Context, path string) {
	if path == "" {
		s.printf("usage: /load <file.pdf>\n")
		return
	}
	if err := s.LoadFile(ctx, path); err != nil {
		s.printf("%v\n", err)
	}
}

func (s *Session) describeDocument(name string) {
	s.mu.Lock()
	s.suggestions = nil
	s.mu.Unlock()
	if data := s.app.DocumentBytes(); data != nil {
		if pages, err := pdfctx.PageCount(data); err == nil {
			s.printf("loaded %s (%d pages)\n", name, pages)
			return
		}
	}
	s.printf("loaded %s\n", name)
}

func (s *Session) survey(ctx context.Context) error {
	s.printf("Before we start, tell me a little about yourself.\n")
	familiarity, err := s.choose("How familiar are you with the topic?", []string{string(models.FamiliarityBeginner), string(models.FamiliarityExpert)})
	if err != nil {
		return err
	}
	goal, err := s.choose("What is your goal regarding this paper?", []string{string(models.GoalSkim), string(models.GoalDeepDive)})
	if err != nil {
		return err
	}
	p := models.Preferences{Familiarity: models.Familiarity(familiarity), Goal: models.Goal(goal)}
	if err := s.app.SubmitSurvey(ctx, p); err != nil {
		s.printf("survey failed: %v\n", err)
		return nil
	}
	s.app.Wait()
	if msgs := s.app.VisibleMessages(); len(msgs) > 0 {
		if last := msgs[len(msgs)-1]; last.Role == models.RoleSystem {
			s.printf("%s\n", last.Content.Text())
		}
	}
	return nil
}

func (s *Session) choose(question string, options []string) (string, error) {
	for {
		s.printf("%s\n", question)
		for i, opt := range options {
			s.printf("  %d) %s\n", i+1, opt)
		}
		line, err := s.readLine("? ")
		if err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}
		for _, opt := range options {
			if strings.EqualFold(line, opt) {
				return opt, nil
			}
		}
		s.printf("please pick one of the options\n")
	}
}

func (s *Session) updatePreferences(ctx context.Context, arg string) {
	level, goal, ok := strings.Cut(arg, "|")
	if !ok {
		s.printf("usage: /prefs <Beginner|Expert> | <Just skimming|Deep dive>\n")
		return
	}
	f, err := models.ParseFamiliarity(level)
	if err != nil {
		s.printf("%v\n", err)
		return
	}
	g, err := models.ParseGoal(goal)
	if err != nil {
		s.printf("%v\n", err)
		return
	}
	if err := s.app.UpdatePreferences(ctx, models.Preferences{Familiarity: f, Goal: g}); err != nil {
		s.printf("%v\n", err)
		return
	}
	s.printf("preferences updated: %s, %s\n", f, g)
}

func (s *Session) listThreads() {
	active := s.app.ActiveThread()
	for i, t := range s.app.Threads() {
		marker := " "
		if t.ID == active {
			marker = "*"
		}
		s.printf("%s %d) %s  (%d messages, %s)\n", marker, i+1, t.Name, len(models.WithoutSentinel(t.Messages)), t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func (s *Session) switchThread(arg string) {
	threads := s.app.Threads()
	id := arg
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(threads) {
		id = threads[n-1].ID
	}
	if !s.app.SwitchThread(id) {
		s.printf("no such chat %q\n", arg)
		return
	}
	s.mu.Lock()
	s.suggestions = s.app.Suggestions()
	s.mu.Unlock()
	s.history()
}

func (s *Session) history() {
	for _, msg := range s.app.VisibleMessages() {
		switch msg.Role {
		case models.RoleUser:
			s.printf("you: %s\n\n", msg.Content.Text())
		case models.RoleAssistant:
			s.printf("assistant: %s\n\n", msg.Content.Text())
		default:
			s.printf("-- %s --\n\n", msg.Content.Text())
		}
	}
}

func (s *Session) onEvent(ev paperchat.Event) {
	switch ev.Kind {
	case paperchat.EventBusy:
		s.mu.Lock()
		wasStreaming := s.streaming && s.printed > 0
		s.streaming = ev.Busy
		s.threadID = ev.ThreadID
		s.msgID, s.printed = "", 0
		s.mu.Unlock()
		if wasStreaming && !ev.Busy {
			s.printf("\n\n")
		}
	case paperchat.EventMessages:
		s.printDelta(ev)
	case paperchat.EventPhase:
		switch ev.Phase {
		case paperchat.PhaseGeneratingTitle:
			s.printf("generating a title...\n")
		case paperchat.PhaseStreamingSummary:
			s.printf("summarising the paper...\n\n")
		}
	case paperchat.EventTitle:
		s.printf("chat renamed to %q\n", ev.Title)
	case paperchat.EventSuggestions:
		if ev.ThreadID != s.app.ActiveThread() {
			return
		}
		s.mu.Lock()
		s.suggestions = ev.Suggestions
		s.mu.Unlock()
		s.printSuggestions(ev.Suggestions)
	}
}

// printDelta writes the part of the streaming reply not printed yet.
func (s *Session) printDelta(ev paperchat.Event) {
	if len(ev.Messages) == 0 {
		return
	}
	last := ev.Messages[len(ev.Messages)-1]
	if last.Role != models.RoleAssistant {
		return
	}
	s.mu.Lock()
	if !s.streaming || ev.ThreadID != s.threadID {
		s.mu.Unlock()
		return
	}
	if last.ID != s.msgID {
		s.msgID, s.printed = last.ID, 0
	}
	text := last.Content.Text()
	if len(text) <= s.printed {
		s.mu.Unlock()
		return
	}
	delta := text[s.printed:]
	s.printed = len(text)
	s.mu.Unlock()
	s.printf("%s", delta)
}

func (s *Session) printSuggestions(list []string) {
	if len(list) == 0 {
		return
	}
	s.printf("you could ask:\n")
	for i, q := range list {
		if i == VisibleSuggestions {
			break
		}
		s.printf("  %d) %s\n", i+1, q)
	}
}

func (s *Session) onNotices(notices []notify.Notice) {
	if len(notices) == 0 || !notices[0].Open {
		return
	}
	n := notices[0]
	s.mu.Lock()
	seen := n.ID == s.lastNotice
	s.lastNotice = n.ID
	s.mu.Unlock()
	if !seen && n.Level == notify.LevelError {
		s.printf("\nerror: %s: %s\n", n.Title, n.Description)
	}
}

func (s *Session) readLine(prompt string) (string, error) {
	s.printf("%s", prompt)
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(s.in.Text()), nil
}

func (s *Session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}
