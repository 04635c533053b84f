package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chenkeao/popup-ai/internal/domain"
)

// TextPlaceholder is replaced by the initial text in presenter commands.
const TextPlaceholder = "{text}"

// windowState is the conversation held by the current window.
type windowState struct {
	ID        string `json:"conversation_id"`
	Text      string `json:"initial_text"`
	CreatedAt int64  `json:"created_at"`
}

func newWindowState(text string) *windowState {
	return &windowState{ID: uuid.NewString(), Text: text, CreatedAt: time.Now().UnixMilli()}
}

func (w *windowState) snapshot() *domain.ConversationSnapshot {
	payload, _ := json.Marshal(w)
	return &domain.ConversationSnapshot{
		ConversationID: w.ID,
		Payload:        payload,
		TakenAt:        time.Now(),
	}
}

// LogPresenter stands in for a GUI: every ShowWindow replaces the
// current window and is logged.
type LogPresenter struct {
	logger *zap.Logger
	window *windowState
	shown  int
}

// NewLogPresenter creates a LogPresenter.
func NewLogPresenter(logger *zap.Logger) *LogPresenter {
	return &LogPresenter{logger: logger}
}

// ShowWindow replaces the current window.
func (p *LogPresenter) ShowWindow(initialText string) error {
	if p.window != nil {
		p.logger.Info("replacing window", zap.String("conversation_id", p.window.ID))
	}
	p.window = newWindowState(initialText)
	p.shown++
	p.logger.Info("window shown",
		zap.String("conversation_id", p.window.ID),
		zap.Int("text_length", len(initialText)))
	return nil
}

// RunningConversationState reports the conversation of the current
// window, if it has any content.
func (p *LogPresenter) RunningConversationState() (*domain.ConversationSnapshot, bool) {
	if p.window == nil || p.window.Text == "" {
		return nil, false
	}
	return p.window.snapshot(), true
}

// Shown returns how many windows have been shown.
func (p *LogPresenter) Shown() int {
	return p.shown
}

// CommandPresenter shows windows by running an external GUI command.
// Each ShowWindow terminates the previous window process, if any, and
// starts a new one with TextPlaceholder substituted in its arguments.
type CommandPresenter struct {
	argv   []string
	env    []string
	logger *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	window *windowState
	exited chan struct{}
}

// NewCommandPresenter creates a presenter running argv. argv must not be
// empty.
func NewCommandPresenter(argv []string, logger *zap.Logger) (*CommandPresenter, error) {
	if len(argv) == 0 {
		return nil, errors.New("presenter command is empty")
	}
	return &CommandPresenter{
		argv:   append([]string(nil), argv...),
		env:    os.Environ(),
		logger: logger,
	}, nil
}

// expand substitutes text into the configured command.
func (p *CommandPresenter) expand(text string) []string {
	out := make([]string, len(p.argv))
	for i, arg := range p.argv {
		out[i] = strings.ReplaceAll(arg, TextPlaceholder, text)
	}
	return out
}

// ShowWindow replaces the running window process with a new one.
func (p *CommandPresenter) ShowWindow(initialText string) error {
	p.closeWindow()

	argv := p.expand(initialText)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = p.env
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start presenter command: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.logger.Debug("window process exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		close(exited)
	}()

	p.mu.Lock()
	p.cmd = cmd
	p.window = newWindowState(initialText)
	p.exited = exited
	p.mu.Unlock()

	p.logger.Info("window shown", zap.Int("pid", cmd.Process.Pid), zap.Int("text_length", len(initialText)))
	return nil
}

// RunningConversationState reports the conversation of the live window
// process, if it has any content.
func (p *CommandPresenter) RunningConversationState() (*domain.ConversationSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.window == nil || p.window.Text == "" || !p.aliveLocked() {
		return nil, false
	}
	return p.window.snapshot(), true
}

func (p *CommandPresenter) aliveLocked() bool {
	if p.exited == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// closeWindow terminates the current window process and waits briefly
// for it to exit.
func (p *CommandPresenter) closeWindow() {
	p.mu.Lock()
	cmd, exited, alive := p.cmd, p.exited, p.aliveLocked()
	p.cmd, p.window, p.exited = nil, nil, nil
	p.mu.Unlock()

	if !alive {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
	case <-time.After(time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
}

// Close terminates the current window process, if any.
func (p *CommandPresenter) Close() {
	p.closeWindow()
}

// Ensure presenters implement domain.Presenter.
var (
	_ domain.Presenter = (*LogPresenter)(nil)
	_ domain.Presenter = (*CommandPresenter)(nil)
)
