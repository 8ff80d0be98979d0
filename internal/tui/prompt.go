package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mailreg/internal/license"
)

// ErrCancelled is returned by RunActivation when the operator quits the
// prompt without activating.
var ErrCancelled = errors.New("activation cancelled")

// ActivateFunc performs the activation for a key typed at the prompt.
type ActivateFunc func(ctx context.Context, key string) (*license.ActivationResult, error)

type activationMsg struct {
	result *license.ActivationResult
	err    error
}

// ActivationModel is the bubbletea model of the key prompt. A failed
// activation keeps the prompt open so the operator can correct the key.
type ActivationModel struct {
	ctx      context.Context
	activate ActivateFunc
	keyInput textinput.Model

	busy      bool
	message   string
	msgStyle  lipgloss.Style
	result    *license.ActivationResult
	err       error
	cancelled bool
}

// NewActivationModel creates the prompt.
func NewActivationModel(ctx context.Context, activate ActivateFunc) ActivationModel {
	keyInput := textinput.New()
	keyInput.Placeholder = "XXXX-XXXX-XXXX"
	keyInput.CharLimit = 32
	keyInput.Width = 32
	keyInput.Focus()

	return ActivationModel{
		ctx:      ctx,
		activate: activate,
		keyInput: keyInput,
		msgStyle: valueStyle,
	}
}

// Init implements tea.Model
func (m ActivationModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model
func (m ActivationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.cancelled = true
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			key := license.NormalizeKey(m.keyInput.Value())
			if err := license.ValidateKeyFormat(key); err != nil {
				m.message = "That does not look like a license key"
				m.msgStyle = errorStyle
				return m, nil
			}
			m.busy = true
			m.message = "Activating license..."
			m.msgStyle = valueStyle
			ctx, activate := m.ctx, m.activate
			return m, func() tea.Msg {
				result, err := activate(ctx, key)
				return activationMsg{result: result, err: err}
			}
		}

	case activationMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
			m.message = "Activation failed: " + activationFailure(msg.result, msg.err)
			m.msgStyle = errorStyle
			return m, nil
		}
		m.err = nil
		m.result = msg.result
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.keyInput, cmd = m.keyInput.Update(msg)
	return m, cmd
}

func activationFailure(result *license.ActivationResult, err error) string {
	if result != nil && result.Message != "" {
		return result.Message
	}
	return err.Error()
}

// View implements tea.Model
func (m ActivationModel) View() string {
	if m.result != nil {
		return RenderActivation(m.result) + "\n"
	}
	if m.cancelled {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Activate License"))
	b.WriteString("\n\n")
	b.WriteString("License Key: ")
	b.WriteString(m.keyInput.View())
	b.WriteString("\n\n")
	if m.message != "" {
		b.WriteString(m.msgStyle.Render(m.message))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter: activate • esc: cancel"))
	return boxStyle.Render(b.String())
}

// Result returns the successful activation, if any.
func (m ActivationModel) Result() *license.ActivationResult {
	return m.result
}

// RunActivation shows the prompt until a key activates or the operator
// cancels.
func RunActivation(ctx context.Context, activate ActivateFunc, opts ...tea.ProgramOption) (*license.ActivationResult, error) {
	final, err := tea.NewProgram(NewActivationModel(ctx, activate), opts...).Run()
	if err != nil {
		return nil, fmt.Errorf("run prompt: %w", err)
	}
	m := final.(ActivationModel)
	if m.result == nil {
		if m.err != nil {
			return nil, m.err
		}
		return nil, ErrCancelled
	}
	return m.result, nil
}
