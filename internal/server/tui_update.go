// ABOUTME: TUI driver for the server
// ABOUTME: Feeds engine changes and a once-per-second refresh into the bubbletea program
package server

import (
	"context"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/registry"
	tea "github.com/charmbracelet/bubbletea"
)

// ServerTUI manages the server TUI
type ServerTUI struct {
	server  *Server
	source  string
	opts    []tea.ProgramOption
	changed chan struct{}
}

// NewServerTUI creates a TUI for s. source names the audio being played.
func NewServerTUI(s *Server, source string, opts ...tea.ProgramOption) *ServerTUI {
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	return &ServerTUI{
		server:  s,
		source:  source,
		opts:    opts,
		changed: make(chan struct{}, 1),
	}
}

// Run shows the TUI until the user quits or ctx is cancelled. It returns
// nil in both cases.
func (t *ServerTUI) Run(ctx context.Context) error {
	m := tuiModel{
		status:    buildStatus(t.server, t.source),
		startTime: time.Now(),
		onReboot:  t.server.RequestReboot,
	}

	program := tea.NewProgram(m, append(t.opts, tea.WithContext(ctx))...)

	unsubscribe := t.server.Subscribe(func(registry.Event) {
		select {
		case t.changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.changed:
			case <-ticker.C:
			}
			program.Send(statusMsg(buildStatus(t.server, t.source)))
		}
	}()

	_, err := program.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
