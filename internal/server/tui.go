// ABOUTME: Server TUI showing workers, clients, modules, the time authority and switches
// ABOUTME: Real-time engine status display using bubbletea
package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ServerStatus holds server state for TUI
type ServerStatus struct {
	ServerID   string
	Interface  string
	Source     string
	Connected  bool
	PacketTime int64
	Sent       uint64
	Dropped    uint64
	Workers    []WorkerInfo
	Clients    []ClientInfo
	Modules    []ModuleInfo
	Authority  *AuthorityInfo
	Switches   []SwitchInfo
}

// WorkerInfo holds one worker row
type WorkerInfo struct {
	Name  string
	State string
}

// ClientInfo holds client information for display
type ClientInfo struct {
	IP         string
	Serial     uint32
	ModuleID   uint16
	PTPLocked  bool
	BufferFill uint8
	CPU        float32
	OffsetNs   int64
}

// ModuleInfo holds module information for display
type ModuleInfo struct {
	IP        string
	ID        uint32
	Connected bool
}

// AuthorityInfo holds the time authority row
type AuthorityInfo struct {
	IP            string
	NumClients    int32
	AvgBufferFill int32
	Underruns     int32
	Overflows     int32
	Connected     bool
}

// SwitchInfo holds one switch row
type SwitchInfo struct {
	ID           string
	IP           string
	FreqDriftPPB float64
	OffsetNs     float64
	HasMonitor   bool
	Error        string
	ResetPending bool
}

// tuiModel is the bubbletea model for server TUI
type tuiModel struct {
	status    ServerStatus
	startTime time.Time
	quitting  bool
	notice    string
	onReboot  func()
}

type tickMsg time.Time
type statusMsg ServerStatus

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	sectionStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	faintStyle     = lipgloss.NewStyle().Faint(true)
	noticeDuration = 3 * time.Second
)

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type clearNoticeMsg struct{}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if m.onReboot != nil {
				m.onReboot()
			}
			m.notice = "Reboot requested"
			return m, tea.Tick(noticeDuration, func(time.Time) tea.Msg { return clearNoticeMsg{} })
		}

	case tickMsg:
		return m, tickEvery()

	case clearNoticeMsg:
		m.notice = ""
		return m, nil

	case statusMsg:
		m.status = ServerStatus(msg)
		return m, nil
	}

	return m, nil
}

func connectedLabel(ok bool) string {
	if ok {
		return okStyle.Render("connected")
	}
	return badStyle.Render("disconnected")
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Ananas Server"))
	b.WriteString("\n\n")

	field := func(name, value string) {
		b.WriteString(headerStyle.Render(name + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	field("Server", m.status.ServerID)
	iface := m.status.Interface
	if iface == "" {
		iface = "default"
	}
	field("Interface", iface)
	field("Source", m.status.Source)
	field("Uptime", time.Since(m.startTime).Round(time.Second).String())
	b.WriteString(headerStyle.Render("Engine: "))
	b.WriteString(connectedLabel(m.status.Connected))
	b.WriteString("\n")
	field("Packets", fmt.Sprintf("%d sent, %d frames dropped, t=%d", m.status.Sent, m.status.Dropped, m.status.PacketTime))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Workers"))
	b.WriteString("\n")
	for _, w := range m.status.Workers {
		state := valueStyle.Render(w.State)
		if w.State == "running" {
			state = okStyle.Render(w.State)
		}
		b.WriteString(fmt.Sprintf("  %-28s %s\n", w.Name, state))
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Clients (%d)", len(m.status.Clients))))
	b.WriteString("\n")
	if len(m.status.Clients) == 0 {
		b.WriteString(valueStyle.Render("  No clients connected"))
		b.WriteString("\n")
	}
	for _, c := range m.status.Clients {
		lock := badStyle.Render("unlocked")
		if c.PTPLocked {
			lock = okStyle.Render("locked")
		}
		b.WriteString(fmt.Sprintf("  %-15s serial %-6d module %-3d buffer %3d%%  cpu %5.1f%%  offset %dns  ",
			c.IP, c.Serial, c.ModuleID, c.BufferFill, c.CPU, c.OffsetNs))
		b.WriteString(lock)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Modules (%d)", len(m.status.Modules))))
	b.WriteString("\n")
	for _, mod := range m.status.Modules {
		b.WriteString(fmt.Sprintf("  %-15s id %-4d ", mod.IP, mod.ID))
		b.WriteString(connectedLabel(mod.Connected))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Time authority"))
	b.WriteString("\n")
	if a := m.status.Authority; a == nil {
		b.WriteString(valueStyle.Render("  Not seen"))
		b.WriteString("\n")
	} else {
		b.WriteString(fmt.Sprintf("  %-15s clients %d  avg buffer %d%%  underruns %d  overflows %d  ",
			a.IP, a.NumClients, a.AvgBufferFill, a.Underruns, a.Overflows))
		b.WriteString(connectedLabel(a.Connected))
		b.WriteString("\n")
	}

	if len(m.status.Switches) > 0 {
		b.WriteString("\n")
		b.WriteString(sectionStyle.Render("Switches"))
		b.WriteString("\n")
		for _, sw := range m.status.Switches {
			b.WriteString(fmt.Sprintf("  %-10s %-15s ", sw.ID, sw.IP))
			switch {
			case sw.Error != "":
				b.WriteString(badStyle.Render(sw.Error))
			case sw.HasMonitor:
				b.WriteString(valueStyle.Render(fmt.Sprintf("drift %.0f ppb  offset %.0f ns", sw.FreqDriftPPB, sw.OffsetNs)))
			default:
				b.WriteString(valueStyle.Render("waiting"))
			}
			if sw.ResetPending {
				b.WriteString(faintStyle.Render("  (reset pending)"))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(okStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(faintStyle.Render("Press 'r' to reboot clients, 'q' or Ctrl+C to quit"))

	return b.String()
}

// buildStatus collects the current engine state for display.
func buildStatus(s *Server, source string) ServerStatus {
	st := ServerStatus{
		ServerID:   s.ID(),
		Interface:  s.cfg.Interface,
		Source:     source,
		Connected:  s.IsConnected(),
		PacketTime: s.PacketTime(),
		Sent:       s.PacketsSent(),
		Dropped:    s.FifoDropped(),
	}

	for _, w := range s.workers.Workers() {
		st.Workers = append(st.Workers, WorkerInfo{Name: w.Name(), State: w.State().String()})
	}

	for _, c := range s.Clients() {
		st.Clients = append(st.Clients, ClientInfo{
			IP:         c.IP,
			Serial:     c.Serial,
			ModuleID:   c.ModuleID,
			PTPLocked:  c.PTPLocked,
			BufferFill: c.BufferFillPercent,
			CPU:        c.CPUPercent,
			OffsetNs:   c.PresentationOffsetNs,
		})
	}

	for _, mod := range s.Modules() {
		st.Modules = append(st.Modules, ModuleInfo{IP: mod.IP, ID: mod.ID, Connected: mod.Connected})
	}
	sort.Slice(st.Modules, func(i, j int) bool { return st.Modules[i].ID < st.Modules[j].ID })

	if a, ok := s.Authority(); ok {
		st.Authority = &AuthorityInfo{
			IP:            a.IP,
			NumClients:    a.NumClients,
			AvgBufferFill: a.AvgBufferFillPercent,
			Underruns:     a.NumUnderruns,
			Overflows:     a.NumOverflows,
			Connected:     s.AuthorityConnected(),
		}
	}

	for _, sw := range s.Switches() {
		st.Switches = append(st.Switches, SwitchInfo{
			ID:           sw.ID,
			IP:           sw.IP,
			FreqDriftPPB: sw.FreqDriftPPB,
			OffsetNs:     sw.OffsetNs,
			HasMonitor:   sw.HasMonitor,
			Error:        sw.LastError,
			ResetPending: sw.ResetPending,
		})
	}

	return st
}
