package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"hark/audio"
	"hark/command"
	"hark/hotkey"
	"hark/notify"
	"hark/voice"
)

// TUI message types
type stateMsg struct{ From, To voice.State }
type spectrumMsg audio.Sample
type interimMsg struct{ Text string }
type commandMsg struct{ Cmd command.Command }
type notificationsMsg struct{ List []notify.Notification }
type themeMsg struct{ Name string }
type ModeLineMsg struct{ Text string }   // provider, locale and mode
type DeviceLineMsg struct{ Text string } // microphone device name
type tickMsg time.Time

const (
	spectrumHeight = 8
	spectrumDecay  = 0.85
	leftWidth      = 46
)

var barGlyphs = []rune(" ▁▂▃▄▅▆▇█")

type palette struct {
	text, dim, faint, accent lipgloss.Color
}

var palettes = map[string]palette{
	"dark":  {text: "252", dim: "245", faint: "239", accent: "39"},
	"light": {text: "235", dim: "240", faint: "248", accent: "25"},
}

var stateColors = map[voice.State]lipgloss.Color{
	voice.Idle:         "241",
	voice.Requesting:   "214",
	voice.Listening:    "196",
	voice.Processing:   "226",
	voice.Error:        "160",
	voice.Disconnected: "208",
}

var kindColors = map[notify.Kind]lipgloss.Color{
	notify.Info:    "75",
	notify.Success: "42",
	notify.Warning: "214",
	notify.Error:   "196",
}

type tuiModel struct {
	toggle        func()
	state         voice.State
	bins          []float64
	amplitude     float64
	interim       string
	last          *command.Command
	commands      int
	notes         []notify.Notification
	theme         string
	modeLine      string
	deviceLine    string
	frame         int
	width, height int
}

func newTUIModel(toggle func()) tuiModel {
	return tuiModel{toggle: toggle, theme: "dark"}
}

func newTUIProgram(toggle func()) *tea.Program {
	return tea.NewProgram(newTUIModel(toggle), tea.WithAltScreen())
}

// tuiSink forwards pipeline events into the Bubble Tea loop.
type tuiSink struct{ p *tea.Program }

func (s tuiSink) StateChanged(from, to voice.State)        { s.p.Send(stateMsg{From: from, To: to}) }
func (s tuiSink) Spectrum(smp audio.Sample)                { s.p.Send(spectrumMsg(smp)) }
func (s tuiSink) Interim(text string)                      { s.p.Send(interimMsg{Text: text}) }
func (s tuiSink) Command(cmd command.Command)              { s.p.Send(commandMsg{Cmd: cmd}) }
func (s tuiSink) Notifications(list []notify.Notification) { s.p.Send(notificationsMsg{List: list}) }
func (s tuiSink) Theme(name string)                        { s.p.Send(themeMsg{Name: name}) }
func (s tuiSink) ModeLine(text string)                     { s.p.Send(ModeLineMsg{Text: text}) }
func (s tuiSink) DeviceLine(text string)                   { s.p.Send(DeviceLineMsg{Text: text}) }

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// toggleCmd runs the toggle off the UI goroutine; Toggle blocks until the
// machine accepts the request.
func toggleCmd(toggle func()) tea.Cmd {
	if toggle == nil {
		return nil
	}
	return func() tea.Msg {
		toggle()
		return nil
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ":
			return m, toggleCmd(m.toggle)
		}

	case tickMsg:
		m.frame++
		if !m.state.Active() {
			m.decay()
		}
		return m, tuiTick()

	case stateMsg:
		m.state = msg.To
		if !msg.To.Active() {
			m.interim = ""
		}

	case spectrumMsg:
		if m.state.Active() {
			m.absorb(audio.Sample(msg))
		}

	case interimMsg:
		m.interim = msg.Text

	case commandMsg:
		cmd := msg.Cmd
		m.last = &cmd
		m.commands++
		m.interim = ""

	case notificationsMsg:
		m.notes = msg.List

	case themeMsg:
		if _, ok := palettes[msg.Name]; ok {
			m.theme = msg.Name
		}

	case ModeLineMsg:
		m.modeLine = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text
	}
	return m, nil
}

// absorb takes the new sample with peak hold: bars jump up at once and fall
// back with spectrumDecay.
func (m *tuiModel) absorb(s audio.Sample) {
	if len(m.bins) != len(s.Bins) {
		m.bins = make([]float64, len(s.Bins))
	}
	for i, v := range s.Bins {
		m.bins[i] = max(v, m.bins[i]*spectrumDecay)
	}
	m.amplitude = s.Amplitude
}

func (m *tuiModel) decay() {
	for i := range m.bins {
		m.bins[i] *= spectrumDecay
		if m.bins[i] < 0.01 {
			m.bins[i] = 0
		}
	}
	m.amplitude *= spectrumDecay
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	pal := palettes[m.theme]
	dim := lipgloss.NewStyle().Foreground(pal.dim)
	faint := lipgloss.NewStyle().Foreground(pal.faint)

	var left []string
	status := lipgloss.NewStyle().Foreground(stateColors[m.state]).Bold(true)
	left = append(left, status.Render(stateBadge(m.state, m.frame)+" "+m.state.Label()), "")

	bars := lipgloss.NewStyle().Foreground(stateColors[m.state])
	if !m.state.Active() {
		bars = faint
	}
	for _, row := range renderSpectrum(m.bins, spectrumHeight) {
		left = append(left, bars.Render(row))
	}
	left = append(left, faint.Render(fmt.Sprintf("level %3.0f%%", m.amplitude*100)), "")

	if m.modeLine != "" {
		left = append(left, dim.Render(m.modeLine))
	}
	if m.deviceLine != "" {
		left = append(left, faint.Render(m.deviceLine))
	}
	left = append(left, "")

	bold := lipgloss.NewStyle().Foreground(pal.faint).Bold(true)
	left = append(left,
		bold.Render("space")+faint.Render(" or ")+bold.Render(hotkey.Combo)+faint.Render(" to talk"),
		bold.Render("q")+faint.Render(" to quit"),
		faint.Render("hark "+version),
	)

	rightWidth := m.width - leftWidth - 1
	if rightWidth < 20 {
		rightWidth = 20
	}
	wrapWidth := max(rightWidth-2, 10)

	var right strings.Builder
	text := lipgloss.NewStyle().Foreground(pal.text)
	if m.interim != "" {
		italic := lipgloss.NewStyle().Foreground(pal.dim).Italic(true)
		for _, line := range wrapText(m.interim, wrapWidth) {
			right.WriteString(italic.Render(line) + "\n")
		}
		right.WriteString("\n")
	}
	if m.last != nil {
		right.WriteString(dim.Render(fmt.Sprintf("Last command (#%d) %s", m.commands, m.last.Intent)) + "\n")
		for _, line := range wrapText(m.last.Raw, wrapWidth) {
			right.WriteString(lipgloss.NewStyle().Foreground(pal.accent).Render(line) + "\n")
		}
		right.WriteString("\n")
	} else if m.interim == "" {
		right.WriteString(faint.Render("Say \""+command.Examples()[0]+"\" or \"help\"") + "\n\n")
	}
	for _, n := range m.notes {
		kind := lipgloss.NewStyle().Foreground(kindColors[n.Kind]).Bold(true)
		lines := wrapText(n.Message, max(wrapWidth-2, 8))
		for i, line := range lines {
			prefix := "  "
			if i == 0 {
				prefix = kind.Render(kindGlyph(n.Kind)) + " "
			}
			right.WriteString(prefix + text.Render(line) + "\n")
		}
	}

	leftPanel := lipgloss.NewStyle().
		Width(leftWidth - 1).
		Height(m.height).
		Render(strings.Join(left, "\n"))
	rightPanel := lipgloss.NewStyle().
		Width(rightWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(right.String())

	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
}

func stateBadge(s voice.State, frame int) string {
	switch s {
	case voice.Listening:
		if frame/8%2 == 0 {
			return "●"
		}
		return "○"
	case voice.Requesting, voice.Processing:
		return string(`|/-\`[frame%4])
	case voice.Error, voice.Disconnected:
		return "✕"
	default:
		return "○"
	}
}

func kindGlyph(k notify.Kind) string {
	switch k {
	case notify.Success:
		return "✓"
	case notify.Warning:
		return "!"
	case notify.Error:
		return "✕"
	default:
		return "i"
	}
}

// renderSpectrum draws bins as vertical bars, height rows tall, top row
// first. Each column uses eighth-block glyphs for sub-row resolution.
func renderSpectrum(bins []float64, height int) []string {
	rows := make([]string, height)
	var b strings.Builder
	steps := len(barGlyphs) - 1
	for r := 0; r < height; r++ {
		b.Reset()
		floor := float64(height - 1 - r)
		for _, v := range bins {
			fill := min(max(v, 0), 1)*float64(height) - floor
			switch {
			case fill >= 1:
				b.WriteRune(barGlyphs[steps])
			case fill <= 0:
				b.WriteRune(barGlyphs[0])
			default:
				b.WriteRune(barGlyphs[int(fill*float64(steps))])
			}
		}
		rows[r] = b.String()
	}
	return rows
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
