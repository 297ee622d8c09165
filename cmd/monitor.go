// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/okhsunrog/km003c-go/pkg/km003c"
	"github.com/okhsunrog/km003c-go/pkg/pdwire"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live measurement monitor (TUI)",
	Long: `Full-screen live view of the analyzer: VBUS, IBUS, power and
temperature, CC/D± line voltages, and a scrolling log of PD events.

Keys: q quits, c clears the event log.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 250*time.Millisecond, "Poll interval")
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	bigStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type monitorModel struct {
	dev      *km003c.Device
	adc      *km003c.AdcData
	eventLog []string
	maxLog   int
	pollErr  error
	vp       viewport.Model
	width    int
	height   int
	quitting bool
}

type monitorTickMsg time.Time

type monitorDataMsg struct {
	adc    *km003c.AdcData
	events []km003c.PdEvent
	err    error
}

func runMonitor(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		return err
	}
	defer dev.Disconnect()

	if err := dev.EnablePdMonitor(); err != nil {
		logger.Debug().Err(err).Msg("PD monitor not enabled")
	} else {
		defer dev.DisablePdMonitor()
	}

	m := monitorModel{
		dev:    dev,
		maxLog: 200,
		vp:     viewport.New(60, 10),
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), monitorTick())
}

func monitorTick() tea.Cmd {
	return tea.Tick(monitorInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

// poll requests ADC and PD data in one combined transaction.
func (m monitorModel) poll() tea.Cmd {
	dev := m.dev
	return func() tea.Msg {
		chain, err := dev.RequestCombined(km003c.NewAttributeSet(km003c.AttrAdc, km003c.AttrPdPacket))
		if err != nil {
			return monitorDataMsg{err: err}
		}
		msg := monitorDataMsg{adc: km003c.ChainAdc(chain)}
		if stream := km003c.ChainPdEvents(chain); stream != nil {
			msg.events = stream.Events
		}
		return msg
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.eventLog = nil
			m.vp.SetContent("")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.vp.Width = msg.Width - 4
		m.vp.Height = msg.Height - 14
		if m.vp.Height < 3 {
			m.vp.Height = 3
		}

	case monitorTickMsg:
		return m, tea.Batch(m.poll(), monitorTick())

	case monitorDataMsg:
		m.pollErr = msg.err
		if msg.adc != nil {
			m.adc = msg.adc
		}
		for _, event := range msg.events {
			m.appendEvent(event)
		}
		m.vp.SetContent(joinLines(m.eventLog))
		m.vp.GotoBottom()
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m *monitorModel) appendEvent(event km003c.PdEvent) {
	var line string
	switch e := event.(type) {
	case *km003c.ConnectionEvent:
		line = warnStyle.Render(e.String())
	case *km003c.PdWrapped:
		dir := "snk→src"
		if e.SrcToSnk {
			dir = "src→snk"
		}
		if msg, err := pdwire.Decode(e.Wire); err == nil {
			line = fmt.Sprintf("%s %s", dir, msg.TypeName())
		} else {
			line = fmt.Sprintf("%s %d PD bytes", dir, len(e.Wire))
		}
	case *km003c.StatusEvent:
		line = labelStyle.Render(fmt.Sprintf("status vbus=%.3fV", float64(e.VbusRaw)/10_000.0))
	case *km003c.UnknownEvent:
		line = labelStyle.Render(fmt.Sprintf("unknown event, %d bytes", len(e.Bytes)))
	}
	m.eventLog = append(m.eventLog, fmt.Sprintf("[%8d] %s", event.Meta().Timestamp, line))
	if len(m.eventLog) > m.maxLog {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLog:]
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}

	header := titleStyle.Render("POWER-Z KM003C monitor") +
		labelStyle.Render("   q: quit  c: clear log")

	var readings string
	if m.adc == nil {
		readings = labelStyle.Render("waiting for data...")
	} else {
		main := lipgloss.JoinHorizontal(lipgloss.Top,
			boxStyle.Render(fmt.Sprintf("%s\n%s",
				labelStyle.Render("VBUS"), bigStyle.Render(fmt.Sprintf("%9.5f V", m.adc.VbusV)))),
			boxStyle.Render(fmt.Sprintf("%s\n%s",
				labelStyle.Render("IBUS"), bigStyle.Render(fmt.Sprintf("%9.5f A", m.adc.IbusA)))),
			boxStyle.Render(fmt.Sprintf("%s\n%s",
				labelStyle.Render("POWER"), bigStyle.Render(fmt.Sprintf("%9.5f W", m.adc.PowerW)))),
			boxStyle.Render(fmt.Sprintf("%s\n%s",
				labelStyle.Render("TEMP"), valueStyle.Render(fmt.Sprintf("%6.1f °C", m.adc.TempC)))),
		)
		lines := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
			labelStyle.Render("CC1"), valueStyle.Render(fmt.Sprintf("%.4f V", m.adc.Cc1V)),
			labelStyle.Render("CC2"), valueStyle.Render(fmt.Sprintf("%.4f V", m.adc.Cc2V)),
			labelStyle.Render("D+"), valueStyle.Render(fmt.Sprintf("%.4f V", m.adc.Vdp)),
			labelStyle.Render("D-"), valueStyle.Render(fmt.Sprintf("%.4f V", m.adc.Vdm)))
		readings = main + "\n" + lines
	}

	status := ""
	if m.pollErr != nil {
		status = errStyle.Render(fmt.Sprintf("poll error: %v", m.pollErr))
	}

	events := titleStyle.Render("PD events") + "\n" + m.vp.View()

	return fmt.Sprintf("%s\n\n%s\n%s\n\n%s\n", header, readings, status, events)
}
