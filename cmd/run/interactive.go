package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	units "github.com/docker/go-units"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type view int

const (
	viewResult view = iota
	viewRegisters
	viewRegions
	viewTrace
	viewThreads
	viewHosts
	viewExports
	numViews
)

var viewNames = [numViews]string{"result", "registers", "regions", "trace", "threads", "hosts", "exports"}

// filterable views narrow their rows with the filter input.
func (v view) filterable() bool {
	return v == viewTrace || v == viewHosts || v == viewExports
}

type modelState int

const (
	stateBrowse modelState = iota
	stateFilter
	stateInputArgs
	stateCalling
	stateShowResult
)

type inspectorModel struct {
	ctx      context.Context
	err      error
	env      *runtime.Environment
	res      runtime.Result
	filename string
	result   string
	exports  []string
	filter   textinput.Model
	args     textinput.Model
	selected int
	offset   int
	height   int
	view     view
	state    modelState
}

type callResultMsg struct {
	err    error
	result string
}

func newInspectorModel(ctx context.Context, filename string, env *runtime.Environment, res runtime.Result) *inspectorModel {
	filter := textinput.New()
	filter.Prompt = "/"
	filter.Placeholder = "filter"
	filter.Width = 40

	args := textinput.New()
	args.Prompt = "args: "
	args.Placeholder = "0x10 42 ..."
	args.Width = 40

	var exports []string
	if img := env.Image(); img != nil {
		for name := range img.Exports {
			exports = append(exports, name)
		}
	}
	sort.Strings(exports)

	return &inspectorModel{
		ctx:      ctx,
		env:      env,
		res:      res,
		filename: filename,
		exports:  exports,
		filter:   filter,
		args:     args,
		height:   20,
	}
}

func (m *inspectorModel) Init() tea.Cmd {
	return nil
}

func (m *inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = max(msg.Height-8, 4)

	case tea.KeyMsg:
		switch m.state {
		case stateFilter:
			switch msg.String() {
			case "enter", "esc":
				m.filter.Blur()
				m.state = stateBrowse
				if msg.String() == "esc" {
					m.filter.SetValue("")
				}
				m.selected, m.offset = 0, 0
				return m, nil
			}
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			m.selected, m.offset = 0, 0
			return m, cmd

		case stateInputArgs:
			switch msg.String() {
			case "enter":
				m.args.Blur()
				m.state = stateCalling
				return m, m.callExport(m.visibleExports()[m.selected], m.args.Value())
			case "esc":
				m.args.Blur()
				m.state = stateBrowse
				return m, nil
			}
			var cmd tea.Cmd
			m.args, cmd = m.args.Update(msg)
			return m, cmd

		case stateCalling:
			if msg.String() == "ctrl+c" {
				m.env.Halt()
			}
			return m, nil

		case stateShowResult:
			switch msg.String() {
			case "ctrl+c", "q":
				return m, tea.Quit
			case "enter", "esc":
				m.state = stateBrowse
				m.result = ""
				m.err = nil
			}
			return m, nil
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "tab", "right", "l":
			m.switchView((m.view + 1) % numViews)

		case "shift+tab", "left", "h":
			m.switchView((m.view + numViews - 1) % numViews)

		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.selected < m.rowCount()-1 {
				m.selected++
			}

		case "/":
			if m.view.filterable() {
				m.state = stateFilter
				return m, m.filter.Focus()
			}

		case "enter":
			if m.view == viewExports && len(m.visibleExports()) > 0 {
				m.args.SetValue("")
				m.state = stateInputArgs
				return m, m.args.Focus()
			}
		}
		m.scroll()

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}
	return m, nil
}

func (m *inspectorModel) switchView(v view) {
	m.view = v
	m.selected, m.offset = 0, 0
	m.filter.SetValue("")
}

func (m *inspectorModel) scroll() {
	if m.selected < m.offset {
		m.offset = m.selected
	}
	if m.selected >= m.offset+m.height {
		m.offset = m.selected - m.height + 1
	}
}

// callExport runs an exported guest function on the finished environment.
func (m *inspectorModel) callExport(name, input string) tea.Cmd {
	return func() tea.Msg {
		args, err := parseArgs(input)
		if err != nil {
			return callResultMsg{err: err}
		}
		v, err := m.env.CallSymbol(m.ctx, name, args...)
		if err != nil {
			return callResultMsg{err: err}
		}
		return callResultMsg{result: fmt.Sprintf("%s(%s) = 0x%x (%d)", name, strings.Join(strings.Fields(input), ", "), uint32(v), int32(v))}
	}
}

func parseArgs(input string) ([]uint32, error) {
	fields := strings.Fields(input)
	if len(fields) > 4 {
		return nil, fmt.Errorf("at most 4 arguments, got %d", len(fields))
	}
	args := make([]uint32, len(fields))
	for i, f := range fields {
		if strings.HasPrefix(f, "-") {
			v, err := strconv.ParseInt(f, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = uint32(int32(v))
			continue
		}
		v, err := strconv.ParseUint(f, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = uint32(v)
	}
	return args, nil
}

func (m *inspectorModel) matches(s string) bool {
	q := strings.TrimSpace(m.filter.Value())
	return q == "" || strings.Contains(strings.ToLower(s), strings.ToLower(q))
}

func (m *inspectorModel) visibleExports() []string {
	var out []string
	for _, name := range m.exports {
		if m.matches(name) {
			out = append(out, name)
		}
	}
	return out
}

func (m *inspectorModel) visibleTrace() []runtime.Record {
	var out []runtime.Record
	for _, r := range m.env.Trace().Records() {
		if m.matches(r.Symbol) {
			out = append(out, r)
		}
	}
	return out
}

func (m *inspectorModel) visibleHosts() []*dispatch.Entry {
	entries := m.env.Table().Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })
	var out []*dispatch.Entry
	for _, e := range entries {
		if m.matches(e.Symbol) || m.matches(e.Library) {
			out = append(out, e)
		}
	}
	return out
}

func (m *inspectorModel) rows() []string {
	switch m.view {
	case viewResult:
		return m.resultRows()
	case viewRegisters:
		return strings.Split(strings.TrimRight(formatRegisters(m.res.Context), "\n"), "\n")
	case viewRegions:
		var out []string
		for _, r := range m.env.Memory().Regions() {
			out = append(out, fmt.Sprintf("%08x-%08x %s %-10s %8s  %s",
				r.Base, uint64(r.Base)+uint64(r.Size), r.Perm, r.Owner, units.BytesSize(float64(r.Size)), r.Name))
		}
		return out
	case viewTrace:
		var out []string
		for _, r := range m.visibleTrace() {
			out = append(out, fmt.Sprintf("#%-6d %s", r.Seq, formatRecord(r)))
		}
		return out
	case viewThreads:
		var out []string
		for _, t := range m.res.Threads {
			mark := " "
			if t.Current {
				mark = "*"
			}
			out = append(out, fmt.Sprintf("%s thread %-3d %-9s pc %08x sp %08x lr %08x",
				mark, t.Handle, t.State, t.Context.Regs[cpu.PC], t.Context.Regs[cpu.SP], t.Context.Regs[cpu.LR]))
		}
		return out
	case viewHosts:
		var out []string
		for _, e := range m.visibleHosts() {
			out = append(out, formatEntry(e))
		}
		return out
	case viewExports:
		var out []string
		for _, name := range m.visibleExports() {
			addr, _ := m.env.Image().Export(name)
			out = append(out, fmt.Sprintf("%08x %s", addr, funcStyle.Render(name)))
		}
		return out
	}
	return nil
}

func (m *inspectorModel) resultRows() []string {
	res := m.res
	out := []string{
		"kind        " + res.Kind.String(),
		"status      " + res.Classification,
		fmt.Sprintf("exit code   %d", res.ExitCode()),
		fmt.Sprintf("pc          0x%08x %s", res.PC, m.env.Symbolize(res.PC)),
	}
	if res.Symbol != "" {
		out = append(out, "symbol      "+res.Symbol)
	}
	if res.Kind == runtime.ResultFault {
		out = append(out, fmt.Sprintf("address     0x%08x", res.Addr))
	}
	if res.Err != nil {
		out = append(out, "error       "+errorStyle.Render(res.Err.Error()))
	}
	hs := m.env.Memory().HeapStats()
	out = append(out,
		fmt.Sprintf("heap        %s used, %s mapped, %s ceiling",
			units.BytesSize(float64(hs.Used)), units.BytesSize(float64(hs.Size)), units.BytesSize(float64(hs.Ceiling))),
		fmt.Sprintf("dispatches  %d", res.Dispatches),
		"run         "+m.env.ID().String(),
	)
	if img := m.env.Image(); img != nil && len(img.Unresolved) > 0 {
		out = append(out, fmt.Sprintf("stubs       %d unresolved imports", len(img.Unresolved)))
	}
	return out
}

func (m *inspectorModel) rowCount() int {
	return len(m.rows())
}

func (m *inspectorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("HLE Inspector"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n")
	for v := view(0); v < numViews; v++ {
		if v == m.view {
			b.WriteString(selectedStyle.Padding(0, 1).Render(viewNames[v]))
		} else {
			b.WriteString(tabStyle.Render(viewNames[v]))
		}
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateInputArgs, stateCalling:
		name := m.visibleExports()[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(name)))
		b.WriteString(m.args.View())
		b.WriteString(" ")
		b.WriteString(typeStyle.Render("u32 ..."))
		b.WriteString("\n\n")
		if m.state == stateCalling {
			b.WriteString(helpStyle.Render("running • ctrl+c halt"))
		} else {
			b.WriteString(helpStyle.Render("enter call • esc back"))
		}
		return b.String()

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
		return b.String()
	}

	rows := m.rows()
	if len(rows) == 0 {
		b.WriteString(helpStyle.Render("(empty)"))
		b.WriteString("\n")
	}
	end := min(m.offset+m.height, len(rows))
	for i := m.offset; i < end; i++ {
		if i == m.selected && m.view.filterable() {
			b.WriteString(selectedStyle.Render("> " + rows[i]))
		} else {
			b.WriteString("  " + rows[i])
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.view.filterable() && (m.state == stateFilter || m.filter.Value() != "") {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}
	help := "tab/←/→ view • ↑/↓ scroll • q quit"
	if m.view.filterable() {
		help += " • / filter"
	}
	if m.view == viewExports {
		help += " • enter call"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func formatEntry(e *dispatch.Entry) string {
	var params []string
	for _, p := range e.Signature.Params {
		params = append(params, typeStyle.Render(witTypeStr(p)))
	}
	result := ""
	if len(e.Signature.Results) > 0 {
		result = " -> " + typeStyle.Render(witTypeStr(e.Signature.Results[0]))
	}
	name := funcStyle.Render(e.Symbol)
	if e.Stub {
		name = errorStyle.Render(e.Symbol)
	}
	return fmt.Sprintf("%08x %s(%s)%s  %s  calls %d",
		e.Addr, name, strings.Join(params, ", "), result, helpStyle.Render(e.Library), e.Calls)
}

func witTypeStr(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.String:
		return "char*"
	default:
		return fmt.Sprintf("%T", t)
	}
}

func runInteractive(ctx context.Context, filename string, env *runtime.Environment, res runtime.Result) error {
	p := tea.NewProgram(newInspectorModel(ctx, filename, env, res), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
